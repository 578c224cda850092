// Command cipherchat is a headless terminal client for the relay.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"cipherchat/internal/config"
)

var (
	cfg        *config.Client
	verbose    bool
	serverFlag string
)

var rootCmd = &cobra.Command{
	Use:   "cipherchat",
	Short: "End-to-end encrypted chat client",
	Long: `cipherchat talks to a relay over REST and a WebSocket. Messages are
sealed for each recipient's public key before they leave this machine, and
the relay only ever stores ciphertext.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.LoadClient(); err != nil {
			return err
		}
		if serverFlag != "" {
			cfg.ServerURL = serverFlag
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "", "Relay base URL (overrides CIPHERCHAT_SERVER)")
	rootCmd.AddCommand(keygenCmd, registerCmd, runCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
