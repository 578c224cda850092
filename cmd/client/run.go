package main

import (
	"bufio"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"cipherchat/internal/api"
	"cipherchat/internal/chat"
	"cipherchat/internal/coordinator"
	"cipherchat/internal/envelope"
	"cipherchat/internal/realtime"
	"cipherchat/internal/store"
)

var (
	runUsername string
	runPassword string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sign in and chat interactively",
	Long: `Sign in, connect to the relay and read commands from stdin.

  /chats             show the chat list
  /online            show who is online
  /refresh           refetch the chat list
  /open <chat id>    open a chat and show recent history
  /close             close the open chat
  /dm <user id>      start a private chat
  /search <text>     find users
  /reconnect         reconnect the live session
  /logout            sign out and exit

Any other line is encrypted and sent to the open chat.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runUsername, "username", "u", "", "Username")
	f.StringVarP(&runPassword, "password", "p", "", "Password (or CIPHERCHAT_PASSWORD)")
	runCmd.MarkFlagRequired("username")
}

func runChat(cmd *cobra.Command, args []string) error {
	if runPassword == "" {
		runPassword = os.Getenv("CIPHERCHAT_PASSWORD")
	}
	key, err := loadKey(cfg.KeyPath, false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	client := api.New(cfg.ServerURL, &http.Client{Timeout: cfg.RequestTimeout})
	loginCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	status, login, err := client.Login(loginCtx, runUsername, runPassword)
	cancel()
	if err != nil {
		return err
	}
	if !api.IsSuccess(status) {
		return fmt.Errorf("login failed: %d %s", status, http.StatusText(status))
	}

	view := newTerminalView(cmd.OutOrStdout())
	if exp, ok := tokenExpiry(login.AccessToken); ok {
		slog.Debug("token issued", "expires", exp)
		expired := time.AfterFunc(time.Until(exp), func() {
			view.printf("* session expired; run again to sign in\n")
		})
		defer expired.Stop()
	}

	var cache coordinator.ChatCache
	if c, err := openCache(cfg.CachePath); err != nil {
		slog.Warn("offline cache disabled", "error", err)
	} else if c != nil {
		defer c.Close()
		cache = c
	}

	rtCfg := realtime.DefaultConfig(cfg.WebSocketURL())
	rtCfg.AutoReconnect = cfg.AutoReconnect
	session := realtime.New(rtCfg, slog.Default())

	coord := coordinator.New(session, client, view, coordinator.Options{
		RequestTimeout: cfg.RequestTimeout,
		Cache:          cache,
		Logger:         slog.Default(),
	})
	runCtx, cancelRun := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		coord.Run(runCtx)
		close(done)
	}()
	defer func() {
		cancelRun()
		<-done
	}()

	creds := coordinator.Credentials{Token: login.AccessToken, UserID: login.ID, PrivateKey: key}
	if err := coord.Start(ctx, creds); err != nil {
		return err
	}

	r := &repl{
		coord:  coord,
		client: client,
		token:  login.AccessToken,
		self:   login.ID,
		key:    key,
		view:   view,
		out:    cmd.OutOrStdout(),
	}
	return r.loop(ctx, cmd.InOrStdin())
}

func openCache(path string) (*store.Cache, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return store.Open(path)
}

// tokenExpiry reads the expiry claim without verifying the signature; only
// the relay can do that.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ---------------------------------------------
// Command loop
// ---------------------------------------------

type repl struct {
	coord  *coordinator.Coordinator
	client *api.Client
	token  string
	self   chat.ID
	key    *rsa.PrivateKey
	view   *terminalView
	out    io.Writer
}

var errQuit = errors.New("quit")

func (r *repl) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return r.logout()
		case line, ok := <-lines:
			if !ok {
				return r.logout()
			}
			err := r.handle(ctx, strings.TrimSpace(line))
			if errors.Is(err, errQuit) {
				return r.logout()
			}
			if err != nil {
				fmt.Fprintln(r.out, "!", err)
			}
		}
	}
}

func (r *repl) logout() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.coord.Logout(ctx)
}

func (r *repl) handle(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return r.send(ctx, line)
	}

	verb, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch verb {
	case "/chats":
		chats, err := r.coord.Chats(ctx)
		if err != nil {
			return err
		}
		r.view.ShowChats(chats)
	case "/online":
		users, err := r.coord.Online(ctx)
		if err != nil {
			return err
		}
		r.view.ShowOnline(users)
	case "/refresh":
		r.coord.RefreshChats()
	case "/open":
		if arg == "" {
			return errors.New("usage: /open <chat id>")
		}
		r.coord.OpenChat(chat.ID(arg))
		return r.history(ctx, chat.ID(arg))
	case "/close":
		r.coord.CloseChat()
	case "/dm":
		if arg == "" {
			return errors.New("usage: /dm <user id>")
		}
		r.coord.StartChatWith(chat.ID(arg))
	case "/search":
		return r.search(ctx, arg)
	case "/reconnect":
		return r.coord.Reconnect(ctx)
	case "/logout", "/quit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %s", verb)
	}
	return nil
}

// send seals text for every member of the open chat and submits it. The
// relay echoes it back over the live session.
func (r *repl) send(ctx context.Context, text string) error {
	chatID, open, err := r.coord.OpenChatID(ctx)
	if err != nil {
		return err
	}
	if !open {
		return errors.New("open a chat first")
	}

	status, keys, err := r.client.FetchChatKeys(ctx, r.token, chatID)
	if err != nil {
		return err
	}
	if !api.IsSuccess(status) {
		return fmt.Errorf("fetching keys: %d", status)
	}
	env, skipped, err := sealForMembers([]byte(text), keys)
	if err != nil {
		return err
	}
	for _, id := range skipped {
		slog.Warn("member has no usable public key; they will not be able to read this", "user_id", id)
	}

	status, err = r.client.SendMessage(ctx, r.token, chatID, env)
	if err != nil {
		return err
	}
	if !api.IsSuccess(status) {
		return fmt.Errorf("sending: %d", status)
	}
	return nil
}

func (r *repl) history(ctx context.Context, chatID chat.ID) error {
	status, msgs, err := r.client.FetchMessages(ctx, r.token, chatID)
	if err != nil {
		return err
	}
	if !api.IsSuccess(status) {
		return fmt.Errorf("fetching history: %d", status)
	}
	dec := envelope.NewDecryptor()
	for i := range msgs {
		res := dec.Decrypt(&msgs[i], r.self, r.key)
		r.view.AppendMessage(msgs[i].ChatID, msgs[i].SenderID, res.Text(), msgs[i].SenderID == r.self)
	}
	return nil
}

func (r *repl) search(ctx context.Context, q string) error {
	status, users, err := r.client.SearchUsers(ctx, r.token, q)
	if err != nil {
		return err
	}
	if !api.IsSuccess(status) {
		return fmt.Errorf("search: %d", status)
	}
	for _, u := range users {
		fmt.Fprintf(r.out, "  [%s] %s (%s)\n", u.ID, u.DisplayName(), u.Username)
	}
	return nil
}

// sealForMembers encrypts plaintext for every member key that parses and
// returns the ids it had to skip.
func sealForMembers(plaintext []byte, keys api.ChatKeys) (chat.Envelope, []chat.ID, error) {
	recipients := make(map[chat.ID]*rsa.PublicKey, len(keys))
	var skipped []chat.ID
	for id, pem := range keys {
		pub, err := envelope.ParsePublicKeyPEM([]byte(pem))
		if err != nil {
			skipped = append(skipped, chat.ID(id))
			continue
		}
		recipients[chat.ID(id)] = pub
	}
	env, err := envelope.Seal(plaintext, recipients)
	return env, skipped, err
}
