package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cipherchat/internal/api"
	"cipherchat/internal/chat"
	"cipherchat/internal/envelope"
	"cipherchat/internal/realtime"
)

var (
	baseURL   = flag.String("base", "http://localhost:8080", "relay base URL")
	pairCount = flag.Int("pairs", 50, "number of user pairs") // ⚠️ Start small; every user costs an RSA keygen.
	msgCount  = flag.Int("msgs", 20, "messages per sender")
	waitFor   = flag.Duration("wait", 30*time.Second, "how long receivers wait for the last message")
)

var (
	sent       atomic.Int64
	delivered  atomic.Int64
	unreadable atomic.Int64
)

type participant struct {
	name  string
	token string
	id    chat.ID
	key   *rsa.PrivateKey
}

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *pairCount*2, *msgCount)
	start := time.Now()

	var wg sync.WaitGroup
	// Pairs: user 0 talks to user 1, user 2 talks to user 3...
	for i := range *pairCount {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			runPair(pairID)
		}(i)
	}
	wg.Wait()

	log.Printf("✅ LOAD TEST COMPLETE in %s: sent=%d delivered=%d unreadable=%d",
		time.Since(start).Round(time.Millisecond), sent.Load(), delivered.Load(), unreadable.Load())
}

func runPair(pairID int) {
	ctx := context.Background()
	client := api.New(*baseURL, &http.Client{Timeout: 15 * time.Second})

	a, err := authenticate(ctx, client, fmt.Sprintf("u_%d_a", pairID))
	if err != nil {
		log.Printf("❌ Auth Failed: %v", err)
		return
	}
	b, err := authenticate(ctx, client, fmt.Sprintf("u_%d_b", pairID))
	if err != nil {
		log.Printf("❌ Auth Failed: %v", err)
		return
	}

	status, c, err := client.CreateChat(ctx, a.token, fmt.Sprintf("pair %d", pairID), false, []chat.ID{b.id})
	if err != nil || !api.IsSuccess(status) {
		log.Printf("❌ Create Chat Failed [%d]: status %d, %v", pairID, status, err)
		return
	}

	recipients := map[chat.ID]*rsa.PublicKey{a.id: &a.key.PublicKey, b.id: &b.key.PublicKey}

	ready := make(chan struct{})
	received := make(chan struct{})
	go receive(b, c.ChatID, ready, received)
	select {
	case <-ready:
	case <-received:
		return
	}

	for i := range *msgCount {
		env, err := envelope.Seal([]byte(fmt.Sprintf("LoadTest Msg %d from %s", i, a.name)), recipients)
		if err != nil {
			log.Printf("❌ Seal Fail [%s]: %v", a.name, err)
			break
		}
		status, err := client.SendMessage(ctx, a.token, c.ChatID, env)
		if err != nil || !api.IsSuccess(status) {
			log.Printf("❌ Send Fail [%s]: status %d, %v", a.name, status, err)
			break
		}
		sent.Add(1)
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	<-received
	log.Printf("✅ pair %d finished", pairID)
}

// receive connects, signals ready, then counts decryptable messages for
// chatID until all arrived or the wait expires.
func receive(p *participant, chatID chat.ID, ready, done chan<- struct{}) {
	defer close(done)

	wsURL := "ws" + strings.TrimPrefix(*baseURL, "http") + "/ws"
	cfg := realtime.DefaultConfig(wsURL)
	cfg.AutoReconnect = false
	s := realtime.New(cfg, nil)
	s.Connect(p.token)
	defer s.Disconnect()

	deadline := time.After(*waitFor)
	for connected := false; !connected; {
		select {
		case ev := <-s.Events():
			connected = ev.Kind == realtime.EventConnect
		case <-deadline:
			log.Printf("❌ WS Connect Fail [%s]", p.name)
			return
		}
	}
	close(ready)

	dec := envelope.NewDecryptor()
	for got := 0; got < *msgCount; {
		select {
		case ev := <-s.Events():
			if ev.Kind != realtime.EventMessage || ev.Message.ChatID != chatID {
				continue
			}
			got++
			if res := dec.Decrypt(ev.Message, p.id, p.key); res.OK() {
				delivered.Add(1)
			} else {
				unreadable.Add(1)
			}
		case <-deadline:
			log.Printf("⚠️  %s gave up after %d/%d messages", p.name, got, *msgCount)
			return
		}
	}
}

// authenticate registers (ignoring "already exists") with a fresh key and
// logs in.
func authenticate(ctx context.Context, client *api.Client, username string) (*participant, error) {
	const pass = "password123"

	key, err := envelope.GenerateKey()
	if err != nil {
		return nil, err
	}
	pub, err := envelope.MarshalPublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	// A rerun keeps the key from the first run on the server; its messages
	// will show up as unreadable.
	client.Register(ctx, api.RegisterRequest{Username: username, Password: pass, PublicKey: string(pub)})

	status, login, err := client.Login(ctx, username, pass)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", username, err)
	}
	if !api.IsSuccess(status) {
		return nil, fmt.Errorf("%s: login status %d", username, status)
	}
	return &participant{name: username, token: login.AccessToken, id: login.ID, key: key}, nil
}
