package store

import (
	"context"
	"path/filepath"
	"testing"

	"cipherchat/internal/chat"
)

func openTemp(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSaveAndLoadPreservesOrder(t *testing.T) {
	c := openTemp(t)
	ctx := context.Background()

	in := []chat.Summary{
		{ChatID: "9", Name: "nine", UnreadCount: 0},
		{ChatID: "2", Name: "two", UnreadCount: 4},
		{ChatID: "5", Name: "five", UnreadCount: 1},
	}
	if err := c.SaveChats(ctx, "me", in); err != nil {
		t.Fatalf("SaveChats: %v", err)
	}

	out, err := c.LoadChats(ctx, "me")
	if err != nil {
		t.Fatalf("LoadChats: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d chats, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("chat %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestSaveReplacesPreviousSnapshot(t *testing.T) {
	c := openTemp(t)
	ctx := context.Background()

	c.SaveChats(ctx, "me", []chat.Summary{{ChatID: "1", Name: "a"}, {ChatID: "2", Name: "b"}})
	c.SaveChats(ctx, "me", []chat.Summary{{ChatID: "3", Name: "c"}})

	out, err := c.LoadChats(ctx, "me")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ChatID != "3" {
		t.Fatalf("got %+v", out)
	}
}

func TestOwnersAreIsolated(t *testing.T) {
	c := openTemp(t)
	ctx := context.Background()

	c.SaveChats(ctx, "alice", []chat.Summary{{ChatID: "1", Name: "a"}})
	c.SaveChats(ctx, "bob", []chat.Summary{{ChatID: "2", Name: "b"}})

	out, _ := c.LoadChats(ctx, "alice")
	if len(out) != 1 || out[0].ChatID != "1" {
		t.Fatalf("alice sees %+v", out)
	}
	if out, _ := c.LoadChats(ctx, "nobody"); len(out) != 0 {
		t.Fatalf("unknown owner sees %+v", out)
	}
}
