package main

import (
	"fmt"
	"io"
	"sync"

	"cipherchat/internal/chat"
	"cipherchat/internal/coordinator"
)

// terminalView prints coordinator updates as lines of text.
type terminalView struct {
	mu    sync.Mutex
	out   io.Writer
	names map[chat.ID]string // chat id -> name, from the last list
}

func newTerminalView(out io.Writer) *terminalView {
	return &terminalView{out: out, names: map[chat.ID]string{}}
}

func (v *terminalView) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

func (v *terminalView) SetConnected(connected bool) {
	if connected {
		v.printf("* connected\n")
	} else {
		v.printf("* disconnected\n")
	}
}

func (v *terminalView) ShowChats(chats []chat.Summary) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "* chats (%d)\n", len(chats))
	for _, s := range chats {
		v.names[s.ChatID] = s.Name
		marker := " "
		if s.Unread() {
			marker = "●"
		}
		fmt.Fprintf(v.out, "  %s [%s] %s", marker, s.ChatID, s.Name)
		if s.Unread() {
			fmt.Fprintf(v.out, " (%d)", s.UnreadCount)
		}
		fmt.Fprintln(v.out)
	}
}

func (v *terminalView) ShowOnline(users []coordinator.OnlineUser) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "* online (%d)\n", len(users))
	for _, u := range users {
		fmt.Fprintf(v.out, "  [%s] %s\n", u.ID, u.Name)
	}
}

func (v *terminalView) AppendMessage(chatID, senderID chat.ID, text string, own bool) {
	who := "user " + senderID.String()
	if own {
		who = "you"
	}
	v.printf("[%s] %s: %s\n", chatID, who, text)
}

func (v *terminalView) OpenChat(chatID chat.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	name := v.names[chatID]
	if name == "" {
		name = chatID.String()
	}
	fmt.Fprintf(v.out, "* opened %s\n", name)
}

func (v *terminalView) SetProfileName(name string) {
	v.printf("* signed in as %s\n", name)
}

func (v *terminalView) LoggedOut() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.names)
	fmt.Fprintln(v.out, "* logged out")
}
