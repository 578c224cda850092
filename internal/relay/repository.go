package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"cipherchat/internal/chat"
)

// historyLimit caps how many envelopes a history request returns.
const historyLimit = 50

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) ListChats(ctx context.Context, userID int) ([]chat.Summary, error) {
	query := `
		SELECT c.id, c.name, m.unread_count
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE m.user_id = $1
		ORDER BY m.unread_count DESC, c.id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chats := []chat.Summary{}
	for rows.Next() {
		var id int
		var s chat.Summary
		if err := rows.Scan(&id, &s.Name, &s.UnreadCount); err != nil {
			return nil, err
		}
		s.ChatID = chat.IntID(id)
		chats = append(chats, s)
	}
	return chats, rows.Err()
}

// GetChat returns the chat as seen by userID, or ErrNotFound if they are not
// a member.
func (r *Repository) GetChat(ctx context.Context, chatID, userID int) (chat.Summary, error) {
	query := `
		SELECT c.name, m.unread_count
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE c.id = $1 AND m.user_id = $2
	`
	s := chat.Summary{ChatID: chat.IntID(chatID)}
	err := r.db.QueryRowContext(ctx, query, chatID, userID).Scan(&s.Name, &s.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Summary{}, ErrNotFound
	}
	return s, err
}

// CreateChat adds a chat with creator and members. A private chat between
// two users that already exists is returned instead of creating another.
func (r *Repository) CreateChat(ctx context.Context, creator int, name string, isGroup bool, members []int) (chat.Summary, error) {
	members = append(slices.Clone(members), creator)
	slices.Sort(members)
	members = slices.Compact(members)

	if !isGroup && len(members) == 2 {
		other := members[0]
		if other == creator {
			other = members[1]
		}
		s, err := r.findPrivateChat(ctx, creator, other)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return chat.Summary{}, err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Summary{}, err
	}
	defer tx.Rollback()

	var id int
	err = tx.QueryRowContext(ctx,
		"INSERT INTO chats (name, is_group) VALUES ($1, $2) RETURNING id", name, isGroup).Scan(&id)
	if err != nil {
		return chat.Summary{}, err
	}
	for _, uid := range members {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)", id, uid); err != nil {
			return chat.Summary{}, fmt.Errorf("adding member %d: %w", uid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return chat.Summary{}, err
	}
	return chat.Summary{ChatID: chat.IntID(id), Name: name}, nil
}

func (r *Repository) findPrivateChat(ctx context.Context, a, b int) (chat.Summary, error) {
	query := `
		SELECT c.id, c.name, ma.unread_count
		FROM chats c
		JOIN chat_members ma ON ma.chat_id = c.id AND ma.user_id = $1
		JOIN chat_members mb ON mb.chat_id = c.id AND mb.user_id = $2
		WHERE NOT c.is_group
		LIMIT 1
	`
	var id int
	var s chat.Summary
	err := r.db.QueryRowContext(ctx, query, a, b).Scan(&id, &s.Name, &s.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Summary{}, ErrNotFound
	}
	if err != nil {
		return chat.Summary{}, err
	}
	s.ChatID = chat.IntID(id)
	return s, nil
}

func (r *Repository) MarkRead(ctx context.Context, chatID, userID int) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE chat_members SET unread_count = 0 WHERE chat_id = $1 AND user_id = $2", chatID, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// MemberKeys returns the PEM public key of every member, keyed by user id.
func (r *Repository) MemberKeys(ctx context.Context, chatID, userID int) (map[string]string, error) {
	if err := r.checkMember(ctx, r.db, chatID, userID); err != nil {
		return nil, err
	}
	query := `
		SELECT u.id, u.public_key
		FROM chat_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.chat_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := map[string]string{}
	for rows.Next() {
		var id int
		var pem string
		if err := rows.Scan(&id, &pem); err != nil {
			return nil, err
		}
		if pem != "" {
			keys[chat.IntID(id).String()] = pem
		}
	}
	return keys, rows.Err()
}

// SaveMessage stores an envelope, bumps every other member's unread count
// and returns all member ids.
func (r *Repository) SaveMessage(ctx context.Context, chatID, senderID int, env chat.Envelope) ([]int, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := r.checkMember(ctx, tx, chatID, senderID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (chat_id, sender_id, envelope) VALUES ($1, $2, $3)", chatID, senderID, string(data)); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE chat_members SET unread_count = unread_count + 1 WHERE chat_id = $1 AND user_id <> $2", chatID, senderID); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, "SELECT user_id FROM chat_members WHERE chat_id = $1", chatID)
	if err != nil {
		return nil, err
	}
	var members []int
	for rows.Next() {
		var uid int
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return nil, err
		}
		members = append(members, uid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, tx.Commit()
}

// RecentMessages returns the latest envelopes of a chat, oldest first.
func (r *Repository) RecentMessages(ctx context.Context, chatID, userID int) ([]chat.InboundMessage, error) {
	if err := r.checkMember(ctx, r.db, chatID, userID); err != nil {
		return nil, err
	}
	query := `
		SELECT sender_id, envelope
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, chatID, historyLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []chat.InboundMessage{}
	for rows.Next() {
		var sender int
		var raw []byte
		if err := rows.Scan(&sender, &raw); err != nil {
			return nil, err
		}
		msg := chat.InboundMessage{ChatID: chat.IntID(chatID), SenderID: chat.IntID(sender)}
		if err := json.Unmarshal(raw, &msg.Envelope); err != nil {
			return nil, fmt.Errorf("decoding stored envelope: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) checkMember(ctx context.Context, q queryer, chatID, userID int) error {
	var one int
	err := q.QueryRowContext(ctx,
		"SELECT 1 FROM chat_members WHERE chat_id = $1 AND user_id = $2", chatID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
