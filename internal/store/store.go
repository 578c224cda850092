// Package store persists the last known chat list per user so the client can
// show something before the first fetch completes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"cipherchat/internal/chat"
)

type Cache struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite cache at path and migrates it.
func Open(path string) (*Cache, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers anyway; one connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	c := &Cache{db: conn}
	if err := c.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate(ctx context.Context) error {
	queries := []string{
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS chat_cache (
            owner        TEXT    NOT NULL,
            position     INTEGER NOT NULL,
            chat_id      TEXT    NOT NULL,
            name         TEXT    NOT NULL,
            unread_count INTEGER NOT NULL DEFAULT 0,
            PRIMARY KEY (owner, chat_id)
        )`,
	}
	for _, q := range queries {
		if _, err := c.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// LoadChats returns owner's cached chat list in the order it was saved.
func (c *Cache) LoadChats(ctx context.Context, owner chat.ID) ([]chat.Summary, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT chat_id, name, unread_count FROM chat_cache WHERE owner = ? ORDER BY position`,
		owner.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []chat.Summary
	for rows.Next() {
		var s chat.Summary
		var id string
		if err := rows.Scan(&id, &s.Name, &s.UnreadCount); err != nil {
			return nil, err
		}
		s.ChatID = chat.ID(id)
		chats = append(chats, s)
	}
	return chats, rows.Err()
}

// SaveChats replaces owner's cached list with chats.
func (c *Cache) SaveChats(ctx context.Context, owner chat.ID, chats []chat.Summary) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_cache WHERE owner = ?`, owner.String()); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chat_cache (owner, position, chat_id, name, unread_count) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, s := range chats {
		if _, err := stmt.ExecContext(ctx, owner.String(), i, s.ChatID.String(), s.Name, s.UnreadCount); err != nil {
			return fmt.Errorf("caching chat %s: %w", s.ChatID, err)
		}
	}
	return tx.Commit()
}

func (c *Cache) Close() error { return c.db.Close() }
