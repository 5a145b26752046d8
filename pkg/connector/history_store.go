// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/chatcore/pkg/chat"
)

// historyStore caches the last reconciled message list of each conversation.
// It's only a paint-early cache: every reload overwrites a conversation's
// rows completely.
type historyStore struct {
	db *dbutil.Database
}

type cachedMessageRow struct {
	ConversationID string
	MessageID      string
	Seq            int
	TimestampMS    int64
	Sender         string
	Text           string
	Status         string
	Editable       bool
	// AttachmentJSON is the serialized chat.Attachment, empty for text.
	AttachmentJSON string
}

func openHistoryStore(ctx context.Context, path string) (*historyStore, error) {
	db, err := dbutil.NewWithDialect("file:"+path+"?_foreign_keys=on&_busy_timeout=5000", "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open history cache: %w", err)
	}
	s := &historyStore{db: db}
	if err = s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *historyStore) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS cache_state (
			conversation_id TEXT PRIMARY KEY,
			message_count INTEGER NOT NULL,
			saved_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cached_message (
			conversation_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			timestamp_ms BIGINT NOT NULL,
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			editable BOOLEAN NOT NULL DEFAULT FALSE,
			attachment_json TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (conversation_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS cached_message_conv_ts_idx
			ON cached_message (conversation_id, timestamp_ms, seq)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure history cache schema: %w", err)
		}
	}
	return nil
}

func (s *historyStore) Close() error {
	return s.db.Close()
}

func toRow(conversationID string, seq int, msg chat.Message) (cachedMessageRow, error) {
	row := cachedMessageRow{
		ConversationID: conversationID,
		MessageID:      msg.ID,
		Seq:            seq,
		Sender:         string(msg.Sender),
		Text:           msg.Text,
		Status:         string(msg.Status),
		Editable:       msg.Editable,
	}
	if !msg.Timestamp.IsZero() {
		row.TimestampMS = msg.Timestamp.UnixMilli()
	}
	if msg.Attachment != nil {
		data, err := json.Marshal(msg.Attachment)
		if err != nil {
			return row, fmt.Errorf("failed to marshal attachment of %s: %w", msg.ID, err)
		}
		row.AttachmentJSON = string(data)
	}
	return row, nil
}

func (row *cachedMessageRow) toMessage() (chat.Message, error) {
	msg := chat.Message{
		ID:             row.MessageID,
		ConversationID: row.ConversationID,
		Text:           row.Text,
		Sender:         chat.Sender(row.Sender),
		Status:         chat.Status(row.Status),
		Editable:       row.Editable,
	}
	if row.TimestampMS != 0 {
		msg.Timestamp = time.UnixMilli(row.TimestampMS)
	}
	if row.AttachmentJSON != "" {
		var att chat.Attachment
		if err := json.Unmarshal([]byte(row.AttachmentJSON), &att); err != nil {
			return msg, fmt.Errorf("failed to unmarshal attachment of %s: %w", row.MessageID, err)
		}
		msg.Attachment = &att
	}
	return msg, nil
}

// SaveSnapshot replaces the cached rows of a conversation in one
// transaction. Rows keep their list position in seq so equal timestamps
// load back in the same order.
func (s *historyStore) SaveSnapshot(ctx context.Context, conversationID string, msgs []chat.Message) error {
	rows := make([]cachedMessageRow, len(msgs))
	for i, msg := range msgs {
		row, err := toRow(conversationID, i, msg)
		if err != nil {
			return err
		}
		rows[i] = row
	}
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, `DELETE FROM cached_message WHERE conversation_id=$1`, conversationID); err != nil {
			return fmt.Errorf("failed to clear cached messages: %w", err)
		}
		for _, row := range rows {
			_, err := s.db.Exec(ctx, `
				INSERT INTO cached_message (
					conversation_id, message_id, seq, timestamp_ms, sender,
					text, status, editable, attachment_json
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (conversation_id, message_id) DO UPDATE SET
					seq=excluded.seq,
					timestamp_ms=excluded.timestamp_ms,
					sender=excluded.sender,
					text=excluded.text,
					status=excluded.status,
					editable=excluded.editable,
					attachment_json=excluded.attachment_json
			`, row.ConversationID, row.MessageID, row.Seq, row.TimestampMS, row.Sender,
				row.Text, row.Status, row.Editable, row.AttachmentJSON)
			if err != nil {
				return fmt.Errorf("failed to insert cached message %s: %w", row.MessageID, err)
			}
		}
		_, err := s.db.Exec(ctx, `
			INSERT INTO cache_state (conversation_id, message_count, saved_ts)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id) DO UPDATE SET
				message_count=excluded.message_count,
				saved_ts=excluded.saved_ts
		`, conversationID, len(rows), time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to update cache state: %w", err)
		}
		return nil
	})
}

// LoadMessages returns the cached messages of a conversation in display
// order. A conversation that was never cached yields nil.
func (s *historyStore) LoadMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT conversation_id, message_id, seq, timestamp_ms, sender,
		       text, status, editable, attachment_json
		FROM cached_message
		WHERE conversation_id=$1
		ORDER BY timestamp_ms, seq
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached messages: %w", err)
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var row cachedMessageRow
		if err = rows.Scan(
			&row.ConversationID,
			&row.MessageID,
			&row.Seq,
			&row.TimestampMS,
			&row.Sender,
			&row.Text,
			&row.Status,
			&row.Editable,
			&row.AttachmentJSON,
		); err != nil {
			return nil, err
		}
		msg, err := row.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// SavedAt returns when a conversation was last cached.
func (s *historyStore) SavedAt(ctx context.Context, conversationID string) (time.Time, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT saved_ts FROM cache_state WHERE conversation_id=$1`,
		conversationID,
	).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	} else if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ts.Int64), ts.Valid, nil
}

// DeleteConversation purges everything cached for a conversation.
func (s *historyStore) DeleteConversation(ctx context.Context, conversationID string) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, `DELETE FROM cached_message WHERE conversation_id=$1`, conversationID); err != nil {
			return fmt.Errorf("failed to delete cached messages: %w", err)
		}
		if _, err := s.db.Exec(ctx, `DELETE FROM cache_state WHERE conversation_id=$1`, conversationID); err != nil {
			return fmt.Errorf("failed to delete cache state: %w", err)
		}
		return nil
	})
}
