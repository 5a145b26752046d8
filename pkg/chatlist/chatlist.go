// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chatlist keeps the viewer's conversation list and the current
// selection.
package chatlist

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatcore/pkg/chat"
	"github.com/lrhodin/chatcore/pkg/chatapi"
	"github.com/lrhodin/chatcore/pkg/codec"
)

const NoMessagesPreview = "No messages"

type API interface {
	ListConversations(ctx context.Context) ([]chatapi.RawConversation, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]chatapi.RawMessage, error)
}

type List struct {
	log zerolog.Logger
	api API

	lock     sync.RWMutex
	items    []chat.Conversation
	selected string
	onSelect []func(conversationID string)
}

func New(api API, log zerolog.Logger) *List {
	return &List{
		api: api,
		log: log.With().Str("component", "chatlist").Logger(),
	}
}

// OnSelect registers fn to run whenever a conversation is selected. An empty
// identifier means the selection was cleared.
func (l *List) OnSelect(fn func(conversationID string)) {
	l.lock.Lock()
	l.onSelect = append(l.onSelect, fn)
	l.lock.Unlock()
}

// Refresh replaces the list with the server's copy. Previews loaded earlier
// are kept for conversations the server didn't send one for.
func (l *List) Refresh(ctx context.Context) error {
	raws, err := l.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}
	items := make([]chat.Conversation, len(raws))
	for i, raw := range raws {
		items[i] = codec.DecodeConversation(raw)
	}

	l.lock.Lock()
	previous := make(map[string]string, len(l.items))
	for _, conv := range l.items {
		previous[conv.ID] = conv.LastMessage
	}
	for i := range items {
		items[i].LastMessage = cmp.Or(items[i].LastMessage, previous[items[i].ID])
	}
	l.items = items
	l.lock.Unlock()
	l.log.Debug().Int("count", len(items)).Msg("Refreshed conversation list")
	return nil
}

// LoadPreviews fetches the latest message of every conversation that has no
// preview yet. Failures are logged per conversation and joined.
func (l *List) LoadPreviews(ctx context.Context) error {
	var missing []string
	l.lock.RLock()
	for _, conv := range l.items {
		if conv.LastMessage == "" {
			missing = append(missing, conv.ID)
		}
	}
	l.lock.RUnlock()

	var errs []error
	for _, id := range missing {
		raws, err := l.api.ListMessages(ctx, id, 1, 1)
		if err != nil {
			l.log.Warn().Err(err).Str("conversation_id", id).Msg("Failed to load last message")
			errs = append(errs, fmt.Errorf("failed to load last message of %s: %w", id, err))
			continue
		}
		preview := NoMessagesPreview
		if len(raws) > 0 {
			preview = previewText(raws[0])
		}
		l.lock.Lock()
		if idx := l.indexLocked(id); idx >= 0 {
			l.items[idx].LastMessage = preview
		}
		l.lock.Unlock()
	}
	return errors.Join(errs...)
}

func previewText(raw chatapi.RawMessage) string {
	if raw.Payload == nil {
		return NoMessagesPreview
	}
	if codec.IsAttachment(*raw.Payload) {
		return cmp.Or(raw.Payload.Name, codec.AttachmentLabel)
	}
	return cmp.Or(raw.Payload.Payload, NoMessagesPreview)
}

func (l *List) indexLocked(id string) int {
	return slices.IndexFunc(l.items, func(c chat.Conversation) bool {
		return c.ID == id
	})
}

func (l *List) Items() []chat.Conversation {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return slices.Clone(l.items)
}

func (l *List) Get(id string) (chat.Conversation, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if idx := l.indexLocked(id); idx >= 0 {
		return l.items[idx], true
	}
	return chat.Conversation{}, false
}

func (l *List) Selected() string {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.selected
}

// Select makes id the active conversation. Selecting a conversation that
// isn't in the list yet is allowed, a freshly joined group may not have
// propagated to the list endpoint.
func (l *List) Select(id string) {
	l.lock.Lock()
	l.selected = id
	observers := slices.Clone(l.onSelect)
	l.lock.Unlock()
	l.log.Debug().Str("conversation_id", id).Msg("Selected conversation")
	for _, fn := range observers {
		fn(id)
	}
}

// Remove drops a deleted conversation and clears the selection if it was
// the selected one.
func (l *List) Remove(id string) {
	l.lock.Lock()
	l.items = slices.DeleteFunc(l.items, func(c chat.Conversation) bool {
		return c.ID == id
	})
	wasSelected := l.selected == id
	l.lock.Unlock()
	if wasSelected {
		l.Select("")
	}
}
