// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package store holds the in-memory state of the open conversation.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatcore/pkg/chat"
)

var (
	// ErrStale is returned for mutations issued under a generation that is no
	// longer current, i.e. the conversation was switched or cleared since.
	ErrStale          = errors.New("conversation changed since the operation started")
	ErrUnknownPending = errors.New("no such pending message")
	ErrNotTemporary   = errors.New("pending message must have a temporary identifier")
)

// Snapshot is an immutable copy of the store handed to renderers.
type Snapshot struct {
	ConversationID string
	Generation     uint64
	Messages       []chat.Message
	// PendingID is the temporary identifier holding the single-flight slot.
	PendingID string
}

// PendingCount is the number of optimistic messages awaiting the server.
// The single-flight slot keeps it at most 1.
func (s *Snapshot) PendingCount() int {
	if s.PendingID == "" {
		return 0
	}
	for i := range s.Messages {
		if s.Messages[i].ID == s.PendingID {
			return 1
		}
	}
	return 0
}

// Store is mutated only by the sync engine and the notification bridge.
// Every mutation carries the generation it was issued under; the generation
// changes whenever the active conversation is switched or cleared.
type Store struct {
	log zerolog.Logger

	lock           sync.Mutex
	conversationID string
	generation     uint64
	messages       []chat.Message
	// slot is the single-flight reservation. It's taken before an upload
	// starts, so it can be held without a pending message in the list.
	slot string

	observerLock sync.RWMutex
	observers    []func(Snapshot)
}

func New(log zerolog.Logger) *Store {
	return &Store{
		log: log.With().Str("component", "store").Logger(),
	}
}

// OnChange registers fn to be called with a fresh snapshot after every
// successful mutation. fn runs without the store lock held.
func (s *Store) OnChange(fn func(Snapshot)) {
	s.observerLock.Lock()
	s.observers = append(s.observers, fn)
	s.observerLock.Unlock()
}

func (s *Store) notify(snap Snapshot) {
	s.observerLock.RLock()
	observers := slices.Clone(s.observers)
	s.observerLock.RUnlock()
	for _, fn := range observers {
		fn(snap)
	}
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		ConversationID: s.conversationID,
		Generation:     s.generation,
		Messages:       slices.Clone(s.messages),
		PendingID:      s.slot,
	}
}

// mutate runs fn under the lock if gen is current and notifies observers
// when fn succeeds.
func (s *Store) mutate(gen uint64, op string, fn func() error) error {
	s.lock.Lock()
	if gen != s.generation {
		current := s.generation
		s.lock.Unlock()
		s.log.Debug().
			Str("op", op).
			Uint64("generation", gen).
			Uint64("current_generation", current).
			Msg("Dropping stale store mutation")
		return ErrStale
	}
	if err := fn(); err != nil {
		s.lock.Unlock()
		return err
	}
	snap := s.snapshotLocked()
	s.lock.Unlock()
	s.notify(snap)
	return nil
}

func (s *Store) sortLocked() {
	slices.SortStableFunc(s.messages, func(a, b chat.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.messages, func(m chat.Message) bool {
		return m.ID == id
	})
}

// SetConversation switches the active conversation. Everything from the
// previous conversation is dropped, including a pending send. The returned
// generation must accompany later mutations.
func (s *Store) SetConversation(id string) uint64 {
	s.lock.Lock()
	s.conversationID = id
	s.generation++
	s.messages = nil
	s.slot = ""
	snap := s.snapshotLocked()
	s.lock.Unlock()
	s.log.Debug().Str("conversation_id", id).Uint64("generation", snap.Generation).Msg("Switched conversation")
	s.notify(snap)
	return snap.Generation
}

// Clear empties the store without selecting another conversation.
func (s *Store) Clear() uint64 {
	return s.SetConversation("")
}

func (s *Store) Generation() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.generation
}

func (s *Store) ConversationID() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.conversationID
}

// Current returns the active conversation and its generation atomically.
func (s *Store) Current() (string, uint64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.conversationID, s.generation
}

func (s *Store) Snapshot() Snapshot {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.snapshotLocked()
}

func (s *Store) PendingCount() int {
	snap := s.Snapshot()
	return snap.PendingCount()
}

// Busy reports whether the single-flight slot is taken.
func (s *Store) Busy() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.slot != ""
}

// ReplaceAll installs an authoritative message list. A pending message that
// is still in flight stays visible.
func (s *Store) ReplaceAll(gen uint64, msgs []chat.Message) error {
	return s.mutate(gen, "replace_all", func() error {
		var pending *chat.Message
		if s.slot != "" {
			if idx := s.indexLocked(s.slot); idx >= 0 {
				pending = &s.messages[idx]
			}
		}
		next := make([]chat.Message, 0, len(msgs)+1)
		next = append(next, msgs...)
		if pending != nil {
			next = append(next, *pending)
		}
		s.messages = next
		s.sortLocked()
		return nil
	})
}

// Reserve takes the single-flight slot without inserting anything yet.
func (s *Store) Reserve(gen uint64, tempID string) error {
	if !chat.IsTempID(tempID) {
		return ErrNotTemporary
	}
	return s.mutate(gen, "reserve", func() error {
		if s.slot != "" {
			return chat.ErrBusy
		}
		s.slot = tempID
		return nil
	})
}

// InsertPending adds an optimistic message. It fails with chat.ErrBusy if a
// different send holds the slot.
func (s *Store) InsertPending(gen uint64, msg chat.Message) error {
	if !msg.IsPending() {
		return ErrNotTemporary
	}
	return s.mutate(gen, "insert_pending", func() error {
		if s.slot != "" && s.slot != msg.ID {
			return chat.ErrBusy
		}
		if s.indexLocked(msg.ID) >= 0 {
			return fmt.Errorf("pending message %s already inserted", msg.ID)
		}
		s.slot = msg.ID
		s.messages = append(s.messages, msg)
		s.sortLocked()
		return nil
	})
}

// ResolvePending replaces the store contents with the authoritative list
// fetched after the send succeeded, dropping the temporary entry.
func (s *Store) ResolvePending(gen uint64, tempID string, final []chat.Message) error {
	return s.mutate(gen, "resolve_pending", func() error {
		if s.slot != tempID {
			return ErrUnknownPending
		}
		s.slot = ""
		s.messages = slices.DeleteFunc(slices.Clone(final), func(m chat.Message) bool {
			return m.ID == tempID
		})
		s.sortLocked()
		return nil
	})
}

// RollbackPending removes the optimistic entry (if it was inserted) and
// releases the slot.
func (s *Store) RollbackPending(gen uint64, tempID string) error {
	return s.mutate(gen, "rollback_pending", func() error {
		if s.slot != tempID {
			return ErrUnknownPending
		}
		s.slot = ""
		s.messages = slices.DeleteFunc(s.messages, func(m chat.Message) bool {
			return m.ID == tempID
		})
		return nil
	})
}

// ConfirmPending releases the slot after the send went through but the
// reload afterwards failed. The optimistic entry is swapped for confirmed
// when the server echoed the created record, otherwise it stays on screen
// until the next successful reload replaces it.
func (s *Store) ConfirmPending(gen uint64, tempID string, confirmed *chat.Message) error {
	return s.mutate(gen, "confirm_pending", func() error {
		if s.slot != tempID {
			return ErrUnknownPending
		}
		s.slot = ""
		idx := s.indexLocked(tempID)
		if confirmed == nil || idx < 0 {
			return nil
		}
		s.messages[idx] = *confirmed
		s.sortLocked()
		return nil
	})
}

func (s *Store) RemoveMessage(gen uint64, id string) error {
	return s.mutate(gen, "remove_message", func() error {
		idx := s.indexLocked(id)
		if idx < 0 {
			return chat.ErrNotFound
		}
		s.messages = slices.Delete(s.messages, idx, idx+1)
		if s.slot == id {
			s.slot = ""
		}
		return nil
	})
}

func (s *Store) UpdateMessage(gen uint64, id, text string) error {
	return s.mutate(gen, "update_message", func() error {
		idx := s.indexLocked(id)
		if idx < 0 {
			return chat.ErrNotFound
		}
		if !s.messages[idx].Editable {
			return &chat.ValidationError{Field: "message", Reason: "This message can't be edited"}
		}
		s.messages[idx].Text = text
		return nil
	})
}
