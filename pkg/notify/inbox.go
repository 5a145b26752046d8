// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package notify holds the viewer's notifications and turns accepted group
// invites into joined, selected conversations.
package notify

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/chatcore/pkg/chat"
	"github.com/lrhodin/chatcore/pkg/chatapi"
	"github.com/lrhodin/chatcore/pkg/codec"
)

const (
	DefaultLimit = 10
	// markAllLimit is how many unread notifications one mark-all pass covers.
	markAllLimit = 100
)

type API interface {
	ListNotifications(ctx context.Context, q chatapi.NotificationQuery) (*chatapi.NotificationPage, error)
	MarkNotificationRead(ctx context.Context, notificationID string) error
	JoinGroup(ctx context.Context, groupID, notificationID string) error
}

type Inbox struct {
	log   zerolog.Logger
	api   API
	Limit int

	lock  sync.RWMutex
	items []chat.Notification
	total int
}

func NewInbox(api API, log zerolog.Logger) *Inbox {
	return &Inbox{
		api:   api,
		log:   log.With().Str("component", "inbox").Logger(),
		Limit: DefaultLimit,
	}
}

// Fetch replaces the local list with the newest notifications.
func (in *Inbox) Fetch(ctx context.Context) error {
	page, err := in.api.ListNotifications(ctx, chatapi.NotificationQuery{Limit: in.Limit})
	if err != nil {
		return fmt.Errorf("failed to fetch notifications: %w", err)
	}
	items := make([]chat.Notification, len(page.Notifications))
	for i, raw := range page.Notifications {
		items[i] = codec.DecodeNotification(raw)
	}
	in.lock.Lock()
	in.items = items
	in.total = page.Total
	in.lock.Unlock()
	in.log.Debug().Int("count", len(items)).Int("total", page.Total).Msg("Fetched notifications")
	return nil
}

func (in *Inbox) Items() []chat.Notification {
	in.lock.RLock()
	defer in.lock.RUnlock()
	return slices.Clone(in.items)
}

// Total is the server-side notification count from the last fetch.
func (in *Inbox) Total() int {
	in.lock.RLock()
	defer in.lock.RUnlock()
	return in.total
}

func (in *Inbox) Get(id string) (chat.Notification, bool) {
	in.lock.RLock()
	defer in.lock.RUnlock()
	if idx := in.indexLocked(id); idx >= 0 {
		return in.items[idx], true
	}
	return chat.Notification{}, false
}

// Unread counts the fetched notifications that haven't been read.
func (in *Inbox) Unread() int {
	in.lock.RLock()
	defer in.lock.RUnlock()
	count := 0
	for _, n := range in.items {
		if !n.Read {
			count++
		}
	}
	return count
}

func (in *Inbox) indexLocked(id string) int {
	return slices.IndexFunc(in.items, func(n chat.Notification) bool {
		return n.ID == id
	})
}

func (in *Inbox) setRead(id string) {
	in.lock.Lock()
	if idx := in.indexLocked(id); idx >= 0 {
		in.items[idx].Read = true
	}
	in.lock.Unlock()
}

// MarkRead marks a single notification as read on the server and locally.
func (in *Inbox) MarkRead(ctx context.Context, id string) error {
	if err := in.api.MarkNotificationRead(ctx, id); err != nil {
		return fmt.Errorf("failed to mark notification %s as read: %w", id, err)
	}
	in.setRead(id)
	return nil
}

// MarkAllRead marks every unread notification on the server. Notifications
// that fail stay unread locally and their errors are joined.
func (in *Inbox) MarkAllRead(ctx context.Context) error {
	page, err := in.api.ListNotifications(ctx, chatapi.NotificationQuery{Limit: markAllLimit, Read: ptr.Ptr(false)})
	if err != nil {
		return fmt.Errorf("failed to list unread notifications: %w", err)
	}
	var errs []error
	for _, raw := range page.Notifications {
		if err = in.MarkRead(ctx, raw.ID); err != nil {
			in.log.Warn().Err(err).Str("notification_id", raw.ID).Msg("Failed to mark notification as read")
			errs = append(errs, err)
		}
	}
	in.log.Debug().
		Int("count", len(page.Notifications)).
		Int("failed", len(errs)).
		Msg("Marked notifications as read")
	return errors.Join(errs...)
}
