// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatcore/pkg/chat"
)

// ChatList is implemented by *chatlist.List.
type ChatList interface {
	Refresh(ctx context.Context) error
	Select(conversationID string)
}

type Bridge struct {
	log   zerolog.Logger
	api   API
	inbox *Inbox
	list  ChatList
}

func NewBridge(api API, inbox *Inbox, list ChatList, log zerolog.Logger) *Bridge {
	return &Bridge{
		api:   api,
		inbox: inbox,
		list:  list,
		log:   log.With().Str("component", "notification_bridge").Logger(),
	}
}

// Outcome describes how far Accept got.
type Outcome struct {
	// MarkReadErr is set when marking the notification as read failed. The
	// join is attempted regardless.
	MarkReadErr error
	Joined      bool
	Selected    bool
}

// Accept acts on a notification. Group invites are marked read, joined, the
// chat list and notifications are refreshed and the group is selected, in
// that order. Other notification types are only marked read.
//
// If the join fails nothing after it runs and the notification stays
// actionable locally.
func (b *Bridge) Accept(ctx context.Context, notificationID string) (Outcome, error) {
	var out Outcome
	n, ok := b.inbox.Get(notificationID)
	if !ok {
		return out, fmt.Errorf("notification %s: %w", notificationID, chat.ErrNotFound)
	}
	log := b.log.With().
		Str("notification_id", n.ID).
		Str("notification_type", string(n.Type)).
		Logger()
	if n.Type == chat.NotificationGroupInvite && n.Payload.GroupID == "" {
		log.Warn().Msg("Group invite has no group ID")
		return out, &chat.ValidationError{Field: "group_id", Reason: "This invitation doesn't name a group"}
	}

	markedRead := n.Read
	if !n.Read {
		if err := b.api.MarkNotificationRead(ctx, n.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to mark notification as read")
			out.MarkReadErr = err
		} else {
			markedRead = true
		}
	}
	if !n.IsInvite() {
		if markedRead {
			b.inbox.setRead(n.ID)
		}
		return out, out.MarkReadErr
	}

	groupID := n.Payload.GroupID
	log = log.With().Str("group_id", groupID).Logger()
	if err := b.api.JoinGroup(ctx, groupID, n.ID); err != nil {
		log.Warn().Err(err).Msg("Failed to join group")
		return out, fmt.Errorf("failed to join group %s: %w", groupID, err)
	}
	out.Joined = true
	if markedRead {
		b.inbox.setRead(n.ID)
	}

	var errs []error
	if err := b.list.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to refresh chat list after joining")
		errs = append(errs, err)
	}
	if err := b.inbox.Fetch(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to refetch notifications after joining")
		errs = append(errs, err)
	}
	b.list.Select(groupID)
	out.Selected = true
	log.Info().Msg("Accepted group invite")
	return out, errors.Join(errs...)
}
