// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package chat holds the display model shared by every chatcore component.
package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

type Sender string

const (
	SenderSelf  Sender = "self"
	SenderOther Sender = "other"
)

// Status is the delivery status of a locally authored message. Messages
// from other participants carry StatusNone.
type Status string

const (
	StatusNone      Status = ""
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// TempIDPrefix marks identifiers that were generated locally for a message
// the server has not confirmed yet. Server identifiers never carry it.
const TempIDPrefix = "temp-"

// NewTempID returns a time-ordered identifier for an optimistic message.
func NewTempID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return TempIDPrefix + id.String()
}

// IsTempID reports whether id was produced by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

type Message struct {
	ID             string
	ConversationID string
	Text           string
	Sender         Sender
	Timestamp      time.Time
	Status         Status
	// Editable is only ever true for own messages without an attachment.
	Editable   bool
	Attachment *Attachment
}

func (m *Message) IsPending() bool {
	return IsTempID(m.ID)
}

func (m *Message) IsOwn() bool {
	return m.Sender == SenderSelf
}

// Kind is the display classification of an attachment.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
	KindFile  Kind = "file"
)

// KindFromType classifies either a payload type tag ("file", "audio") or a
// MIME type.
func KindFromType(typ string) Kind {
	switch {
	case typ == "audio", strings.HasPrefix(typ, "audio/"):
		return KindAudio
	case strings.HasPrefix(typ, "image/"):
		return KindImage
	case strings.HasPrefix(typ, "video/"):
		return KindVideo
	default:
		return KindFile
	}
}

type Attachment struct {
	ContentID string
	Name      string
	Size      int64
	Type      string
	Kind      Kind
	// URL is derived from ContentID and never fetched by the core.
	URL       string
	// Width and Height are only known for images uploaded from this client.
	Width     int `json:",omitempty"`
	Height    int `json:",omitempty"`
}

// Dimensions is "WxH", or empty when the size of the image isn't known.
func (a *Attachment) Dimensions() string {
	if a.Width <= 0 || a.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", a.Width, a.Height)
}

// HumanSize renders Size in 1024-based units.
func (a *Attachment) HumanSize() string {
	if a.Size <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(a.Size))
}
