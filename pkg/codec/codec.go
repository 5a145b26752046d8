// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package codec converts raw backend records into the display model and
// builds outgoing send requests.
package codec

import (
	"cmp"
	"mime"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.mau.fi/util/ptr"

	"github.com/lrhodin/chatcore/pkg/chat"
	"github.com/lrhodin/chatcore/pkg/chatapi"
)

// Payload type tags understood by the backend.
const (
	TypeText  = "text"
	TypeFile  = "file"
	TypeAudio = "audio"
)

// Fallbacks for records with missing fields.
const (
	NoContentText    = "no content"
	AttachmentLabel  = "file/audio"
	VoiceMessageName = "voice_message.mp3"
	UnnamedFile      = "Unnamed file"
	UnknownType      = "unknown"
)

// contentIDPattern matches the upload service's identifiers anywhere in the
// payload, so legacy records that only carry the identifier still render as
// attachments.
var contentIDPattern = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)

// DownloadReferencer builds the URL for a content identifier.
type DownloadReferencer interface {
	DownloadReference(contentID string) string
}

type Codec struct {
	ref DownloadReferencer
}

func New(ref DownloadReferencer) *Codec {
	return &Codec{ref: ref}
}

// IsAttachment classifies a payload as a file or voice message.
func IsAttachment(p chatapi.RawPayload) bool {
	return p.Type == TypeFile || p.Type == TypeAudio || contentIDPattern.MatchString(p.Payload)
}

// Decode maps one raw record. Ownership can't be decided without the
// viewer's identifier, so an empty viewerID is an error rather than a guess.
func (c *Codec) Decode(raw chatapi.RawMessage, viewerID string) (chat.Message, error) {
	if viewerID == "" {
		return chat.Message{}, chat.ErrViewerUnknown
	}
	payload := ptr.Val(raw.Payload)
	msg := chat.Message{
		ID:             raw.ID,
		ConversationID: raw.ConversationID,
		Sender:         chat.SenderOther,
		Timestamp:      ParseTime(raw.CreatedAt),
	}
	own := raw.SenderID == viewerID
	if own {
		msg.Sender = chat.SenderSelf
		msg.Status = chat.StatusDelivered
	}
	if !IsAttachment(payload) {
		msg.Text = cmp.Or(payload.Payload, NoContentText)
		msg.Editable = own
		return msg, nil
	}
	contentID := cmp.Or(payload.Payload, raw.Text, UnknownType)
	att := &chat.Attachment{
		ContentID: contentID,
		Name:      attachmentName(payload),
		Size:      max(payload.Size, 0),
		Type:      attachmentType(payload),
	}
	att.Kind = attachmentKind(att.Type, att.Name)
	if c.ref != nil {
		att.URL = c.ref.DownloadReference(contentID)
	}
	msg.Attachment = att
	msg.Text = cmp.Or(payload.Name, AttachmentLabel)
	return msg, nil
}

// DecodeAll decodes a batch and orders it by timestamp. Records with equal
// timestamps keep the order the server returned them in.
func (c *Codec) DecodeAll(raws []chatapi.RawMessage, viewerID string) ([]chat.Message, error) {
	if viewerID == "" {
		return nil, chat.ErrViewerUnknown
	}
	out := make([]chat.Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := c.Decode(raw, viewerID)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	SortMessages(out)
	return out, nil
}

func SortMessages(msgs []chat.Message) {
	slices.SortStableFunc(msgs, func(a, b chat.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

func attachmentName(p chatapi.RawPayload) string {
	switch {
	case p.Name != "":
		return p.Name
	case p.Type == TypeAudio:
		return VoiceMessageName
	default:
		return UnnamedFile
	}
}

func attachmentType(p chatapi.RawPayload) string {
	if p.Type != "" {
		return p.Type
	}
	if idx := strings.LastIndexByte(p.Payload, '.'); idx >= 0 && idx < len(p.Payload)-1 {
		return strings.ToLower(p.Payload[idx+1:])
	}
	return UnknownType
}

func attachmentKind(typ, name string) chat.Kind {
	if typ == TypeAudio {
		return chat.KindAudio
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return chat.KindFromType(byExt)
	}
	return chat.KindFromType(typ)
}

// ParseTime parses backend timestamps. Unparseable values become the zero
// time, which sorts first.
func ParseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// EncodeText builds the send request for a plain text message.
func EncodeText(text string) chatapi.SendRequest {
	return chatapi.SendRequest{Type: TypeText, Payload: text}
}

// EncodeAttachment builds the send request that references an uploaded
// payload by content identifier.
func EncodeAttachment(kind chat.Kind, contentID, name string, size int64) chatapi.SendRequest {
	typ := TypeFile
	if kind == chat.KindAudio {
		typ = TypeAudio
	}
	return chatapi.SendRequest{
		Type:    typ,
		Payload: contentID,
		Name:    ptr.NonZero(name),
		Size:    ptr.NonZero(size),
	}
}

// Encode is the inverse of Decode for locally composed messages.
func Encode(msg chat.Message) chatapi.SendRequest {
	if msg.Attachment == nil {
		return EncodeText(msg.Text)
	}
	return EncodeAttachment(msg.Attachment.Kind, msg.Attachment.ContentID, msg.Attachment.Name, msg.Attachment.Size)
}
