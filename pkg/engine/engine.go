// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package engine sequences optimistic updates, authoritative calls and
// reconciliation for the open conversation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/chatcore/pkg/attachment"
	"github.com/lrhodin/chatcore/pkg/chat"
	"github.com/lrhodin/chatcore/pkg/chatapi"
	"github.com/lrhodin/chatcore/pkg/codec"
	"github.com/lrhodin/chatcore/pkg/dategroup"
	"github.com/lrhodin/chatcore/pkg/store"
)

const DefaultPageLimit = 50

// API is the subset of the backend the engine calls.
type API interface {
	ListMessages(ctx context.Context, conversationID string, page, limit int) ([]chatapi.RawMessage, error)
	SendMessage(ctx context.Context, conversationID string, req chatapi.SendRequest) (*chatapi.RawMessage, error)
	UpdateMessage(ctx context.Context, messageID, text string) (*chatapi.RawMessage, error)
	DeleteMessage(ctx context.Context, messageID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
	Members(ctx context.Context, conversationID string) ([]chatapi.RawMember, error)
	Profile(ctx context.Context, userID string) (*chatapi.RawProfile, error)
}

// Uploader is implemented by *attachment.Pipeline.
type Uploader interface {
	Upload(ctx context.Context, payload attachment.Payload) (*attachment.Result, error)
	DownloadReference(contentID string) string
}

// Cache persists the last reconciled message list per conversation so a
// conversation can be painted before the first reload finishes.
type Cache interface {
	LoadMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	SaveSnapshot(ctx context.Context, conversationID string, msgs []chat.Message) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

type Params struct {
	API      API
	Store    *store.Store
	Pipeline Uploader
	// Codec defaults to one resolving download references through Pipeline.
	Codec    *codec.Codec
	ViewerID string
	Labels   dategroup.Labels
	Clock    func() time.Time
	// PageLimit is the number of messages fetched per reload.
	PageLimit int
	Cache     Cache
	Metrics   *Metrics
	// OnConversationDeleted is called after the open conversation was
	// deleted on the server and the store was cleared.
	OnConversationDeleted func(conversationID string)
	// OnPhase observes every operation phase transition.
	OnPhase func(op Op, phase Phase)
}

type Engine struct {
	log       zerolog.Logger
	api       API
	store     *store.Store
	pipeline  Uploader
	codec     *codec.Codec
	viewerID  string
	labels    dategroup.Labels
	clock     func() time.Time
	pageLimit int
	cache     Cache
	metrics   *Metrics
	onDeleted func(string)
	onPhase   func(Op, Phase)

	lock   sync.Mutex
	draft  string
	errMsg string
}

func New(p Params, log zerolog.Logger) *Engine {
	e := &Engine{
		log:       log.With().Str("component", "engine").Logger(),
		api:       p.API,
		store:     p.Store,
		pipeline:  p.Pipeline,
		codec:     p.Codec,
		viewerID:  p.ViewerID,
		labels:    p.Labels,
		clock:     p.Clock,
		pageLimit: p.PageLimit,
		cache:     p.Cache,
		metrics:   p.Metrics,
		onDeleted: p.OnConversationDeleted,
		onPhase:   p.OnPhase,
	}
	if e.store == nil {
		e.store = store.New(log)
	}
	if e.codec == nil {
		e.codec = codec.New(p.Pipeline)
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.pageLimit <= 0 {
		e.pageLimit = DefaultPageLimit
	}
	if e.labels.Date == nil {
		e.labels = dategroup.English
	}
	return e
}

func (e *Engine) Store() *store.Store {
	return e.store
}

func (e *Engine) ViewerID() string {
	return e.viewerID
}

func (e *Engine) SetDraft(text string) {
	e.lock.Lock()
	e.draft = text
	e.lock.Unlock()
}

func (e *Engine) Draft() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.draft
}

// Err returns the current user-visible error, or an empty string.
func (e *Engine) Err() string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.errMsg
}

func (e *Engine) ClearError() {
	e.lock.Lock()
	e.errMsg = ""
	e.lock.Unlock()
}

// fail records err as the user-visible error and returns it.
func (e *Engine) fail(err error) error {
	e.lock.Lock()
	e.errMsg = chat.UserMessage(err)
	e.lock.Unlock()
	return err
}

// restoreDraft puts text back into the input unless the user already typed
// something new.
func (e *Engine) restoreDraft(text string) {
	e.lock.Lock()
	if e.draft == "" {
		e.draft = text
	}
	e.lock.Unlock()
}

func (e *Engine) current() (string, uint64, error) {
	convID, gen := e.store.Current()
	if convID == "" {
		return "", 0, e.fail(chat.ErrNoConversation)
	}
	return convID, gen, nil
}

// Open makes convID the active conversation and loads its messages. Cached
// messages are shown first when a cache is configured.
func (e *Engine) Open(ctx context.Context, convID string) error {
	gen := e.store.SetConversation(convID)
	e.lock.Lock()
	e.draft = ""
	e.errMsg = ""
	e.lock.Unlock()
	if convID == "" {
		return nil
	}
	if e.cache != nil {
		cached, err := e.cache.LoadMessages(ctx, convID)
		if err != nil {
			e.log.Warn().Err(err).Str("conversation_id", convID).Msg("Failed to load cached messages")
		} else if len(cached) > 0 {
			_ = e.store.ReplaceAll(gen, cached)
		}
	}
	return e.Reload(ctx)
}

// fetch returns the authoritative, decoded and sorted message list.
func (e *Engine) fetch(ctx context.Context, convID string) ([]chat.Message, error) {
	start := time.Now()
	raws, err := e.api.ListMessages(ctx, convID, 1, e.pageLimit)
	e.metrics.observeReload(start)
	if err != nil {
		return nil, err
	}
	msgs, err := e.codec.DecodeAll(raws, e.viewerID)
	if err != nil {
		return nil, err
	}
	e.carryDimensions(msgs)
	return msgs, nil
}

// carryDimensions copies image dimensions known locally onto freshly decoded
// attachments, since the server doesn't return them.
func (e *Engine) carryDimensions(msgs []chat.Message) {
	known := make(map[string]*chat.Attachment)
	snap := e.store.Snapshot()
	for _, msg := range snap.Messages {
		if msg.Attachment != nil && msg.Attachment.Width > 0 {
			known[msg.Attachment.ContentID] = msg.Attachment
		}
	}
	if len(known) == 0 {
		return
	}
	for i := range msgs {
		att := msgs[i].Attachment
		if att == nil || att.Width > 0 {
			continue
		}
		if prev, ok := known[att.ContentID]; ok {
			att.Width, att.Height = prev.Width, prev.Height
		}
	}
}

func (e *Engine) saveCache(ctx context.Context, gen uint64) {
	if e.cache == nil {
		return
	}
	snap := e.store.Snapshot()
	if snap.Generation != gen || snap.ConversationID == "" {
		return
	}
	msgs := make([]chat.Message, 0, len(snap.Messages))
	for _, msg := range snap.Messages {
		if !msg.IsPending() {
			msgs = append(msgs, msg)
		}
	}
	if err := e.cache.SaveSnapshot(ctx, snap.ConversationID, msgs); err != nil {
		e.log.Warn().Err(err).Str("conversation_id", snap.ConversationID).Msg("Failed to cache messages")
	}
}

// Reconcile replaces the store contents with the authoritative records. It
// returns store.ErrStale if gen is no longer the active generation.
func (e *Engine) Reconcile(ctx context.Context, gen uint64, raws []chatapi.RawMessage) error {
	msgs, err := e.codec.DecodeAll(raws, e.viewerID)
	if err != nil {
		return err
	}
	e.carryDimensions(msgs)
	if err = e.store.ReplaceAll(gen, msgs); err != nil {
		return err
	}
	e.saveCache(ctx, gen)
	return nil
}

// Reload fetches the authoritative message list for the open conversation.
func (e *Engine) Reload(ctx context.Context) error {
	convID, gen, err := e.current()
	if err != nil {
		return err
	}
	op := e.begin(OpReload, convID)
	return e.reload(ctx, op, convID, gen)
}

func (e *Engine) reload(ctx context.Context, op *operation, convID string, gen uint64) error {
	msgs, err := e.fetch(ctx, convID)
	if err == nil {
		err = e.store.ReplaceAll(gen, msgs)
	}
	if errors.Is(err, store.ErrStale) {
		op.log.Debug().Msg("Discarding reload for a conversation that is no longer open")
		op.finish(OutcomeDiscarded)
		return nil
	} else if err != nil {
		op.log.Warn().Err(err).Msg("Failed to reload messages")
		op.finish(OutcomeRefreshFailed)
		return e.fail(&chat.RefreshError{Err: err})
	}
	e.saveCache(ctx, gen)
	op.enter(PhaseReconciled)
	op.finish(OutcomeOK)
	return nil
}

// Send sends the current draft.
func (e *Engine) Send(ctx context.Context) error {
	return e.sendText(ctx, e.Draft(), true)
}

// SendText sends text without going through the draft. On failure the
// text is left in the draft so it isn't lost.
func (e *Engine) SendText(ctx context.Context, text string) error {
	return e.sendText(ctx, text, false)
}

func (e *Engine) sendText(ctx context.Context, text string, fromDraft bool) error {
	convID, gen, err := e.current()
	if err != nil {
		return err
	}
	op := e.begin(OpSend, convID)
	draft := text
	text = strings.TrimSpace(text)
	if text == "" {
		op.finish(OutcomeInvalid)
		return e.fail(&chat.ValidationError{Field: "text", Reason: "Message can't be empty"})
	}
	tempID := chat.NewTempID()
	op.withTempID(tempID)
	pending := chat.Message{
		ID:             tempID,
		ConversationID: convID,
		Text:           text,
		Sender:         chat.SenderSelf,
		Timestamp:      e.clock(),
		Status:         chat.StatusSent,
	}
	if err = e.store.InsertPending(gen, pending); err != nil {
		return e.rejectInsert(op, err)
	}
	op.enter(PhaseOptimistic)
	if fromDraft {
		e.lock.Lock()
		if e.draft == draft {
			e.draft = ""
		}
		e.lock.Unlock()
	}

	op.enter(PhaseAwaiting)
	created, err := e.api.SendMessage(ctx, convID, codec.EncodeText(text))
	if err != nil {
		if e.rollback(op, gen, tempID, err) {
			e.restoreDraft(draft)
		}
		return err
	}
	return e.resolve(ctx, op, convID, gen, tempID, created)
}

// UploadFile uploads a file and sends it as an attachment message.
func (e *Engine) UploadFile(ctx context.Context, payload attachment.Payload) error {
	return e.sendAttachment(ctx, OpUpload, chat.KindFile, payload)
}

// SendVoice uploads a recorded voice message and sends it.
func (e *Engine) SendVoice(ctx context.Context, payload attachment.Payload) error {
	if payload.MIME == "" {
		payload.MIME = attachment.VoiceMIME
	}
	return e.sendAttachment(ctx, OpVoice, chat.KindAudio, payload)
}

func (e *Engine) sendAttachment(ctx context.Context, opName Op, sendKind chat.Kind, payload attachment.Payload) error {
	convID, gen, err := e.current()
	if err != nil {
		return err
	}
	op := e.begin(opName, convID)
	tempID := chat.NewTempID()
	op.withTempID(tempID)
	// The slot is held during the upload so a second send can't start, but
	// nothing is shown until a content identifier exists.
	if err = e.store.Reserve(gen, tempID); err != nil {
		return e.rejectInsert(op, err)
	}
	res, err := e.pipeline.Upload(ctx, payload)
	if err != nil {
		e.rollback(op, gen, tempID, err)
		return err
	}

	kind := chat.KindFromType(res.MIME)
	if sendKind == chat.KindAudio {
		kind = chat.KindAudio
	}
	pending := chat.Message{
		ID:             tempID,
		ConversationID: convID,
		Text:           res.Name,
		Sender:         chat.SenderSelf,
		Timestamp:      e.clock(),
		Status:         chat.StatusSent,
		Attachment: &chat.Attachment{
			ContentID: res.ContentID,
			Name:      res.Name,
			Size:      res.Size,
			Type:      res.MIME,
			Kind:      kind,
			URL:       e.pipeline.DownloadReference(res.ContentID),
		},
	}
	if res.Image != nil {
		pending.Attachment.Width = res.Image.Width
		pending.Attachment.Height = res.Image.Height
	}
	if err = e.store.InsertPending(gen, pending); err != nil {
		if errors.Is(err, store.ErrStale) {
			op.log.Debug().Msg("Conversation changed during upload, not sending")
			op.finish(OutcomeDiscarded)
			return nil
		}
		e.rollback(op, gen, tempID, err)
		return err
	}
	op.enter(PhaseOptimistic)

	op.enter(PhaseAwaiting)
	created, err := e.api.SendMessage(ctx, convID, codec.EncodeAttachment(sendKind, res.ContentID, res.Name, res.Size))
	if err != nil {
		e.rollback(op, gen, tempID, err)
		return err
	}
	return e.resolve(ctx, op, convID, gen, tempID, created)
}

func (e *Engine) rejectInsert(op *operation, err error) error {
	switch {
	case errors.Is(err, chat.ErrBusy):
		op.log.Debug().Msg("Ignoring send while another one is in flight")
		op.finish(OutcomeBusy)
		return err
	case errors.Is(err, store.ErrStale):
		op.finish(OutcomeDiscarded)
		return nil
	default:
		op.finish(OutcomeFailed)
		return e.fail(err)
	}
}

// rollback undoes the optimistic entry after a failed upload or send and
// records the error. It reports whether the conversation is still the one
// the operation started in.
func (e *Engine) rollback(op *operation, gen uint64, tempID string, cause error) bool {
	err := e.store.RollbackPending(gen, tempID)
	if errors.Is(err, store.ErrStale) {
		op.log.Debug().Err(cause).Msg("Send failed after the conversation was closed")
		op.finish(OutcomeDiscarded)
		return false
	} else if err != nil {
		op.log.Err(err).Msg("Failed to roll back pending message")
	}
	op.log.Warn().Err(cause).Msg("Send failed, rolled back")
	op.enter(PhaseRolledBack)
	op.finish(OutcomeRolledBack)
	e.fail(cause)
	return true
}

// resolve runs the reload that follows a successful send.
func (e *Engine) resolve(ctx context.Context, op *operation, convID string, gen uint64, tempID string, created *chatapi.RawMessage) error {
	msgs, err := e.fetch(ctx, convID)
	if err != nil {
		var echo *chat.Message
		if created != nil && created.ID != "" {
			if decoded, decodeErr := e.codec.Decode(*created, e.viewerID); decodeErr == nil {
				decoded.ConversationID = convID
				echo = &decoded
			}
		}
		if confirmErr := e.store.ConfirmPending(gen, tempID, echo); errors.Is(confirmErr, store.ErrStale) {
			op.finish(OutcomeDiscarded)
			return nil
		}
		op.log.Warn().Err(err).Msg("Message sent but reload failed")
		op.finish(OutcomeRefreshFailed)
		return e.fail(&chat.RefreshError{Err: err})
	}
	if err = e.store.ResolvePending(gen, tempID, msgs); errors.Is(err, store.ErrStale) {
		op.log.Debug().Msg("Discarding reconciliation for a conversation that is no longer open")
		op.finish(OutcomeDiscarded)
		return nil
	} else if err != nil {
		op.finish(OutcomeFailed)
		return e.fail(fmt.Errorf("failed to reconcile sent message: %w", err))
	}
	e.saveCache(ctx, gen)
	op.enter(PhaseReconciled)
	op.finish(OutcomeOK)
	return nil
}

// Edit replaces the text of one of the viewer's messages.
func (e *Engine) Edit(ctx context.Context, messageID, text string) error {
	convID, gen, err := e.current()
	if err != nil {
		return err
	}
	op := e.begin(OpEdit, convID)
	if strings.TrimSpace(text) == "" {
		op.finish(OutcomeInvalid)
		return e.fail(&chat.ValidationError{Field: "text", Reason: "Message can't be empty"})
	}
	snap := e.store.Snapshot()
	idx := slices.IndexFunc(snap.Messages, func(msg chat.Message) bool {
		return msg.ID == messageID
	})
	if idx < 0 || !snap.Messages[idx].Editable || snap.Messages[idx].IsPending() {
		op.log.Debug().Str("message_id", messageID).Msg("Refusing to edit a message that isn't editable")
		op.finish(OutcomeInvalid)
		return e.fail(&chat.ValidationError{Field: "message", Reason: "This message can't be edited"})
	}
	op.enter(PhaseAwaiting)
	if _, err = e.api.UpdateMessage(ctx, messageID, text); err != nil {
		op.log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to edit message")
		op.finish(OutcomeFailed)
		return e.fail(err)
	}
	return e.reload(ctx, op, convID, gen)
}

// Delete removes a message on the server. Nothing is removed locally until
// the reload confirms it.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	convID, gen, err := e.current()
	if err != nil {
		return err
	}
	op := e.begin(OpDelete, convID)
	op.enter(PhaseAwaiting)
	if err = e.api.DeleteMessage(ctx, messageID); err != nil {
		op.log.Warn().Err(err).Str("message_id", messageID).Msg("Failed to delete message")
		op.finish(OutcomeFailed)
		return e.fail(err)
	}
	return e.reload(ctx, op, convID, gen)
}

// DeleteConversation deletes the open conversation, clears the store and
// notifies the parent view.
func (e *Engine) DeleteConversation(ctx context.Context) error {
	convID, gen, err := e.current()
	if err != nil {
		return err
	}
	op := e.begin(OpDeleteConversation, convID)
	op.enter(PhaseAwaiting)
	if err = e.api.DeleteConversation(ctx, convID); err != nil {
		op.log.Warn().Err(err).Msg("Failed to delete conversation")
		op.finish(OutcomeFailed)
		return e.fail(err)
	}
	if e.cache != nil {
		if err = e.cache.DeleteConversation(ctx, convID); err != nil {
			op.log.Warn().Err(err).Msg("Failed to purge cached messages")
		}
	}
	if current, currentGen := e.store.Current(); current == convID && currentGen == gen {
		e.store.Clear()
		e.lock.Lock()
		e.draft = ""
		e.lock.Unlock()
	}
	op.enter(PhaseReconciled)
	op.finish(OutcomeOK)
	if e.onDeleted != nil {
		e.onDeleted(convID)
	}
	return nil
}

// Members lists the open conversation's members. A member whose profile
// can't be fetched gets a placeholder username.
func (e *Engine) Members(ctx context.Context) ([]chat.Member, error) {
	convID, _, err := e.current()
	if err != nil {
		return nil, err
	}
	raws, err := e.api.Members(ctx, convID)
	if err != nil {
		return nil, e.fail(err)
	}
	members := make([]chat.Member, len(raws))
	for i, raw := range raws {
		members[i] = codec.DecodeMember(raw)
		profile, err := e.api.Profile(ctx, raw.UserID)
		if err != nil || profile == nil || profile.Username == "" {
			e.log.Debug().Err(err).Str("user_id", raw.UserID).Msg("Using fallback username for member")
			members[i].Username = chat.FallbackUsername(raw.UserID)
			continue
		}
		members[i].Username = profile.Username
	}
	return members, nil
}

// Groups returns the open conversation's messages bucketed by day. A zero
// now uses the engine clock.
func (e *Engine) Groups(now time.Time) []dategroup.Bucket {
	if now.IsZero() {
		now = e.clock()
	}
	snap := e.store.Snapshot()
	return dategroup.Group(snap.Messages, now, e.labels)
}
