// chatcore - A client-side conversation engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"github.com/rs/zerolog"
)

type Op string

const (
	OpSend               Op = "send"
	OpUpload             Op = "upload"
	OpVoice              Op = "voice"
	OpEdit               Op = "edit"
	OpDelete             Op = "delete"
	OpDeleteConversation Op = "delete_conversation"
	OpReload             Op = "reload"
)

// Phase is a step of the optimistic update protocol. Edit and delete skip
// PhaseOptimistic.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseOptimistic Phase = "optimistic-applied"
	PhaseAwaiting   Phase = "awaiting-server"
	PhaseReconciled Phase = "reconciled"
	PhaseRolledBack Phase = "rolled-back"
)

// Outcome labels how an operation ended.
type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeRolledBack    Outcome = "rolled_back"
	OutcomeRefreshFailed Outcome = "refresh_failed"
	OutcomeFailed        Outcome = "failed"
	OutcomeBusy          Outcome = "busy"
	OutcomeInvalid       Outcome = "invalid"
	OutcomeDiscarded     Outcome = "discarded"
)

type operation struct {
	e     *Engine
	op    Op
	phase Phase
	log   zerolog.Logger
}

func (e *Engine) begin(op Op, conversationID string) *operation {
	return &operation{
		e:     e,
		op:    op,
		phase: PhaseIdle,
		log: e.log.With().
			Str("op", string(op)).
			Str("conversation_id", conversationID).
			Logger(),
	}
}

func (o *operation) withTempID(tempID string) {
	o.log = o.log.With().Str("temp_id", tempID).Logger()
}

func (o *operation) enter(phase Phase) {
	o.log.Debug().
		Str("from_phase", string(o.phase)).
		Str("phase", string(phase)).
		Msg("Operation phase transition")
	o.phase = phase
	if o.e.onPhase != nil {
		o.e.onPhase(o.op, phase)
	}
}

func (o *operation) finish(outcome Outcome) {
	o.e.metrics.observeOperation(o.op, outcome)
}
