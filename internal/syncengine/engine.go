// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package syncengine drives the initiator and responder state machines
// of §4.9: parsing an incoming wire message, writing any changes it
// carries, running range reconciliation, and producing the next message
// (or none) to send back.
package syncengine

import (
	"fmt"

	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/internal/protocol"
	"github.com/evoluhq/evolu-go/internal/rbsr"
	"github.com/evoluhq/evolu-go/internal/skipstore"
	"github.com/evoluhq/evolu-go/pkg/log"
)

// BroadcastPublisher fans a just-written set of changes out to every
// other connection subscribed to an owner — e.g. other relay instances
// behind a shared message bus, or a relay's own live WebSocket peers.
// A nil publisher simply disables broadcasting.
type BroadcastPublisher interface {
	Publish(id owner.ID, data []byte) error
}

// Subscriptions tracks which owners a connection wants pushed updates
// for, driven by a Request's SubscriptionFlag.
type Subscriptions interface {
	Subscribe(id owner.ID)
	Unsubscribe(id owner.ID)
}

// Engine wraps one owner-partitioned Store with the driver logic that
// turns wire bytes into storage writes, reconciliation output, and the
// next message to send.
type Engine struct {
	store      *skipstore.Store
	reconciler *rbsr.Reconciler

	TotalMaxSize  int
	RangesMaxSize int
}

// New wraps store with the sync engine, using the specification's
// default size budgets.
func New(store *skipstore.Store) *Engine {
	return &Engine{
		store: store, reconciler: rbsr.New(store),
		TotalMaxSize: protocol.DefaultTotalMaxSize, RangesMaxSize: protocol.DefaultRangesMaxSize,
	}
}

// OutcomeKind classifies what ApplyAsInitiator produced.
type OutcomeKind int

const (
	OutcomeNoResponse OutcomeKind = iota
	OutcomeBroadcast
	OutcomeRequest
)

// Outcome is the result of processing one incoming message as initiator.
type Outcome struct {
	Kind    OutcomeKind
	Request []byte // populated when Kind == OutcomeRequest
}

// WriteKeyFor resolves the write key to use for an owner, if any is held
// locally. The second return value is false when no key is available
// (e.g. a read-only collaborator).
type WriteKeyFor func(id owner.ID) (owner.WriteKey, bool)

// BuildInitialRequest produces the first message a client sends to open
// a sync round for id, declaring its own local timestamp set per
// rbsr.Reconciler.InitialRanges so the peer's Reconcile has something to
// compare against from round one.
func (e *Engine) BuildInitialRequest(id owner.ID, hasWriteKey bool, writeKey owner.WriteKey, sub protocol.SubscriptionFlag) ([]byte, error) {
	size, err := e.store.GetSize(id)
	if err != nil {
		return nil, &SyncError{OwnerID: id, Cause: err}
	}

	ranges, err := e.reconciler.InitialRanges(id, size)
	if err != nil {
		return nil, &SyncError{OwnerID: id, Cause: err}
	}

	builder := protocol.NewRequestBuilder(id, hasWriteKey, writeKey, sub, e.TotalMaxSize, e.RangesMaxSize)
	for _, rng := range ranges {
		if !builder.AddRange(rng) {
			break
		}
	}
	return builder.Build()
}

// ApplyAsInitiator processes one message received by a peer that
// initiated the exchange, per §4.9's Initiator state machine.
func (e *Engine) ApplyAsInitiator(data []byte, writeKeyFor WriteKeyFor) (Outcome, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return Outcome{}, err
	}

	if msg.Version != protocol.ProtocolVersion {
		return Outcome{}, &VersionError{Version: msg.Version, IsInitiator: true, OwnerID: msg.OwnerID}
	}

	if msg.Type == protocol.MessageTypeResponse && msg.Error != protocol.ErrorNone {
		switch msg.Error {
		case protocol.ErrorWriteKey:
			return Outcome{}, &WriteKeyError{OwnerID: msg.OwnerID}
		case protocol.ErrorWrite:
			return Outcome{}, &WriteError{OwnerID: msg.OwnerID}
		case protocol.ErrorQuota:
			return Outcome{}, &QuotaError{OwnerID: msg.OwnerID}
		case protocol.ErrorSync:
			return Outcome{}, &SyncError{OwnerID: msg.OwnerID}
		default:
			return Outcome{}, fmt.Errorf("syncengine: unknown error code %d for owner %s", msg.Error, msg.OwnerID)
		}
	}

	if len(msg.Messages) > 0 {
		if err := e.store.WriteMessages(msg.OwnerID, msg.Messages); err != nil {
			log.Warnf("syncengine: initiator write_messages failed for owner %s: %v", msg.OwnerID, err)
			return Outcome{Kind: OutcomeNoResponse}, nil
		}
	}

	writeKey, hasWriteKey := writeKeyFor(msg.OwnerID)
	if !hasWriteKey {
		return Outcome{Kind: OutcomeNoResponse}, nil
	}

	if msg.Type == protocol.MessageTypeBroadcast {
		return Outcome{Kind: OutcomeBroadcast}, nil
	}

	if len(msg.Ranges) == 0 {
		return Outcome{Kind: OutcomeNoResponse}, nil
	}

	size, err := e.store.GetSize(msg.OwnerID)
	if err != nil {
		return Outcome{}, &SyncError{OwnerID: msg.OwnerID, Cause: err}
	}

	builder := protocol.NewRequestBuilder(msg.OwnerID, true, writeKey, protocol.SubscriptionNone, e.TotalMaxSize, e.RangesMaxSize)
	if err := e.reconciler.Reconcile(msg.OwnerID, size, msg.Ranges, builder); err != nil {
		return Outcome{}, &SyncError{OwnerID: msg.OwnerID, Cause: err}
	}

	if !builder.HasContent() || builder.OnlyConfirmsSkip() {
		return Outcome{Kind: OutcomeNoResponse}, nil
	}

	out, err := builder.Build()
	if err != nil {
		return Outcome{}, &SyncError{OwnerID: msg.OwnerID, Cause: err}
	}
	return Outcome{Kind: OutcomeRequest, Request: out}, nil
}

// ApplyAsResponder processes one Request from a peer, per §4.9's
// Responder state machine, and always returns the bytes of a Response
// (possibly empty) so the initiator can detect completion.
func (e *Engine) ApplyAsResponder(data []byte, subs Subscriptions, broadcaster BroadcastPublisher) ([]byte, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}

	if msg.Version != protocol.ProtocolVersion {
		return protocol.Encode(protocol.Message{
			Version: protocol.ProtocolVersion, OwnerID: msg.OwnerID,
			Type: protocol.MessageTypeResponse, Error: protocol.ErrorSync,
		})
	}

	if msg.Type != protocol.MessageTypeRequest {
		return nil, &protocol.InvalidDataError{Cause: fmt.Errorf("responder expects a Request, got type %d", msg.Type)}
	}

	if subs != nil {
		switch msg.Subscription {
		case protocol.SubscriptionSubscribe:
			subs.Subscribe(msg.OwnerID)
		case protocol.SubscriptionUnsubscribe:
			subs.Unsubscribe(msg.OwnerID)
		}
	}

	if msg.HasWriteKey {
		ok, err := e.store.ValidateWriteKey(msg.OwnerID, msg.WriteKey)
		if err != nil {
			return nil, &WriteKeyError{OwnerID: msg.OwnerID}
		}
		if !ok {
			return e.respondWithError(msg.OwnerID, protocol.ErrorWriteKey)
		}
	}

	if len(msg.Messages) > 0 {
		if !msg.HasWriteKey {
			return e.respondWithError(msg.OwnerID, protocol.ErrorWriteKey)
		}
		if err := e.store.WriteMessages(msg.OwnerID, msg.Messages); err != nil {
			return e.respondWithError(msg.OwnerID, protocol.ErrorWrite)
		}

		if broadcaster != nil {
			broadcastBuilder := protocol.NewBroadcastBuilder(msg.OwnerID, e.TotalMaxSize)
			for _, m := range msg.Messages {
				broadcastBuilder.AddMessage(m)
			}
			data, err := broadcastBuilder.Build()
			if err != nil {
				log.Warnf("syncengine: broadcast encode failed for owner %s: %v", msg.OwnerID, err)
			} else if err := broadcaster.Publish(msg.OwnerID, data); err != nil {
				log.Warnf("syncengine: broadcast publish failed for owner %s: %v", msg.OwnerID, err)
			}
		}
	}

	size, err := e.store.GetSize(msg.OwnerID)
	if err != nil {
		return e.respondWithError(msg.OwnerID, protocol.ErrorSync)
	}

	responseBuilder := protocol.NewResponseBuilder(msg.OwnerID, protocol.ErrorNone, e.TotalMaxSize, e.RangesMaxSize)
	if len(msg.Ranges) > 0 {
		if err := e.reconciler.Reconcile(msg.OwnerID, size, msg.Ranges, responseBuilder); err != nil {
			return e.respondWithError(msg.OwnerID, protocol.ErrorSync)
		}
	}

	return responseBuilder.Build()
}

func (e *Engine) respondWithError(id owner.ID, code protocol.ErrorCode) ([]byte, error) {
	return protocol.Encode(protocol.Message{
		Version: protocol.ProtocolVersion, OwnerID: id,
		Type: protocol.MessageTypeResponse, Error: code,
	})
}
