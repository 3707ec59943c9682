// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"fmt"

	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/pkg/nats"
)

// NatsBroadcaster implements syncengine.BroadcastPublisher over the
// optional NATS fabric, so a write accepted by one relay instance fans
// out to every other relay instance behind the same bus — which in turn
// pushes it to its own locally-attached WebSocket subscribers.
type NatsBroadcaster struct {
	client *nats.Client
}

// NewNatsBroadcaster wraps an already-connected NATS client. A nil client
// is valid: Publish becomes a silent no-op, matching a single-instance
// relay that never configured NATS.
func NewNatsBroadcaster(client *nats.Client) *NatsBroadcaster {
	return &NatsBroadcaster{client: client}
}

func subjectFor(id owner.ID) string {
	return "evolu.broadcast." + id.String()
}

// Publish fans data out over the subject derived from id.
func (b *NatsBroadcaster) Publish(id owner.ID, data []byte) error {
	if b.client == nil {
		return nil
	}
	if err := b.client.Publish(subjectFor(id), data); err != nil {
		return fmt.Errorf("transport: broadcast publish: %w", err)
	}
	return nil
}

// Subscribe registers handler to receive every broadcast published for
// id, returning an unsubscribe function.
func (b *NatsBroadcaster) Subscribe(id owner.ID, handler func(data []byte)) (func(), error) {
	if b.client == nil {
		return func() {}, nil
	}
	subject := subjectFor(id)
	if err := b.client.Subscribe(subject, func(_ string, data []byte) { handler(data) }); err != nil {
		return nil, fmt.Errorf("transport: broadcast subscribe: %w", err)
	}
	return func() { b.client.Unsubscribe(subject) }, nil
}
