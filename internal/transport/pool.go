// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package transport is the reference-counted resource pool of §4.10: a
// transport (e.g. a WebSocket connection) is created on demand when its
// first owner starts using it, shared by every owner that does, and
// disposed a short delay after its last owner stops — long enough to
// absorb the open/close churn a reactive UI framework produces without
// tearing down and re-establishing a connection on every re-render.
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/evoluhq/evolu-go/internal/owner"
	"github.com/evoluhq/evolu-go/pkg/log"
)

// DefaultDisposalDelay is the specification's default grace period
// between an owner leaving a transport and the transport actually
// closing.
const DefaultDisposalDelay = 100 * time.Millisecond

// Transport is anything bytes can be sent over and that can be closed.
// Implementations deliver inbound bytes to the ReceiveFunc the Factory
// was given when the transport was created.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// ReceiveFunc is invoked by a Transport with every inbound message,
// tagged with the descriptor it arrived on so the caller can route it to
// the right initiator state machine.
type ReceiveFunc func(descriptor string, data []byte)

// Factory creates the Transport for a descriptor (e.g. dials a WebSocket
// URL), wiring onReceive to the transport's inbound byte stream.
type Factory func(descriptor string, onReceive ReceiveFunc) (Transport, error)

// SubscriptionMessageFunc builds the bytes to send when an owner starts
// or stops using a transport (a Request carrying Subscribe or
// Unsubscribe). A nil func disables that notification.
type SubscriptionMessageFunc func(descriptor string, id owner.ID) ([]byte, error)

type resource struct {
	transport    Transport
	owners       map[owner.ID]struct{}
	disposeTimer *time.Timer
}

// Pool is the resource table itself.
type Pool struct {
	mu            sync.Mutex
	factory       Factory
	onReceive     ReceiveFunc
	onSubscribe   SubscriptionMessageFunc
	onUnsubscribe SubscriptionMessageFunc
	disposalDelay time.Duration
	resources     map[string]*resource
}

// NewPool constructs a Pool. onReceive is wired to every transport the
// factory creates; onSubscribe/onUnsubscribe build the messages sent when
// an owner starts/stops using a transport (either may be nil to disable).
func NewPool(factory Factory, onReceive ReceiveFunc, onSubscribe, onUnsubscribe SubscriptionMessageFunc, disposalDelay time.Duration) *Pool {
	if disposalDelay <= 0 {
		disposalDelay = DefaultDisposalDelay
	}
	return &Pool{
		factory: factory, onReceive: onReceive,
		onSubscribe: onSubscribe, onUnsubscribe: onUnsubscribe,
		disposalDelay: disposalDelay, resources: make(map[string]*resource),
	}
}

// UseOwner adds (use=true) or removes (use=false) id from the set of
// owners consuming the transport at descriptor. The transport is created
// on the first add and disposed DisposalDelay after the last remove.
func (p *Pool) UseOwner(use bool, descriptor string, id owner.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if use {
		return p.addOwnerLocked(descriptor, id)
	}
	return p.removeOwnerLocked(descriptor, id)
}

func (p *Pool) addOwnerLocked(descriptor string, id owner.ID) error {
	r, ok := p.resources[descriptor]
	if !ok {
		t, err := p.factory(descriptor, func(d string, data []byte) {
			if p.onReceive != nil {
				p.onReceive(d, data)
			}
		})
		if err != nil {
			return fmt.Errorf("transport: create %q: %w", descriptor, err)
		}
		r = &resource{transport: t, owners: make(map[owner.ID]struct{})}
		p.resources[descriptor] = r
		log.Infof("transport: opened %q", descriptor)
	}

	if r.disposeTimer != nil {
		r.disposeTimer.Stop()
		r.disposeTimer = nil
	}

	if _, already := r.owners[id]; already {
		return nil
	}
	r.owners[id] = struct{}{}

	if p.onSubscribe != nil {
		msg, err := p.onSubscribe(descriptor, id)
		if err != nil {
			return fmt.Errorf("transport: build subscribe message: %w", err)
		}
		if err := r.transport.Send(msg); err != nil {
			return fmt.Errorf("transport: send subscribe to %q: %w", descriptor, err)
		}
	}
	return nil
}

func (p *Pool) removeOwnerLocked(descriptor string, id owner.ID) error {
	r, ok := p.resources[descriptor]
	if !ok {
		return nil
	}
	if _, present := r.owners[id]; !present {
		return nil
	}
	delete(r.owners, id)

	if p.onUnsubscribe != nil {
		msg, err := p.onUnsubscribe(descriptor, id)
		if err == nil {
			_ = r.transport.Send(msg)
		}
	}

	if len(r.owners) > 0 {
		return nil
	}

	r.disposeTimer = time.AfterFunc(p.disposalDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		cur, ok := p.resources[descriptor]
		if !ok || cur != r || len(cur.owners) > 0 {
			return
		}
		if err := cur.transport.Close(); err != nil {
			log.Warnf("transport: close %q: %v", descriptor, err)
		}
		delete(p.resources, descriptor)
		log.Infof("transport: disposed %q", descriptor)
	})
	return nil
}

// Send writes data over the transport at descriptor, if one is open.
func (p *Pool) Send(descriptor string, data []byte) error {
	p.mu.Lock()
	r, ok := p.resources[descriptor]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: %q is not open", descriptor)
	}
	return r.transport.Send(data)
}

// Len reports how many transports are currently open — test/diagnostic use.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resources)
}
