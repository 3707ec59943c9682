// Copyright (C) Evolu.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package syncengine

import (
	"fmt"

	"github.com/evoluhq/evolu-go/internal/owner"
)

// VersionError is returned when a message's protocol version does not
// match this side's.
type VersionError struct {
	Version     uint64
	IsInitiator bool
	OwnerID     owner.ID
}

func (e *VersionError) Error() string {
	role := "responder"
	if e.IsInitiator {
		role = "initiator"
	}
	return fmt.Sprintf("syncengine: protocol version %d rejected by %s for owner %s", e.Version, role, e.OwnerID)
}

// WriteKeyError is returned when a write key is missing or invalid.
type WriteKeyError struct{ OwnerID owner.ID }

func (e *WriteKeyError) Error() string {
	return fmt.Sprintf("syncengine: write key error for owner %s", e.OwnerID)
}

// WriteError wraps a storage failure while persisting messages.
type WriteError struct {
	OwnerID owner.ID
	Cause   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("syncengine: write error for owner %s: %v", e.OwnerID, e.Cause)
}
func (e *WriteError) Unwrap() error { return e.Cause }

// QuotaError is returned when a write would exceed the owner's storage
// quota.
type QuotaError struct{ OwnerID owner.ID }

func (e *QuotaError) Error() string {
	return fmt.Sprintf("syncengine: quota exceeded for owner %s", e.OwnerID)
}

// SyncError wraps a failure of the reconciliation algorithm itself.
type SyncError struct {
	OwnerID owner.ID
	Cause   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("syncengine: sync error for owner %s: %v", e.OwnerID, e.Cause)
}
func (e *SyncError) Unwrap() error { return e.Cause }
