// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package ticket defines the waitlist ticket model. A ticket represents a
// caller's place in the queue for a scoped resource on a server; at most one
// ticket per queue is active at a time, and the rest wait in FIFO order.
package ticket

import (
	"fmt"
	"time"

	"github.com/juju/errors"
)

// Status describes where a ticket is in its lifecycle.
type Status string

const (
	// Queued is the initial status: the ticket is waiting its turn.
	Queued Status = "queued"

	// Active means the ticket currently holds its queue. At most one
	// ticket per (server, scope, id) is active at a time.
	Active Status = "active"

	// Expired means the ticket passed its expiry time before being
	// released. Terminal.
	Expired Status = "expired"

	// Finished means the holder released the ticket. Terminal.
	Finished Status = "finished"
)

// String is for the benefit of %v formatting.
func (s Status) String() string {
	return string(s)
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case Queued, Active, Expired, Finished:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Terminal statuses
// never change.
func (s Status) Terminal() bool {
	return s == Expired || s == Finished
}

// ValidTransition reports whether a ticket may move from one status
// to another. Terminal statuses admit no transitions at all.
func ValidTransition(from, to Status) bool {
	switch from {
	case Queued:
		return to == Active || to == Expired || to == Finished
	case Active:
		return to == Expired || to == Finished
	}
	return false
}

// Key identifies a single queue. Tickets sharing a Key contend for the
// same resource.
type Key struct {
	ServerUUID string
	Scope      string
	ID         string
}

// Validate returns an error if any part of the key is missing.
func (k Key) Validate() error {
	if k.ServerUUID == "" {
		return errors.NotValidf("empty server uuid")
	}
	if k.Scope == "" {
		return errors.NotValidf("empty scope")
	}
	if k.ID == "" {
		return errors.NotValidf("empty id")
	}
	return nil
}

// String is for the benefit of %v formatting.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ServerUUID, k.Scope, k.ID)
}

// Ticket is a single waitlist entry. Tickets are created by the api
// layer, mutated only by the queue manager and the director, and read
// by everyone.
type Ticket struct {
	// UUID is the primary key, assigned at creation.
	UUID string

	// ServerUUID, Scope and ID name the queue the ticket belongs to.
	ServerUUID string
	Scope      string
	ID         string

	// Status is the ticket's position in the lifecycle; see the Status
	// constants.
	Status Status

	// Action records what the holder intends to do. Informational only.
	Action string

	// Extra holds client metadata, preserved verbatim.
	Extra map[string]interface{}

	// CreatedAt is assigned at creation; UpdatedAt changes on every
	// status change; ExpiresAt is the absolute expiry deadline. All UTC.
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time

	// ReqID correlates the ticket with the request that created it.
	ReqID string

	// Etag is the store-assigned version used for optimistic
	// concurrency. Empty until the ticket has been persisted.
	Etag string
}

// Key returns the queue key the ticket belongs to.
func (t Ticket) Key() Key {
	return Key{ServerUUID: t.ServerUUID, Scope: t.Scope, ID: t.ID}
}

// Overdue reports whether the ticket's expiry deadline has passed.
func (t Ticket) Overdue(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// Validate returns an error if the ticket is structurally unsound.
func (t Ticket) Validate() error {
	if t.UUID == "" {
		return errors.NotValidf("empty uuid")
	}
	if err := t.Key().Validate(); err != nil {
		return errors.Trace(err)
	}
	if !t.Status.Valid() {
		return errors.NotValidf("status %q", t.Status)
	}
	if t.CreatedAt.IsZero() {
		return errors.NotValidf("zero created time")
	}
	if !t.CreatedAt.Before(t.ExpiresAt) {
		return errors.NotValidf("expiry %v not after creation %v", t.ExpiresAt, t.CreatedAt)
	}
	return nil
}

// Before reports whether a precedes b in queue order: created_at
// ascending, ties broken by uuid. The uuid tie-break gives a total
// order independent of wall-clock resolution.
func Before(a, b Ticket) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.UUID < b.UUID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
