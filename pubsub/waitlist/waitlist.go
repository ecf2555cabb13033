// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package waitlist holds the pubsub topics and message types used to
// wire the waitlist components together inside a single process.
package waitlist

import (
	"github.com/nodeplane/nodeplane/core/ticket"
)

const (
	// TicketChangedTopic is published when a ticket is created or
	// released, to nudge the director into sweeping ahead of its next
	// scheduled pass. Delivery is best effort; correctness only ever
	// depends on the sweep cadence.
	TicketChangedTopic = "waitlist.ticket-changed"

	// TicketUpdatedTopic is published when a ticket's status changes.
	// The waiter registry subscribes to resolve blocked waiters.
	TicketUpdatedTopic = "waitlist.ticket-updated"
)

// TicketChange is the payload for TicketChangedTopic.
type TicketChange struct {
	UUID       string
	ServerUUID string
	Scope      string
	ID         string
}

// TicketUpdate is the payload for TicketUpdatedTopic.
type TicketUpdate struct {
	UUID   string
	Status ticket.Status
}
