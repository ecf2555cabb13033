// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/errors"

	"github.com/nodeplane/nodeplane/core/ticket"
)

// ticketDoc is the persisted form of a ticket. Field names double as
// the sort attributes accepted by list operations, so they match the
// wire names exactly.
type ticketDoc struct {
	UUID       string                 `bson:"uuid"`
	ServerUUID string                 `bson:"server_uuid"`
	Scope      string                 `bson:"scope"`
	ID         string                 `bson:"id"`
	Status     string                 `bson:"status"`
	Action     string                 `bson:"action,omitempty"`
	Extra      map[string]interface{} `bson:"extra,omitempty"`
	CreatedAt  int64                  `bson:"created_at"`
	UpdatedAt  int64                  `bson:"updated_at"`
	ExpiresAt  int64                  `bson:"expires_at"`
	ReqID      string                 `bson:"req_id,omitempty"`
}

func newTicketDoc(t ticket.Ticket) (ticketDoc, error) {
	if err := t.Validate(); err != nil {
		return ticketDoc{}, errors.Trace(err)
	}
	return ticketDoc{
		UUID:       t.UUID,
		ServerUUID: t.ServerUUID,
		Scope:      t.Scope,
		ID:         t.ID,
		Status:     string(t.Status),
		Action:     t.Action,
		Extra:      t.Extra,
		CreatedAt:  toInt64(t.CreatedAt),
		UpdatedAt:  toInt64(t.UpdatedAt),
		ExpiresAt:  toInt64(t.ExpiresAt),
		ReqID:      t.ReqID,
	}, nil
}

// value returns the doc as a ticket, carrying the store version it was
// read at.
func (doc ticketDoc) value(etag string) ticket.Ticket {
	return ticket.Ticket{
		UUID:       doc.UUID,
		ServerUUID: doc.ServerUUID,
		Scope:      doc.Scope,
		ID:         doc.ID,
		Status:     ticket.Status(doc.Status),
		Action:     doc.Action,
		Extra:      doc.Extra,
		CreatedAt:  toTime(doc.CreatedAt),
		UpdatedAt:  toTime(doc.UpdatedAt),
		ExpiresAt:  toTime(doc.ExpiresAt),
		ReqID:      doc.ReqID,
		Etag:       etag,
	}
}

// Times are stored as nanoseconds since the epoch. Document stores
// round times to millisecond precision or worse; an int64 keeps the
// full resolution the queue order is defined over.
func toInt64(t time.Time) int64 {
	return t.UnixNano()
}

func toTime(v int64) time.Time {
	return time.Unix(0, v).UTC()
}
