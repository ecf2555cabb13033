// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state implements the waitlist queue manager: ticket
// persistence and lifecycle over the bucket store. All cross-process
// coordination happens here, through etag-guarded writes; the package
// never trusts in-memory state further than a single operation.
package state

import (
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"github.com/juju/utils/v4"

	"github.com/nodeplane/nodeplane/core/ticket"
	"github.com/nodeplane/nodeplane/store"
)

var logger = loggo.GetLogger("nodeplane.state")

// TicketsBucket is the store bucket tickets persist in.
const TicketsBucket = "waitlist_tickets"

// MaxListTickets is both the default and the maximum page size for
// ListTickets.
const MaxListTickets = 1000

const (
	releaseAttempts   = 5
	releaseRetryDelay = 50 * time.Millisecond
)

// TicketIndexes lists the index key sets the waitlist queries rely on.
// Store backends that support indexes should ensure them at startup.
func TicketIndexes() [][]string {
	return [][]string{
		{"server_uuid", "scope", "id"},
		{"server_uuid"},
		{"status"},
	}
}

// Waitlist is the queue manager. It is safe for concurrent use.
type Waitlist struct {
	store store.Store
	clock clock.Clock
}

// NewWaitlist returns a Waitlist over the given store. The clock is
// used for creation and transition timestamps and for retry pacing.
func NewWaitlist(st store.Store, clk clock.Clock) *Waitlist {
	return &Waitlist{store: st, clock: clk}
}

// TicketArgs are the caller-supplied fields of a new ticket.
type TicketArgs struct {
	ServerUUID string
	Scope      string
	ID         string
	Action     string
	Extra      map[string]interface{}
	ExpiresAt  time.Time
	ReqID      string
}

// Validate returns an error if the args cannot make a ticket at the
// given time.
func (args TicketArgs) Validate(now time.Time) error {
	key := ticket.Key{ServerUUID: args.ServerUUID, Scope: args.Scope, ID: args.ID}
	if err := key.Validate(); err != nil {
		return errors.Trace(err)
	}
	if args.ExpiresAt.IsZero() {
		return errors.NotValidf("zero expiry time")
	}
	if !args.ExpiresAt.After(now) {
		return errors.NotValidf("expiry time %v in the past", args.ExpiresAt)
	}
	return nil
}

// CreateTicket persists a new queued ticket and returns it along with
// a snapshot of its queue, earliest first. The ticket is durable
// before CreateTicket returns.
func (w *Waitlist) CreateTicket(args TicketArgs) (ticket.Ticket, []string, error) {
	now := w.clock.Now().UTC()
	if err := args.Validate(now); err != nil {
		return ticket.Ticket{}, nil, errors.Trace(err)
	}
	uuid, err := utils.NewUUID()
	if err != nil {
		return ticket.Ticket{}, nil, errors.Trace(err)
	}
	t := ticket.Ticket{
		UUID:       uuid.String(),
		ServerUUID: args.ServerUUID,
		Scope:      args.Scope,
		ID:         args.ID,
		Status:     ticket.Queued,
		Action:     args.Action,
		Extra:      args.Extra,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  args.ExpiresAt.UTC(),
		ReqID:      args.ReqID,
	}
	doc, err := newTicketDoc(t)
	if err != nil {
		return ticket.Ticket{}, nil, errors.Trace(err)
	}
	etag, err := w.store.Put(TicketsBucket, t.UUID, doc, "")
	if err != nil {
		return ticket.Ticket{}, nil, errors.Annotatef(err, "creating ticket in queue %s", t.Key())
	}
	t.Etag = etag

	queue, err := w.Queue(t.Key())
	if err != nil {
		return ticket.Ticket{}, nil, errors.Trace(err)
	}
	uuids := make([]string, len(queue))
	for i, q := range queue {
		uuids[i] = q.UUID
	}
	logger.Debugf("created ticket %q at position %d in queue %s", t.UUID, position(uuids, t.UUID), t.Key())
	return t, uuids, nil
}

// Ticket returns the ticket with the given uuid.
func (w *Waitlist) Ticket(uuid string) (ticket.Ticket, error) {
	obj, err := w.store.Get(TicketsBucket, uuid)
	if errors.IsNotFound(err) {
		return ticket.Ticket{}, errors.NotFoundf("ticket %q", uuid)
	} else if err != nil {
		return ticket.Ticket{}, errors.Trace(err)
	}
	return w.decode(obj)
}

// ReleaseTicket finishes the ticket and returns its final state.
// Releasing a ticket already in a terminal status is a no-op. Version
// conflicts are retried a bounded number of times; exhaustion
// surfaces as ErrReleaseConflict.
func (w *Waitlist) ReleaseTicket(uuid string) (ticket.Ticket, error) {
	var released ticket.Ticket
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			t, err := w.Ticket(uuid)
			if err != nil {
				return errors.Trace(err)
			}
			if t.Status.Terminal() {
				released = t
				return nil
			}
			next, err := w.setStatus(t, ticket.Finished)
			if err != nil {
				return errors.Trace(err)
			}
			released = next
			return nil
		},
		IsFatalError: func(err error) bool {
			return !store.IsVersionConflict(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("release of ticket %q lost race on attempt %d", uuid, attempt)
		},
		Attempts: releaseAttempts,
		Delay:    releaseRetryDelay,
		Clock:    w.clock,
	})
	if retry.IsAttemptsExceeded(err) {
		return ticket.Ticket{}, errors.Annotatef(ErrReleaseConflict, "ticket %q", uuid)
	} else if err != nil {
		return ticket.Ticket{}, errors.Trace(err)
	}
	logger.Debugf("released ticket %q in queue %s", released.UUID, released.Key())
	return released, nil
}

// DeleteTicket removes the ticket outright, whatever its status.
func (w *Waitlist) DeleteTicket(uuid string) error {
	err := w.store.Delete(TicketsBucket, uuid)
	if errors.IsNotFound(err) {
		return errors.NotFoundf("ticket %q", uuid)
	} else if err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("deleted ticket %q", uuid)
	return nil
}

// DeleteServerTickets removes every ticket for the server and returns
// how many went. It refuses to run without force.
func (w *Waitlist) DeleteServerTickets(serverUUID string, force bool) (int, error) {
	if serverUUID == "" {
		return 0, errors.NotValidf("empty server uuid")
	}
	if !force {
		return 0, errors.Annotatef(ErrForceRequired, "deleting all tickets for server %q", serverUUID)
	}
	objs, err := w.store.Find(TicketsBucket, store.Query{
		Filter: store.Filter{Equals: map[string]interface{}{"server_uuid": serverUUID}},
		Sort:   []string{"uuid"},
	})
	if err != nil {
		return 0, errors.Trace(err)
	}
	deleted := 0
	for _, obj := range objs {
		err := w.store.Delete(TicketsBucket, obj.Key)
		if errors.IsNotFound(err) {
			// Someone else got there first.
			continue
		} else if err != nil {
			return deleted, errors.Trace(err)
		}
		deleted++
	}
	logger.Infof("deleted %d tickets for server %q", deleted, serverUUID)
	return deleted, nil
}

// ListParams controls ListTickets.
type ListParams struct {
	// Limit caps the page size; zero means MaxListTickets, and values
	// above MaxListTickets are rejected.
	Limit int

	// Offset skips that many tickets.
	Offset int

	// Attribute is the sort attribute; default "created_at".
	Attribute string

	// Order is "ASC" or "DESC"; default "ASC".
	Order string
}

// ListTickets returns tickets belonging to the server, whatever their
// status, sorted per the params.
func (w *Waitlist) ListTickets(serverUUID string, p ListParams) ([]ticket.Ticket, error) {
	if serverUUID == "" {
		return nil, errors.NotValidf("empty server uuid")
	}
	if p.Limit == 0 {
		p.Limit = MaxListTickets
	}
	if p.Limit < 0 || p.Limit > MaxListTickets {
		return nil, errors.NotValidf("limit %d", p.Limit)
	}
	if p.Offset < 0 {
		return nil, errors.NotValidf("offset %d", p.Offset)
	}
	attribute := strings.TrimSpace(p.Attribute)
	if attribute == "" {
		attribute = "created_at"
	}
	var sort []string
	switch strings.TrimSpace(p.Order) {
	case "", "ASC":
		sort = []string{attribute, "uuid"}
	case "DESC":
		sort = []string{"-" + attribute, "-uuid"}
	default:
		return nil, errors.NotValidf("order %q", p.Order)
	}
	objs, err := w.store.Find(TicketsBucket, store.Query{
		Filter: store.Filter{Equals: map[string]interface{}{"server_uuid": serverUUID}},
		Sort:   sort,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w.decodeAll(objs)
}

// LiveTickets returns every queued or active ticket across all
// servers, in queue-grouped order: (server_uuid, scope, id,
// created_at, uuid). This is the director's view of the world.
func (w *Waitlist) LiveTickets() ([]ticket.Ticket, error) {
	objs, err := w.store.Find(TicketsBucket, store.Query{
		Filter: store.Filter{
			In: map[string][]interface{}{
				"status": {string(ticket.Queued), string(ticket.Active)},
			},
		},
		Sort: []string{"server_uuid", "scope", "id", "created_at", "uuid"},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w.decodeAll(objs)
}

// Queue returns the live tickets contending for one key, earliest
// first.
func (w *Waitlist) Queue(key ticket.Key) ([]ticket.Ticket, error) {
	if err := key.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	objs, err := w.store.Find(TicketsBucket, store.Query{
		Filter: store.Filter{
			Equals: map[string]interface{}{
				"server_uuid": key.ServerUUID,
				"scope":       key.Scope,
				"id":          key.ID,
			},
			In: map[string][]interface{}{
				"status": {string(ticket.Queued), string(ticket.Active)},
			},
		},
		Sort: []string{"created_at", "uuid"},
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w.decodeAll(objs)
}

// ActivateTicket promotes a queued ticket to active, guarded by the
// ticket's etag. A version conflict means another writer got there
// first; callers should re-observe and decide again.
func (w *Waitlist) ActivateTicket(t ticket.Ticket) (ticket.Ticket, error) {
	next, err := w.setStatus(t, ticket.Active)
	if err != nil {
		return ticket.Ticket{}, errors.Trace(err)
	}
	logger.Debugf("activated ticket %q in queue %s", next.UUID, next.Key())
	return next, nil
}

// ExpireTicket moves an overdue ticket to expired, guarded by the
// ticket's etag.
func (w *Waitlist) ExpireTicket(t ticket.Ticket) (ticket.Ticket, error) {
	next, err := w.setStatus(t, ticket.Expired)
	if err != nil {
		return ticket.Ticket{}, errors.Trace(err)
	}
	logger.Debugf("expired ticket %q in queue %s", next.UUID, next.Key())
	return next, nil
}

func (w *Waitlist) setStatus(t ticket.Ticket, to ticket.Status) (ticket.Ticket, error) {
	if t.Etag == "" {
		return ticket.Ticket{}, errors.NotValidf("ticket %q without etag", t.UUID)
	}
	if !ticket.ValidTransition(t.Status, to) {
		return ticket.Ticket{}, errors.NotValidf("transition %s to %s for ticket %q", t.Status, to, t.UUID)
	}
	next := t
	next.Status = to
	next.UpdatedAt = w.clock.Now().UTC()
	doc, err := newTicketDoc(next)
	if err != nil {
		return ticket.Ticket{}, errors.Trace(err)
	}
	etag, err := w.store.Put(TicketsBucket, next.UUID, doc, t.Etag)
	if err != nil {
		return ticket.Ticket{}, errors.Trace(err)
	}
	next.Etag = etag
	return next, nil
}

func (w *Waitlist) decode(obj store.Object) (ticket.Ticket, error) {
	var doc ticketDoc
	if err := obj.Unmarshal(&doc); err != nil {
		return ticket.Ticket{}, errors.Trace(err)
	}
	return doc.value(obj.Etag), nil
}

func (w *Waitlist) decodeAll(objs []store.Object) ([]ticket.Ticket, error) {
	tickets := make([]ticket.Ticket, len(objs))
	for i, obj := range objs {
		t, err := w.decode(obj)
		if err != nil {
			return nil, errors.Trace(err)
		}
		tickets[i] = t
	}
	return tickets, nil
}

func position(uuids []string, uuid string) int {
	for i, u := range uuids {
		if u == uuid {
			return i
		}
	}
	return -1
}
