// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package waiter tracks the in-process clients blocked on tickets.
// The registry maps ticket uuids to single-shot completion handles;
// the director and the api layer resolve them by publishing ticket
// updates on the process hub.
package waiter

import (
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/nodeplane/nodeplane/core/ticket"
	"github.com/nodeplane/nodeplane/pubsub/waitlist"
)

var logger = loggo.GetLogger("nodeplane.waiter")

// ErrRegistryStopped is the resolution every pending handle receives
// when the registry shuts down.
var ErrRegistryStopped = errors.New("waiter registry stopped")

// IsRegistryStopped reports whether err was caused by registry
// shutdown.
func IsRegistryStopped(err error) bool {
	return errors.Cause(err) == ErrRegistryStopped
}

// TicketReader provides the current state of a ticket.
type TicketReader interface {
	Ticket(uuid string) (ticket.Ticket, error)
}

// RegistryConfig holds the registry's dependencies.
type RegistryConfig struct {
	Tickets TicketReader
	Hub     *pubsub.SimpleHub
}

// Validate returns an error if the config cannot run a registry.
func (config RegistryConfig) Validate() error {
	if config.Tickets == nil {
		return errors.NotValidf("nil Tickets")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	return nil
}

// Registry is a worker tracking pending waits. While it is alive it
// subscribes to ticket updates on the hub; once killed, every pending
// handle resolves with ErrRegistryStopped.
type Registry struct {
	tomb   tomb.Tomb
	config RegistryConfig

	mu      sync.Mutex
	waiters map[string][]*Handle
}

var _ worker.Worker = (*Registry)(nil)

// NewRegistry starts a registry over the given config.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r := &Registry{
		config:  config,
		waiters: make(map[string][]*Handle),
	}
	unsub := config.Hub.Subscribe(waitlist.TicketUpdatedTopic, r.onTicketUpdate)
	r.tomb.Go(func() error {
		defer unsub()
		<-r.tomb.Dying()
		r.drain()
		return tomb.ErrDying
	})
	return r, nil
}

// Kill is part of the worker.Worker interface.
func (r *Registry) Kill() {
	r.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (r *Registry) Wait() error {
	return r.tomb.Wait()
}

// Register adds a waiter for the ticket and returns its handle. If
// the ticket is already past queued the handle comes back resolved;
// if the ticket does not exist the error satisfies errors.IsNotFound.
func (r *Registry) Register(uuid string) (*Handle, error) {
	select {
	case <-r.tomb.Dying():
		return nil, errors.Trace(ErrRegistryStopped)
	default:
	}
	t, err := r.config.Tickets.Ticket(uuid)
	if err != nil {
		return nil, errors.Trace(err)
	}
	h := newHandle(uuid)
	if t.Status != ticket.Queued {
		h.resolve(t.Status, nil)
		return h, nil
	}
	r.mu.Lock()
	r.waiters[uuid] = append(r.waiters[uuid], h)
	r.mu.Unlock()

	// A status change between the first lookup and the registration
	// would have been published before we subscribed the handle, so
	// look again now that the handle can be fired.
	cur, err := r.config.Tickets.Ticket(uuid)
	if errors.IsNotFound(err) {
		r.FireError(uuid, err)
	} else if err != nil {
		// The handle stays registered; the director's reconcile pass
		// covers it once the store answers again.
		logger.Debugf("post-registration check for ticket %q failed: %v", uuid, err)
	} else if cur.Status != ticket.Queued {
		r.Fire(uuid, cur.Status)
	}
	return h, nil
}

// Unregister removes a still-pending handle, leaving other waiters on
// the same ticket untouched. Resolved handles are already gone.
func (r *Registry) Unregister(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.waiters[h.uuid]
	for i, other := range handles {
		if other == h {
			handles = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(r.waiters, h.uuid)
	} else {
		r.waiters[h.uuid] = handles
	}
}

// Fire resolves every pending waiter for the ticket with the given
// status. Firing a ticket nobody waits on is a no-op.
func (r *Registry) Fire(uuid string, status ticket.Status) {
	handles := r.take(uuid)
	if len(handles) == 0 {
		return
	}
	logger.Debugf("resolving %d waiter(s) for ticket %q with status %s", len(handles), uuid, status)
	for _, h := range handles {
		h.resolve(status, nil)
	}
}

// FireError resolves every pending waiter for the ticket with an
// error, for tickets that turn out to be gone.
func (r *Registry) FireError(uuid string, err error) {
	handles := r.take(uuid)
	if len(handles) == 0 {
		return
	}
	logger.Debugf("resolving %d waiter(s) for ticket %q with error: %v", len(handles), uuid, err)
	for _, h := range handles {
		h.resolve("", err)
	}
}

// Pending returns the set of ticket uuids with at least one waiter.
func (r *Registry) Pending() set.Strings {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending := set.NewStrings()
	for uuid := range r.waiters {
		pending.Add(uuid)
	}
	return pending
}

func (r *Registry) take(uuid string) []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := r.waiters[uuid]
	delete(r.waiters, uuid)
	return handles
}

func (r *Registry) drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uuid, handles := range r.waiters {
		for _, h := range handles {
			h.resolve("", errors.Trace(ErrRegistryStopped))
		}
		delete(r.waiters, uuid)
	}
}

func (r *Registry) onTicketUpdate(topic string, data interface{}) {
	update, ok := data.(waitlist.TicketUpdate)
	if !ok {
		logger.Criticalf("programming error: topic data expected waitlist.TicketUpdate, got %T", data)
		return
	}
	if update.Status == ticket.Queued {
		return
	}
	r.Fire(update.UUID, update.Status)
}

// Handle is a single-shot completion handle for one wait on one
// ticket.
type Handle struct {
	uuid string
	done chan struct{}

	mu       sync.Mutex
	resolved bool
	status   ticket.Status
	err      error
}

func newHandle(uuid string) *Handle {
	return &Handle{uuid: uuid, done: make(chan struct{})}
}

// UUID returns the ticket the handle waits on.
func (h *Handle) UUID() string {
	return h.uuid
}

// Done is closed once the wait is resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the resolution: the status the ticket reached, or an
// error. It is only meaningful after Done is closed.
func (h *Handle) Result() (ticket.Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.err
}

func (h *Handle) resolve(status ticket.Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return
	}
	h.resolved = true
	h.status = status
	h.err = err
	close(h.done)
}
