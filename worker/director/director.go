// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package director implements the waitlist's background worker. On a
// fixed cadence, and sooner when poked over the hub, it scans the live
// tickets, expires the overdue ones, promotes queue heads, and keeps
// the local waiter registry honest about tickets that changed behind
// its back.
//
// Several directors may run concurrently against one store, one per
// control-plane process. They coordinate only through etag-guarded
// writes: losing a race is routine and handled by the next sweep.
package director

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nodeplane/nodeplane/core/ticket"
	"github.com/nodeplane/nodeplane/pubsub/waitlist"
	"github.com/nodeplane/nodeplane/store"
)

var logger = loggo.GetLogger("nodeplane.worker.director")

// DefaultSweepInterval is the sweep cadence when the configuration
// doesn't say otherwise.
const DefaultSweepInterval = time.Second

// Waitlist is the part of the queue manager the director drives.
type Waitlist interface {
	LiveTickets() ([]ticket.Ticket, error)
	Ticket(uuid string) (ticket.Ticket, error)
	ActivateTicket(t ticket.Ticket) (ticket.Ticket, error)
	ExpireTicket(t ticket.Ticket) (ticket.Ticket, error)
}

// WaiterRegistry is the in-process waiter accounting the director
// reconciles after each sweep.
type WaiterRegistry interface {
	Pending() set.Strings
	FireError(uuid string, err error)
}

// Config holds the director's dependencies and tuning.
type Config struct {
	Waitlist      Waitlist
	Registry      WaiterRegistry
	Hub           *pubsub.SimpleHub
	Clock         clock.Clock
	SweepInterval time.Duration

	// PrometheusRegisterer may be nil, in which case no metrics are
	// exported.
	PrometheusRegisterer prometheus.Registerer
}

// Validate returns an error if the config cannot run a director.
func (config Config) Validate() error {
	if config.Waitlist == nil {
		return errors.NotValidf("nil Waitlist")
	}
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.SweepInterval <= 0 {
		return errors.NotValidf("non-positive SweepInterval")
	}
	return nil
}

// NewWorker starts a director.
func NewWorker(config Config) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		config:  config,
		metrics: newMetrics(),
		pokes:   make(chan struct{}, 1),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Worker is the director worker.
type Worker struct {
	catacomb catacomb.Catacomb
	config   Config
	metrics  *metrics
	pokes    chan struct{}
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

func (w *Worker) loop() error {
	if r := w.config.PrometheusRegisterer; r != nil {
		if err := r.Register(w.metrics); err != nil {
			return errors.Annotate(err, "registering metrics collector")
		}
		defer r.Unregister(w.metrics)
	}
	unsub := w.config.Hub.Subscribe(waitlist.TicketChangedTopic, w.onTicketChange)
	defer unsub()

	// Catch up on whatever happened while no director was running,
	// expirations especially.
	if err := w.sweep(); err != nil {
		return errors.Trace(err)
	}
	timer := w.config.Clock.NewTimer(w.config.SweepInterval)
	defer timer.Stop()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case <-timer.Chan():
		case <-w.pokes:
		}
		if err := w.sweep(); err != nil {
			return errors.Trace(err)
		}
		timer.Reset(w.config.SweepInterval)
	}
}

// onTicketChange runs on the hub's goroutine; it must not block.
func (w *Worker) onTicketChange(topic string, data interface{}) {
	select {
	case w.pokes <- struct{}{}:
	default:
	}
}

func (w *Worker) sweep() error {
	started := w.config.Clock.Now()
	live, err := w.config.Waitlist.LiveTickets()
	if err != nil {
		return errors.Annotate(err, "loading live tickets")
	}
	w.metrics.liveTickets.Set(float64(len(live)))

	// The live view arrives grouped by (server_uuid, scope, id), so
	// each queue is one contiguous run.
	seen := set.NewStrings()
	for start := 0; start < len(live); {
		end := start + 1
		for end < len(live) && live[end].Key() == live[start].Key() {
			end++
		}
		if err := w.sweepQueue(live[start:end]); err != nil {
			return errors.Trace(err)
		}
		for _, t := range live[start:end] {
			seen.Add(t.UUID)
		}
		start = end
	}
	if err := w.reconcile(seen); err != nil {
		return errors.Trace(err)
	}
	w.metrics.sweeps.Inc()
	w.metrics.sweepDuration.Observe(w.config.Clock.Now().Sub(started).Seconds())
	return nil
}

// sweepQueue expires every overdue ticket in the queue, then promotes
// the earliest still-queued ticket if nothing holds the queue. Losing
// a guarded write means another writer changed the queue under us; in
// that case promotion is left to the next sweep, which observes the
// new state.
func (w *Worker) sweepQueue(queue []ticket.Ticket) error {
	now := w.config.Clock.Now()
	conflicted := false
	for i, t := range queue {
		if !t.Overdue(now) {
			continue
		}
		expired, err := w.config.Waitlist.ExpireTicket(t)
		switch {
		case err == nil:
			queue[i] = expired
			w.metrics.expirations.Inc()
			w.publishUpdate(expired)
		case store.IsVersionConflict(err) || errors.IsNotFound(err):
			w.metrics.conflicts.Inc()
			conflicted = true
		default:
			return errors.Annotatef(err, "expiring ticket %q", t.UUID)
		}
	}
	if conflicted {
		return nil
	}
	for _, t := range queue {
		if t.Status == ticket.Active {
			return nil
		}
	}
	for _, t := range queue {
		if t.Status != ticket.Queued {
			continue
		}
		promoted, err := w.config.Waitlist.ActivateTicket(t)
		switch {
		case err == nil:
			w.metrics.promotions.Inc()
			w.publishUpdate(promoted)
		case store.IsVersionConflict(err) || errors.IsNotFound(err):
			w.metrics.conflicts.Inc()
		default:
			return errors.Annotatef(err, "promoting ticket %q", t.UUID)
		}
		return nil
	}
	return nil
}

// reconcile covers the waiters whose tickets the live scan never saw:
// released or deleted by another process, or terminal since before
// this director started. Without this pass such waits would hang until
// expiry.
func (w *Worker) reconcile(live set.Strings) error {
	pending := w.config.Registry.Pending()
	for _, uuid := range pending.Difference(live).SortedValues() {
		t, err := w.config.Waitlist.Ticket(uuid)
		if errors.IsNotFound(err) {
			w.config.Registry.FireError(uuid, err)
			continue
		} else if err != nil {
			return errors.Annotatef(err, "reconciling waiter for ticket %q", uuid)
		}
		if t.Status.Terminal() {
			w.publishUpdate(t)
		}
	}
	return nil
}

func (w *Worker) publishUpdate(t ticket.Ticket) {
	logger.Debugf("ticket %q now %s", t.UUID, t.Status)
	_ = w.config.Hub.Publish(waitlist.TicketUpdatedTopic, waitlist.TicketUpdate{
		UUID:   t.UUID,
		Status: t.Status,
	})
}
