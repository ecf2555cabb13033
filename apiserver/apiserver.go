// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver serves the waitlist HTTP API. It is a thin
// adapter: handlers validate parameters, call the queue manager or the
// waiter registry, and translate errors; no waitlist logic lives here.
package apiserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"github.com/juju/utils/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodeplane/nodeplane/apiserver/params"
	"github.com/nodeplane/nodeplane/core/ticket"
	"github.com/nodeplane/nodeplane/core/waiter"
	"github.com/nodeplane/nodeplane/state"
)

var logger = loggo.GetLogger("nodeplane.apiserver")

// shutdownTimeout bounds the graceful drain of in-flight requests
// when the server is killed.
const shutdownTimeout = 10 * time.Second

// Waitlist is the queue-manager surface the handlers drive.
type Waitlist interface {
	CreateTicket(args state.TicketArgs) (ticket.Ticket, []string, error)
	Ticket(uuid string) (ticket.Ticket, error)
	ReleaseTicket(uuid string) (ticket.Ticket, error)
	DeleteTicket(uuid string) error
	DeleteServerTickets(serverUUID string, force bool) (int, error)
	ListTickets(serverUUID string, p state.ListParams) ([]ticket.Ticket, error)
}

// WaiterRegistry is the wait surface.
type WaiterRegistry interface {
	Register(uuid string) (*waiter.Handle, error)
	Unregister(h *waiter.Handle)
}

// Config holds the server's dependencies. The listener is handed over
// ready to accept; the server owns it from then on.
type Config struct {
	Listener net.Listener
	Waitlist Waitlist
	Registry WaiterRegistry
	Hub      *pubsub.SimpleHub
	Clock    clock.Clock

	// PrometheusRegisterer takes the server's own request metrics;
	// PrometheusGatherer backs GET /metrics. Both may be nil, in which
	// case the concern is simply skipped.
	PrometheusRegisterer prometheus.Registerer
	PrometheusGatherer   prometheus.Gatherer
}

// Validate returns an error if the config cannot run a server.
func (config Config) Validate() error {
	if config.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
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
	return nil
}

// NewServer starts an HTTP server on the config's listener.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	srv := &Server{
		config:  config,
		metrics: newMetrics(),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &srv.catacomb,
		Work: srv.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return srv, nil
}

// Server is the apiserver worker.
type Server struct {
	catacomb catacomb.Catacomb
	config   Config
	metrics  *metrics
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.catacomb.Wait()
}

func (s *Server) loop() error {
	if r := s.config.PrometheusRegisterer; r != nil {
		if err := r.Register(s.metrics); err != nil {
			return errors.Annotate(err, "registering metrics collector")
		}
		defer r.Unregister(s.metrics)
	}
	server := &http.Server{Handler: s.handler()}
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(s.config.Listener)
	}()
	logger.Infof("listening on %s", s.config.Listener.Addr())

	select {
	case <-s.catacomb.Dying():
	case err := <-serveDone:
		return errors.Annotate(err, "http server")
	}

	// Dying has fired, so blocked wait handlers are already being
	// turned away; the drain only covers requests mid-write.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warningf("shutting down http server: %v", err)
	}
	<-serveDone
	return s.catacomb.ErrDying()
}

// handler assembles the route table. Middleware wraps the whole
// router so unknown endpoints still get request ids and metrics.
func (s *Server) handler() http.Handler {
	router := mux.NewRouter()
	router.NotFoundHandler = failable(func(w http.ResponseWriter, r *http.Request) error {
		return errors.NotFoundf("endpoint %s %s", r.Method, r.URL.Path)
	})
	router.MethodNotAllowedHandler = failable(func(w http.ResponseWriter, r *http.Request) error {
		return errors.MethodNotAllowedf("unsupported method %q for %s", r.Method, r.URL.Path)
	})

	router.Handle("/ping", failable(s.ping)).Methods("GET")
	if s.config.PrometheusGatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.config.PrometheusGatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	router.Handle("/servers/{server}/tickets", failable(s.listTickets)).Methods("GET")
	router.Handle("/servers/{server}/tickets", failable(s.createTicket)).Methods("POST")
	router.Handle("/servers/{server}/tickets", failable(s.deleteServerTickets)).Methods("DELETE")
	router.Handle("/tickets/{uuid}", failable(s.getTicket)).Methods("GET")
	router.Handle("/tickets/{uuid}", failable(s.deleteTicket)).Methods("DELETE")
	router.Handle("/tickets/{uuid}/wait", failable(s.waitTicket)).Methods("GET")
	router.Handle("/tickets/{uuid}/release", failable(s.releaseTicket)).Methods("PUT")

	var handler http.Handler = router
	handler = s.metrics.instrument(s.config.Clock, handler)
	handler = requestID(handler)
	return handler
}

// failableHandlerFunc lets handlers return errors; the wrapper turns
// them into wire error responses.
type failableHandlerFunc func(http.ResponseWriter, *http.Request) error

func failable(handle failableHandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := handle(w, r); err != nil {
			if err := sendError(w, r, err); err != nil {
				logger.Errorf("%v", errors.Annotate(err, "cannot return error to user"))
			}
		}
	})
}

type requestIDKey struct{}

// requestID honours a caller-supplied X-Request-Id or generates one,
// reflects it on the response, and stashes it in the request context
// for handlers to correlate with.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(params.RequestIDHeader)
		if id == "" {
			uuid, err := utils.NewUUID()
			if err != nil {
				// Losing correlation is not worth failing the request.
				logger.Warningf("generating request id: %v", err)
			} else {
				id = uuid.String()
			}
		}
		w.Header().Set(params.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
