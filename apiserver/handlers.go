// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	"github.com/nodeplane/nodeplane/apiserver/params"
	"github.com/nodeplane/nodeplane/core/ticket"
	"github.com/nodeplane/nodeplane/pubsub/waitlist"
)

func (s *Server) ping(w http.ResponseWriter, r *http.Request) error {
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.PingResponse{Status: "ok"}))
}

func (s *Server) createTicket(w http.ResponseWriter, r *http.Request) error {
	serverUUID, err := pathUUID(r, "server")
	if err != nil {
		return errors.Trace(err)
	}
	args, err := parseCreateRequest(r)
	if err != nil {
		return errors.Trace(err)
	}
	args.ServerUUID = serverUUID
	args.ReqID = requestIDFrom(r.Context())

	t, queue, err := s.config.Waitlist.CreateTicket(args)
	if err != nil {
		return errors.Trace(err)
	}
	s.publishChange(t)
	return errors.Trace(sendStatusAndJSON(w, http.StatusAccepted, params.CreateTicketResponse{
		UUID:  t.UUID,
		Queue: queue,
	}))
}

func (s *Server) listTickets(w http.ResponseWriter, r *http.Request) error {
	serverUUID, err := pathUUID(r, "server")
	if err != nil {
		return errors.Trace(err)
	}
	listParams, err := parseListParams(r.URL.Query())
	if err != nil {
		return errors.Trace(err)
	}
	tickets, err := s.config.Waitlist.ListTickets(serverUUID, listParams)
	if err != nil {
		return errors.Trace(err)
	}
	resp := make([]params.Ticket, len(tickets))
	for i, t := range tickets {
		resp[i] = wireTicket(t)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, resp))
}

func (s *Server) deleteServerTickets(w http.ResponseWriter, r *http.Request) error {
	serverUUID, err := pathUUID(r, "server")
	if err != nil {
		return errors.Trace(err)
	}
	force := r.URL.Query().Get("force") == "true"
	if _, err := s.config.Waitlist.DeleteServerTickets(serverUUID, force); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) getTicket(w http.ResponseWriter, r *http.Request) error {
	uuid, err := pathUUID(r, "uuid")
	if err != nil {
		return errors.Trace(err)
	}
	t, err := s.config.Waitlist.Ticket(uuid)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, wireTicket(t)))
}

func (s *Server) deleteTicket(w http.ResponseWriter, r *http.Request) error {
	uuid, err := pathUUID(r, "uuid")
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.config.Waitlist.DeleteTicket(uuid); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) releaseTicket(w http.ResponseWriter, r *http.Request) error {
	uuid, err := pathUUID(r, "uuid")
	if err != nil {
		return errors.Trace(err)
	}
	t, err := s.config.Waitlist.ReleaseTicket(uuid)
	if err != nil {
		return errors.Trace(err)
	}
	// Local waiters resolve straight away; the change poke hands the
	// freed queue to the director. Neither is load-bearing across
	// processes, both only cut latency.
	s.publishUpdate(t)
	s.publishChange(t)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) waitTicket(w http.ResponseWriter, r *http.Request) error {
	uuid, err := pathUUID(r, "uuid")
	if err != nil {
		return errors.Trace(err)
	}
	handle, err := s.config.Registry.Register(uuid)
	if err != nil {
		return errors.Trace(err)
	}
	select {
	case <-handle.Done():
		if _, err := handle.Result(); err != nil {
			return errors.Trace(err)
		}
		w.WriteHeader(http.StatusNoContent)
		return nil
	case <-r.Context().Done():
		// The caller hung up; there is nobody left to answer.
		s.config.Registry.Unregister(handle)
		logger.Debugf("waiter for ticket %q abandoned", uuid)
		return nil
	case <-s.catacomb.Dying():
		s.config.Registry.Unregister(handle)
		return errors.New("apiserver shutting down")
	}
}

// pathUUID extracts a {uuid}-shaped path segment.
func pathUUID(r *http.Request, name string) (string, error) {
	value := mux.Vars(r)[name]
	if !utils.IsValidUUIDString(value) {
		return "", errors.NotValidf("%s %q", name, value)
	}
	return value, nil
}

func wireTicket(t ticket.Ticket) params.Ticket {
	return params.Ticket{
		UUID:       t.UUID,
		ServerUUID: t.ServerUUID,
		Scope:      t.Scope,
		ID:         t.ID,
		Status:     t.Status.String(),
		Action:     t.Action,
		Extra:      t.Extra,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		ExpiresAt:  t.ExpiresAt,
		ReqID:      t.ReqID,
	}
}

func (s *Server) publishChange(t ticket.Ticket) {
	_ = s.config.Hub.Publish(waitlist.TicketChangedTopic, waitlist.TicketChange{
		UUID:       t.UUID,
		ServerUUID: t.ServerUUID,
		Scope:      t.Scope,
		ID:         t.ID,
	})
}

func (s *Server) publishUpdate(t ticket.Ticket) {
	_ = s.config.Hub.Publish(waitlist.TicketUpdatedTopic, waitlist.TicketUpdate{
		UUID:   t.UUID,
		Status: t.Status,
	})
}
