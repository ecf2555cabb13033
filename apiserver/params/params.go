// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the wire types of the waitlist HTTP API. Both
// the server and the Go client marshal these; nothing here imports the
// rest of the codebase.
package params

import (
	"time"
)

// ContentTypeJSON is the Content-Type for every JSON response.
const ContentTypeJSON = "application/json"

// RequestIDHeader carries the request correlation id. The server
// honours a caller-supplied value and generates one otherwise.
const RequestIDHeader = "X-Request-Id"

// Ticket is the wire form of a waitlist ticket. Times are RFC 3339 in
// UTC.
type Ticket struct {
	UUID       string                 `json:"uuid"`
	ServerUUID string                 `json:"server_uuid"`
	Scope      string                 `json:"scope"`
	ID         string                 `json:"id"`
	Status     string                 `json:"status"`
	Action     string                 `json:"action,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	ExpiresAt  time.Time              `json:"expires_at"`
	ReqID      string                 `json:"req_id,omitempty"`
}

// CreateTicketRequest is the body of POST /servers/{server}/tickets.
type CreateTicketRequest struct {
	Scope     string                 `json:"scope"`
	ID        string                 `json:"id"`
	ExpiresAt string                 `json:"expires_at"`
	Action    string                 `json:"action,omitempty"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
}

// CreateTicketResponse answers a create with the new ticket's uuid and
// a snapshot of its queue, earliest first. The caller's position is
// the index of its uuid in the queue.
type CreateTicketResponse struct {
	UUID  string   `json:"uuid"`
	Queue []string `json:"queue"`
}

// PingResponse answers GET /ping.
type PingResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the envelope of every error response.
type ErrorResponse struct {
	Error *Error `json:"error"`
}
