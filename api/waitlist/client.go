// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package waitlist is the Go client for the waitlist HTTP API. Errors
// carrying a well-known code come back as classified juju/errors
// values; the rest are *params.Error for code matching.
package waitlist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/juju/errors"

	"github.com/nodeplane/nodeplane/apiserver/params"
)

// Client talks to one waitlist server.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the server at base, which looks like
// "http://host:17712". A nil httpClient means http.DefaultClient.
func NewClient(base string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: httpClient,
	}
}

// Ping checks the server is answering.
func (c *Client) Ping() error {
	var pong params.PingResponse
	if err := c.call(context.Background(), "GET", "/ping", nil, &pong); err != nil {
		return errors.Trace(err)
	}
	if pong.Status != "ok" {
		return errors.Errorf("server not ok: %q", pong.Status)
	}
	return nil
}

// CreateTicket queues a new ticket on the server's waitlist and
// returns its uuid along with a snapshot of the queue it joined.
func (c *Client) CreateTicket(serverUUID string, req params.CreateTicketRequest) (params.CreateTicketResponse, error) {
	var resp params.CreateTicketResponse
	path := fmt.Sprintf("/servers/%s/tickets", serverUUID)
	if err := c.call(context.Background(), "POST", path, req, &resp); err != nil {
		return params.CreateTicketResponse{}, errors.Trace(err)
	}
	return resp, nil
}

// Ticket fetches one ticket.
func (c *Client) Ticket(uuid string) (params.Ticket, error) {
	var t params.Ticket
	if err := c.call(context.Background(), "GET", "/tickets/"+uuid, nil, &t); err != nil {
		return params.Ticket{}, errors.Trace(err)
	}
	return t, nil
}

// ListOptions narrows and orders ListTickets results. The zero value
// means the server defaults: everything, created_at ascending.
type ListOptions struct {
	Limit     int
	Offset    int
	Attribute string
	Order     string
}

// ListTickets returns the server's tickets, whatever their status.
func (c *Client) ListTickets(serverUUID string, opts ListOptions) ([]params.Ticket, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", fmt.Sprint(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", fmt.Sprint(opts.Offset))
	}
	if opts.Attribute != "" {
		query.Set("attribute", opts.Attribute)
	}
	if opts.Order != "" {
		query.Set("order", opts.Order)
	}
	path := fmt.Sprintf("/servers/%s/tickets", serverUUID)
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var tickets []params.Ticket
	if err := c.call(context.Background(), "GET", path, nil, &tickets); err != nil {
		return nil, errors.Trace(err)
	}
	return tickets, nil
}

// DeleteTicket removes one ticket, whatever its status.
func (c *Client) DeleteTicket(uuid string) error {
	return errors.Trace(c.call(context.Background(), "DELETE", "/tickets/"+uuid, nil, nil))
}

// DeleteServerTickets removes every ticket for the server. It refuses
// to run without force.
func (c *Client) DeleteServerTickets(serverUUID string, force bool) error {
	path := fmt.Sprintf("/servers/%s/tickets", serverUUID)
	if force {
		path += "?force=true"
	}
	return errors.Trace(c.call(context.Background(), "DELETE", path, nil, nil))
}

// ReleaseTicket hands the ticket back. Releasing a ticket that is
// already terminal is a no-op.
func (c *Client) ReleaseTicket(uuid string) error {
	return errors.Trace(c.call(context.Background(), "PUT", "/tickets/"+uuid+"/release", nil, nil))
}

// Wait blocks until the ticket leaves the queued state: its turn
// comes, it expires, or its holder releases it. A nil return says only
// that the wait is over; fetch the ticket to learn the outcome.
// Cancelling the context abandons the wait without disturbing the
// ticket.
func (c *Client) Wait(ctx context.Context, uuid string) error {
	return errors.Trace(c.call(ctx, "GET", "/tickets/"+uuid+"/wait", nil, nil))
}

func (c *Client) call(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Annotate(err, "marshalling request")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return errors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", params.ContentTypeJSON)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Trace(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Trace(decodeError(resp))
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return errors.Annotate(err, "decoding response")
		}
	}
	return nil
}

// decodeError turns an error response back into something callers can
// classify. Responses without a wire error envelope, from proxies or
// middleboxes, surface as plain errors.
func decodeError(resp *http.Response) error {
	var envelope params.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.Error == nil {
		return errors.Errorf("server returned %q", resp.Status)
	}
	return params.TranslateWellKnownError(envelope.Error)
}
