// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"

	"github.com/nodeplane/nodeplane/apiserver"
	"github.com/nodeplane/nodeplane/apiserver/params"
	"github.com/nodeplane/nodeplane/core/waiter"
	"github.com/nodeplane/nodeplane/state"
	"github.com/nodeplane/nodeplane/store"
	"github.com/nodeplane/nodeplane/store/memstore"
	coretesting "github.com/nodeplane/nodeplane/testing"
)

const (
	serverUUID      = "11111111-2222-3333-4444-555555555555"
	otherServerUUID = "66666666-7777-8888-9999-aaaaaaaaaaaa"
	unknownUUID     = "86c85494-0000-0000-0000-000000000000"
)

type ServerSuite struct {
	testing.IsolationSuite
	store    *memstore.Store
	waitlist *state.Waitlist
	hub      *pubsub.SimpleHub
	registry *waiter.Registry
	server   *apiserver.Server
	base     string
	client   *http.Client
}

var _ = gc.Suite(&ServerSuite{})

func (s *ServerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.store = memstore.New()
	s.startServer(c, s.store)
}

// startServer stands up a complete stack over the given store; tests
// exercising failure modes call it again with a wrapped store.
func (s *ServerSuite) startServer(c *gc.C, st store.Store) {
	s.waitlist = state.NewWaitlist(st, clock.WallClock)
	s.hub = pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("test.hub"),
	})
	registry, err := waiter.NewRegistry(waiter.RegistryConfig{
		Tickets: s.waitlist,
		Hub:     s.hub,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.registry = registry
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, registry) })

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	registerer := prometheus.NewPedanticRegistry()
	server, err := apiserver.NewServer(apiserver.Config{
		Listener:             listener,
		Waitlist:             s.waitlist,
		Registry:             s.registry,
		Hub:                  s.hub,
		Clock:                clock.WallClock,
		PrometheusRegisterer: registerer,
		PrometheusGatherer:   registerer,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.server = server
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, server) })
	s.base = fmt.Sprintf("http://%s", listener.Addr())
	s.client = &http.Client{}
}

func (s *ServerSuite) do(c *gc.C, method, path string, body interface{}) (*http.Response, []byte) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		c.Assert(err, jc.ErrorIsNil)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.base+path, reader)
	c.Assert(err, jc.ErrorIsNil)
	return s.doRequest(c, req)
}

func (s *ServerSuite) doRequest(c *gc.C, req *http.Request) (*http.Response, []byte) {
	resp, err := s.client.Do(req)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	return resp, data
}

func (s *ServerSuite) assertErrorResponse(c *gc.C, resp *http.Response, body []byte, status int, code string) {
	c.Check(resp.StatusCode, gc.Equals, status, gc.Commentf("%s", body))
	var envelope params.ErrorResponse
	c.Assert(json.Unmarshal(body, &envelope), jc.ErrorIsNil)
	c.Assert(envelope.Error, gc.NotNil)
	c.Check(envelope.Error.Code, gc.Equals, code)
	c.Check(envelope.Error.Message, gc.Not(gc.Equals), "")
}

func (s *ServerSuite) createTicket(c *gc.C, scope, id string) params.CreateTicketResponse {
	resp, body := s.do(c, "POST", "/servers/"+serverUUID+"/tickets", params.CreateTicketRequest{
		Scope:     scope,
		ID:        id,
		ExpiresAt: time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	})
	c.Assert(resp.StatusCode, gc.Equals, http.StatusAccepted, gc.Commentf("%s", body))
	var created params.CreateTicketResponse
	c.Assert(json.Unmarshal(body, &created), jc.ErrorIsNil)
	return created
}

func (s *ServerSuite) waitAsync(uuid string) chan int {
	ch := make(chan int, 1)
	go func() {
		resp, err := s.client.Get(s.base + "/tickets/" + uuid + "/wait")
		if err != nil {
			ch <- -1
			return
		}
		resp.Body.Close()
		ch <- resp.StatusCode
	}()
	return ch
}

func (s *ServerSuite) waitRegistered(c *gc.C, uuid string) {
	deadline := time.Now().Add(coretesting.LongWait)
	for !s.registry.Pending().Contains(uuid) {
		if time.Now().After(deadline) {
			c.Fatalf("waiter for %q never registered", uuid)
		}
		time.Sleep(coretesting.ShortWait)
	}
}

func (s *ServerSuite) waitDrained(c *gc.C) {
	deadline := time.Now().Add(coretesting.LongWait)
	for !s.registry.Pending().IsEmpty() {
		if time.Now().After(deadline) {
			c.Fatalf("waiters never drained: %v", s.registry.Pending().SortedValues())
		}
		time.Sleep(coretesting.ShortWait)
	}
}

func (s *ServerSuite) TestStartsAlive(c *gc.C) {
	workertest.CheckAlive(c, s.server)
}

func (s *ServerSuite) TestConfigValidate(c *gc.C) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, jc.ErrorIsNil)
	defer listener.Close()
	valid := apiserver.Config{
		Listener: listener,
		Waitlist: s.waitlist,
		Registry: s.registry,
		Hub:      s.hub,
		Clock:    clock.WallClock,
	}
	c.Assert(valid.Validate(), jc.ErrorIsNil)

	type test struct {
		f      func(*apiserver.Config)
		expect string
	}
	tests := []test{{
		func(config *apiserver.Config) { config.Listener = nil },
		"nil Listener not valid",
	}, {
		func(config *apiserver.Config) { config.Waitlist = nil },
		"nil Waitlist not valid",
	}, {
		func(config *apiserver.Config) { config.Registry = nil },
		"nil Registry not valid",
	}, {
		func(config *apiserver.Config) { config.Hub = nil },
		"nil Hub not valid",
	}, {
		func(config *apiserver.Config) { config.Clock = nil },
		"nil Clock not valid",
	}}
	for i, test := range tests {
		c.Logf("test %d: %s", i, test.expect)
		config := valid
		test.f(&config)
		c.Check(config.Validate(), gc.ErrorMatches, test.expect)
	}
}

func (s *ServerSuite) TestPing(c *gc.C) {
	resp, body := s.do(c, "GET", "/ping", nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(resp.Header.Get("Content-Type"), gc.Equals, params.ContentTypeJSON)
	c.Check(resp.Header.Get(params.RequestIDHeader), gc.Not(gc.Equals), "")
	var pong params.PingResponse
	c.Assert(json.Unmarshal(body, &pong), jc.ErrorIsNil)
	c.Check(pong.Status, gc.Equals, "ok")
}

func (s *ServerSuite) TestCreateAndGetTicket(c *gc.C) {
	expiry := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
	data, err := json.Marshal(params.CreateTicketRequest{
		Scope:     "vm",
		ID:        "abc",
		ExpiresAt: expiry.Format(time.RFC3339),
		Action:    "provision",
		Extra:     map[string]interface{}{"owner": "alice"},
	})
	c.Assert(err, jc.ErrorIsNil)
	req, err := http.NewRequest("POST", s.base+"/servers/"+serverUUID+"/tickets", bytes.NewReader(data))
	c.Assert(err, jc.ErrorIsNil)
	req.Header.Set(params.RequestIDHeader, "req-e2e-1")

	resp, body := s.doRequest(c, req)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusAccepted, gc.Commentf("%s", body))
	c.Check(resp.Header.Get(params.RequestIDHeader), gc.Equals, "req-e2e-1")
	var created params.CreateTicketResponse
	c.Assert(json.Unmarshal(body, &created), jc.ErrorIsNil)
	c.Check(created.Queue, jc.DeepEquals, []string{created.UUID})

	resp, body = s.do(c, "GET", "/tickets/"+created.UUID, nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	var got params.Ticket
	c.Assert(json.Unmarshal(body, &got), jc.ErrorIsNil)
	c.Check(got.UUID, gc.Equals, created.UUID)
	c.Check(got.ServerUUID, gc.Equals, serverUUID)
	c.Check(got.Scope, gc.Equals, "vm")
	c.Check(got.ID, gc.Equals, "abc")
	c.Check(got.Status, gc.Equals, "queued")
	c.Check(got.Action, gc.Equals, "provision")
	c.Check(got.Extra, jc.DeepEquals, map[string]interface{}{"owner": "alice"})
	c.Check(got.ExpiresAt.Equal(expiry), jc.IsTrue)
	c.Check(got.ReqID, gc.Equals, "req-e2e-1")
}

func (s *ServerSuite) TestCreateTicketQueueSnapshot(c *gc.C) {
	first := s.createTicket(c, "vm", "abc")
	second := s.createTicket(c, "vm", "abc")
	c.Check(second.Queue, jc.DeepEquals, []string{first.UUID, second.UUID})

	elsewhere := s.createTicket(c, "vm", "def")
	c.Check(elsewhere.Queue, jc.DeepEquals, []string{elsewhere.UUID})
}

func (s *ServerSuite) TestCreateTicketValidation(c *gc.C) {
	path := "/servers/" + serverUUID + "/tickets"
	future := time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	bodies := []params.CreateTicketRequest{
		{},
		{Scope: "vm", ExpiresAt: future},
		{ID: "abc", ExpiresAt: future},
		{Scope: "vm", ID: "abc"},
		{Scope: "vm", ID: "abc", ExpiresAt: "yesterday"},
		{Scope: "vm", ID: "abc", ExpiresAt: time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)},
	}
	for i, body := range bodies {
		c.Logf("test %d: %+v", i, body)
		resp, data := s.do(c, "POST", path, body)
		s.assertErrorResponse(c, resp, data, http.StatusBadRequest, params.CodeInvalidArgument)
	}
}

func (s *ServerSuite) TestCreateTicketMalformedBody(c *gc.C) {
	req, err := http.NewRequest("POST", s.base+"/servers/"+serverUUID+"/tickets", strings.NewReader("{not json"))
	c.Assert(err, jc.ErrorIsNil)
	resp, body := s.doRequest(c, req)
	s.assertErrorResponse(c, resp, body, http.StatusBadRequest, params.CodeInvalidArgument)
}

func (s *ServerSuite) TestCreateTicketBadServerUUID(c *gc.C) {
	resp, body := s.do(c, "POST", "/servers/not-a-uuid/tickets", params.CreateTicketRequest{
		Scope:     "vm",
		ID:        "abc",
		ExpiresAt: time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	})
	s.assertErrorResponse(c, resp, body, http.StatusBadRequest, params.CodeInvalidArgument)
}

func (s *ServerSuite) TestGetTicketNotFound(c *gc.C) {
	resp, body := s.do(c, "GET", "/tickets/"+unknownUUID, nil)
	s.assertErrorResponse(c, resp, body, http.StatusNotFound, params.CodeNotFound)
}

func (s *ServerSuite) TestGetTicketBadUUID(c *gc.C) {
	resp, body := s.do(c, "GET", "/tickets/not-a-uuid", nil)
	s.assertErrorResponse(c, resp, body, http.StatusBadRequest, params.CodeInvalidArgument)
}

func (s *ServerSuite) TestListTickets(c *gc.C) {
	t1 := s.createTicket(c, "vm", "abc")
	t2 := s.createTicket(c, "vm", "def")
	t3 := s.createTicket(c, "disk", "abc")
	s.do(c, "POST", "/servers/"+otherServerUUID+"/tickets", params.CreateTicketRequest{
		Scope:     "vm",
		ID:        "abc",
		ExpiresAt: time.Now().Add(time.Minute).UTC().Format(time.RFC3339),
	})

	resp, body := s.do(c, "GET", "/servers/"+serverUUID+"/tickets", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	var got []params.Ticket
	c.Assert(json.Unmarshal(body, &got), jc.ErrorIsNil)
	c.Assert(got, gc.HasLen, 3)
	c.Check(got[0].UUID, gc.Equals, t1.UUID)
	c.Check(got[1].UUID, gc.Equals, t2.UUID)
	c.Check(got[2].UUID, gc.Equals, t3.UUID)

	resp, body = s.do(c, "GET", "/servers/"+serverUUID+"/tickets?limit=2", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Assert(json.Unmarshal(body, &got), jc.ErrorIsNil)
	c.Check(got, gc.HasLen, 2)

	resp, body = s.do(c, "GET", "/servers/"+serverUUID+"/tickets?offset=2", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Assert(json.Unmarshal(body, &got), jc.ErrorIsNil)
	c.Assert(got, gc.HasLen, 1)
	c.Check(got[0].UUID, gc.Equals, t3.UUID)

	resp, body = s.do(c, "GET", "/servers/"+serverUUID+"/tickets?order=DESC", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Assert(json.Unmarshal(body, &got), jc.ErrorIsNil)
	c.Assert(got, gc.HasLen, 3)
	c.Check(got[0].UUID, gc.Equals, t3.UUID)

	resp, body = s.do(c, "GET", "/servers/"+serverUUID+"/tickets?attribute=scope&order=ASC", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Assert(json.Unmarshal(body, &got), jc.ErrorIsNil)
	c.Assert(got, gc.HasLen, 3)
	c.Check(got[0].Scope, gc.Equals, "disk")
}

func (s *ServerSuite) TestListTicketsEmpty(c *gc.C) {
	resp, body := s.do(c, "GET", "/servers/"+serverUUID+"/tickets", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(string(body), gc.Equals, "[]")
}

func (s *ServerSuite) TestListTicketsValidation(c *gc.C) {
	queries := []string{
		"limit=abc",
		"limit=0",
		"limit=-5",
		"limit=07",
		"limit=1001",
		"offset=-1",
		"offset=x",
		"order=sideways",
	}
	for i, query := range queries {
		c.Logf("test %d: %s", i, query)
		resp, body := s.do(c, "GET", "/servers/"+serverUUID+"/tickets?"+query, nil)
		s.assertErrorResponse(c, resp, body, http.StatusBadRequest, params.CodeInvalidArgument)
	}
}

func (s *ServerSuite) TestDeleteTicket(c *gc.C) {
	t := s.createTicket(c, "vm", "abc")

	resp, _ := s.do(c, "DELETE", "/tickets/"+t.UUID, nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusNoContent)

	resp, body := s.do(c, "GET", "/tickets/"+t.UUID, nil)
	s.assertErrorResponse(c, resp, body, http.StatusNotFound, params.CodeNotFound)

	resp, body = s.do(c, "DELETE", "/tickets/"+t.UUID, nil)
	s.assertErrorResponse(c, resp, body, http.StatusNotFound, params.CodeNotFound)
}

func (s *ServerSuite) TestDeleteServerTickets(c *gc.C) {
	s.createTicket(c, "vm", "abc")
	s.createTicket(c, "vm", "def")

	resp, body := s.do(c, "DELETE", "/servers/"+serverUUID+"/tickets", nil)
	s.assertErrorResponse(c, resp, body, http.StatusPreconditionFailed, params.CodePreconditionFailed)

	resp, _ = s.do(c, "DELETE", "/servers/"+serverUUID+"/tickets?force=true", nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusNoContent)

	resp, body = s.do(c, "GET", "/servers/"+serverUUID+"/tickets", nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(string(body), gc.Equals, "[]")
}

func (s *ServerSuite) TestReleaseTicket(c *gc.C) {
	t := s.createTicket(c, "vm", "abc")

	resp, _ := s.do(c, "PUT", "/tickets/"+t.UUID+"/release", nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusNoContent)

	resp, body := s.do(c, "GET", "/tickets/"+t.UUID, nil)
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	var got params.Ticket
	c.Assert(json.Unmarshal(body, &got), jc.ErrorIsNil)
	c.Check(got.Status, gc.Equals, "finished")

	// Releasing a terminal ticket is a no-op.
	resp, _ = s.do(c, "PUT", "/tickets/"+t.UUID+"/release", nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusNoContent)
}

func (s *ServerSuite) TestReleaseTicketNotFound(c *gc.C) {
	resp, body := s.do(c, "PUT", "/tickets/"+unknownUUID+"/release", nil)
	s.assertErrorResponse(c, resp, body, http.StatusNotFound, params.CodeNotFound)
}

func (s *ServerSuite) TestWaitResolvedByRelease(c *gc.C) {
	t := s.createTicket(c, "vm", "abc")
	result := s.waitAsync(t.UUID)
	s.waitRegistered(c, t.UUID)

	resp, _ := s.do(c, "PUT", "/tickets/"+t.UUID+"/release", nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusNoContent)

	select {
	case status := <-result:
		c.Check(status, gc.Equals, http.StatusNoContent)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("wait never returned")
	}
}

func (s *ServerSuite) TestWaitActiveTicketReturnsImmediately(c *gc.C) {
	created := s.createTicket(c, "vm", "abc")
	t, err := s.waitlist.Ticket(created.UUID)
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.waitlist.ActivateTicket(t)
	c.Assert(err, jc.ErrorIsNil)

	resp, _ := s.do(c, "GET", "/tickets/"+created.UUID+"/wait", nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusNoContent)
}

func (s *ServerSuite) TestWaitUnknownTicket(c *gc.C) {
	resp, body := s.do(c, "GET", "/tickets/"+unknownUUID+"/wait", nil)
	s.assertErrorResponse(c, resp, body, http.StatusNotFound, params.CodeNotFound)
}

func (s *ServerSuite) TestWaitClientDisconnect(c *gc.C) {
	t := s.createTicket(c, "vm", "abc")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", s.base+"/tickets/"+t.UUID+"/wait", nil)
	c.Assert(err, jc.ErrorIsNil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err := s.client.Do(req)
		if err == nil {
			resp.Body.Close()
		}
	}()
	s.waitRegistered(c, t.UUID)

	cancel()
	select {
	case <-done:
	case <-time.After(coretesting.LongWait):
		c.Fatalf("cancelled request never returned")
	}
	s.waitDrained(c)
}

func (s *ServerSuite) TestWaitServerShutdown(c *gc.C) {
	t := s.createTicket(c, "vm", "abc")
	result := s.waitAsync(t.UUID)
	s.waitRegistered(c, t.UUID)

	workertest.CleanKill(c, s.server)

	select {
	case status := <-result:
		c.Check(status, gc.Equals, http.StatusInternalServerError)
	case <-time.After(coretesting.LongWait):
		c.Fatalf("wait never returned")
	}
	s.waitDrained(c)
}

func (s *ServerSuite) TestUnknownEndpoint(c *gc.C) {
	resp, body := s.do(c, "GET", "/nope", nil)
	s.assertErrorResponse(c, resp, body, http.StatusNotFound, params.CodeNotFound)
}

func (s *ServerSuite) TestMethodNotAllowed(c *gc.C) {
	resp, body := s.do(c, "POST", "/ping", nil)
	s.assertErrorResponse(c, resp, body, http.StatusMethodNotAllowed, params.CodeMethodNotAllowed)
}

func (s *ServerSuite) TestMetricsEndpoint(c *gc.C) {
	s.do(c, "GET", "/ping", nil)
	resp, body := s.do(c, "GET", "/metrics", nil)
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(string(body), jc.Contains, "nodeplane_apiserver_requests_total")
}

// conflictStore fails every guarded Put with a version conflict.
type conflictStore struct {
	store.Store
}

func (s *conflictStore) Put(bucket, key string, doc interface{}, etag string) (string, error) {
	if etag != "" {
		return "", errors.Annotatef(store.ErrVersionConflict, "object %q", key)
	}
	return s.Store.Put(bucket, key, doc, etag)
}

func (s *ServerSuite) TestReleaseConflictExhaustion(c *gc.C) {
	s.startServer(c, &conflictStore{Store: memstore.New()})
	t := s.createTicket(c, "vm", "abc")

	resp, body := s.do(c, "PUT", "/tickets/"+t.UUID+"/release", nil)
	s.assertErrorResponse(c, resp, body, http.StatusConflict, params.CodeConflict)
}

// brokenStore fails every Find.
type brokenStore struct {
	store.Store
}

func (s *brokenStore) Find(bucket string, query store.Query) ([]store.Object, error) {
	return nil, errors.Annotatef(store.ErrStoreUnavailable, "searching %q", bucket)
}

func (s *ServerSuite) TestStoreUnavailable(c *gc.C) {
	s.startServer(c, &brokenStore{Store: memstore.New()})

	resp, body := s.do(c, "GET", "/servers/"+serverUUID+"/tickets", nil)
	s.assertErrorResponse(c, resp, body, http.StatusServiceUnavailable, params.CodeStoreUnavailable)
}
