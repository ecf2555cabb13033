// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver_test

import (
	"net/http"

	"github.com/juju/errors"
	gc "gopkg.in/check.v1"

	"github.com/nodeplane/nodeplane/apiserver"
	"github.com/nodeplane/nodeplane/apiserver/params"
	"github.com/nodeplane/nodeplane/core/waiter"
	"github.com/nodeplane/nodeplane/state"
	"github.com/nodeplane/nodeplane/store"
)

type errorsSuite struct{}

var _ = gc.Suite(&errorsSuite{})

func (*errorsSuite) TestServerErrorAndStatus(c *gc.C) {
	tests := []struct {
		err    error
		code   string
		status int
	}{{
		errors.NotValidf("limit %q", "banana"),
		params.CodeInvalidArgument,
		http.StatusBadRequest,
	}, {
		errors.NewBadRequest(nil, "reading ticket body"),
		params.CodeInvalidArgument,
		http.StatusBadRequest,
	}, {
		errors.NotFoundf("ticket %q", "t1"),
		params.CodeNotFound,
		http.StatusNotFound,
	}, {
		errors.Annotate(state.ErrReleaseConflict, "releasing ticket"),
		params.CodeConflict,
		http.StatusConflict,
	}, {
		errors.Annotate(state.ErrForceRequired, "deleting all tickets"),
		params.CodePreconditionFailed,
		http.StatusPreconditionFailed,
	}, {
		errors.MethodNotAllowedf("unsupported method %q", "PATCH"),
		params.CodeMethodNotAllowed,
		http.StatusMethodNotAllowed,
	}, {
		errors.Annotate(store.ErrStoreUnavailable, "searching"),
		params.CodeStoreUnavailable,
		http.StatusServiceUnavailable,
	}, {
		errors.New("boom"),
		params.CodeInternal,
		http.StatusInternalServerError,
	}, {
		waiter.ErrRegistryStopped,
		params.CodeInternal,
		http.StatusInternalServerError,
	}, {
		// Tracing must not bury the classification.
		errors.Trace(errors.NotFoundf("ticket")),
		params.CodeNotFound,
		http.StatusNotFound,
	}}
	for i, test := range tests {
		c.Logf("test %d: %v", i, test.err)
		perr, status := apiserver.ServerErrorAndStatus(test.err)
		c.Check(perr.Code, gc.Equals, test.code)
		c.Check(perr.Message, gc.Equals, test.err.Error())
		c.Check(status, gc.Equals, test.status)
	}
}

func (*errorsSuite) TestServerErrorAndStatusNil(c *gc.C) {
	perr, status := apiserver.ServerErrorAndStatus(nil)
	c.Check(perr, gc.IsNil)
	c.Check(status, gc.Equals, http.StatusOK)
}
