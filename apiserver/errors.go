// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/juju/errors"

	"github.com/nodeplane/nodeplane/apiserver/params"
	"github.com/nodeplane/nodeplane/state"
	"github.com/nodeplane/nodeplane/store"
)

// ServerErrorAndStatus converts an error into a wire error and the
// HTTP status code the response should carry.
func ServerErrorAndStatus(err error) (*params.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}
	perr := &params.Error{
		Message: err.Error(),
		Code:    errorCode(err),
	}
	status := http.StatusInternalServerError
	switch perr.Code {
	case params.CodeInvalidArgument:
		status = http.StatusBadRequest
	case params.CodeNotFound:
		status = http.StatusNotFound
	case params.CodeConflict:
		status = http.StatusConflict
	case params.CodePreconditionFailed:
		status = http.StatusPreconditionFailed
	case params.CodeMethodNotAllowed:
		status = http.StatusMethodNotAllowed
	case params.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	return perr, status
}

func errorCode(err error) string {
	cause := errors.Cause(err)
	switch {
	case errors.IsNotValid(cause), errors.IsBadRequest(cause):
		return params.CodeInvalidArgument
	case errors.IsNotFound(cause):
		return params.CodeNotFound
	case state.IsReleaseConflict(cause):
		return params.CodeConflict
	case state.IsForceRequired(cause):
		return params.CodePreconditionFailed
	case errors.IsMethodNotAllowed(cause):
		return params.CodeMethodNotAllowed
	case store.IsStoreUnavailable(cause):
		return params.CodeStoreUnavailable
	}
	return params.CodeInternal
}

// sendError sends a JSON-encoded error response. The waiting and
// store-contention codes are expected operational noise, so only
// genuinely unclassified errors get logged loudly.
func sendError(w http.ResponseWriter, req *http.Request, err error) error {
	perr, status := ServerErrorAndStatus(err)
	if perr.Code == params.CodeInternal {
		logger.Errorf("returning error from %s %s: %s", req.Method, req.URL.Path, errors.Details(err))
	} else {
		logger.Debugf("returning error from %s %s: %s", req.Method, req.URL.Path, err)
	}
	return errors.Trace(sendStatusAndJSON(w, status, &params.ErrorResponse{Error: perr}))
}

// sendStatusAndJSON writes the response with the given status code.
func sendStatusAndJSON(w http.ResponseWriter, statusCode int, response interface{}) error {
	body, err := json.Marshal(response)
	if err != nil {
		return errors.Annotatef(err, "cannot marshal JSON result %#v", response)
	}
	w.Header().Set("Content-Type", params.ContentTypeJSON)
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		return errors.Annotate(err, "cannot write response")
	}
	return nil
}
