// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/nodeplane/nodeplane/state"
)

// The server-side half of the list parameter rules; bounds and
// membership checks live with the queue manager, which enforces them
// for every caller, not just HTTP ones.
var (
	limitPattern  = regexp.MustCompile(`^[1-9][0-9]*$`)
	offsetPattern = regexp.MustCompile(`^([1-9][0-9]*|0)$`)
)

func parseListParams(query url.Values) (state.ListParams, error) {
	var p state.ListParams
	if raw := query.Get("limit"); raw != "" {
		if !limitPattern.MatchString(raw) {
			return state.ListParams{}, errors.NotValidf("limit %q", raw)
		}
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return state.ListParams{}, errors.NotValidf("limit %q", raw)
		}
		p.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		if !offsetPattern.MatchString(raw) {
			return state.ListParams{}, errors.NotValidf("offset %q", raw)
		}
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return state.ListParams{}, errors.NotValidf("offset %q", raw)
		}
		p.Offset = offset
	}
	p.Attribute = strings.TrimSpace(query.Get("attribute"))
	p.Order = strings.TrimSpace(query.Get("order"))
	return p, nil
}

var createTicketChecker = schema.FieldMap(
	schema.Fields{
		"scope":      schema.NonEmptyString("scope"),
		"id":         schema.NonEmptyString("id"),
		"expires_at": schema.Time(),
		"action":     schema.String(),
		"extra":      schema.StringMap(schema.Any()),
	},
	schema.Defaults{
		"action": "",
		"extra":  schema.Omit,
	},
)

// parseCreateRequest coerces a create body into TicketArgs. The queue
// key's server half comes from the path, not the body.
func parseCreateRequest(r *http.Request) (state.TicketArgs, error) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return state.TicketArgs{}, errors.NewBadRequest(err, "reading ticket body")
	}
	coerced, err := createTicketChecker.Coerce(body, nil)
	if err != nil {
		return state.TicketArgs{}, errors.NewNotValid(err, "ticket body")
	}
	valid := coerced.(map[string]interface{})
	args := state.TicketArgs{
		Scope:     valid["scope"].(string),
		ID:        valid["id"].(string),
		Action:    valid["action"].(string),
		ExpiresAt: valid["expires_at"].(time.Time),
	}
	if extra, set := valid["extra"]; set {
		args.Extra = extra.(map[string]interface{})
	}
	return args, nil
}
