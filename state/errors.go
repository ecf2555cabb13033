// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"github.com/juju/errors"
)

// ErrReleaseConflict is returned by ReleaseTicket when the write keeps
// losing optimistic-concurrency races after the full retry budget. The
// caller may simply try again.
var ErrReleaseConflict = errors.New("ticket release failed: too much contention")

// IsReleaseConflict reports whether err was caused by release retry
// exhaustion.
func IsReleaseConflict(err error) bool {
	return errors.Cause(err) == ErrReleaseConflict
}

// ErrForceRequired is returned by destructive bulk operations invoked
// without their confirmation flag.
var ErrForceRequired = errors.New("force required")

// IsForceRequired reports whether err was caused by a missing force
// flag.
func IsForceRequired(err error) bool {
	return errors.Cause(err) == ErrForceRequired
}
