// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"time"
)

const (
	// LongWait is used when something should already have happened, or
	// happens quickly, but we want to make sure we just haven't missed
	// it. Tests should never actually block this long.
	LongWait = 10 * time.Second

	// ShortWait is a reasonable amount of time to block waiting for
	// something that shouldn't actually happen; the suite really does
	// wait this long before declaring victory.
	ShortWait = 50 * time.Millisecond
)
