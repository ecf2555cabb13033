// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing holds constants and suites shared by the test
// packages across the repository.
package testing

import (
	"github.com/juju/loggo"
	"github.com/juju/testing"
	gc "gopkg.in/check.v1"
)

// BaseSuite isolates a test from the host environment and resets
// logging around every test.
type BaseSuite struct {
	testing.IsolationSuite
}

func (s *BaseSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	loggo.ResetLogging()
	s.AddCleanup(func(*gc.C) { loggo.ResetLogging() })
}
