// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package teststore

import (
	"testing"

	"github.com/monclone/monclone/storage/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, New())
}
