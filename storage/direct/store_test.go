// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package direct_test

import (
	"testing"

	"github.com/monclone/monclone/storage/direct"
	"github.com/monclone/monclone/storage/testsuite"
)

func TestSuite(t *testing.T) {
	testsuite.RunTests(t, direct.New())
}
