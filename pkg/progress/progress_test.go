// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package progress_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/monclone/monclone/pkg/progress"
)

func TestLogged(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := progress.Logged(zap.New(core))

	p.Say("cloning version %s", "abc")
	c := p.Start("hosts", 3)
	c.Increment()
	c.Increment()
	c.Finish()

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "cloning version abc", entries[0].Message)
	assert.Equal(t, "hosts", entries[1].Message)
	assert.Equal(t, int64(2), entries[1].ContextMap()["done"])
	assert.Equal(t, int64(3), entries[1].ContextMap()["total"])
}

func TestTerminalSay(t *testing.T) {
	var sb strings.Builder
	p := progress.Terminal(&sb)
	p.Say("store: %s", "redis")
	assert.Equal(t, "store: redis\n", sb.String())
}

func TestQuiet(t *testing.T) {
	p := progress.Quiet()
	p.Say("nothing %d", 1)
	c := p.Start("hosts", 10)
	c.Increment()
	c.Finish()
}
