// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package progress is the single place run output for operators is
// produced. The engine reports through a Presenter; whether that turns
// into a terminal progress bar, log lines or nothing is decided once,
// by the command front end.
package progress

import (
	"fmt"
	"io"
	"sync/atomic"

	progressbar "github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"
)

// Presenter receives human-facing run output. Implementations must be
// safe for concurrent Counter use; hosts are reconciled in parallel.
type Presenter interface {
	// Say prints one line of run information.
	Say(format string, args ...any)
	// Start opens a counted phase with a known total.
	Start(title string, total int64) Counter
}

// Counter ticks a phase along. Finish must be called exactly once.
type Counter interface {
	Increment()
	Finish()
}

// Terminal renders progress bars and plain lines to w. Use only when w
// is an interactive terminal.
func Terminal(w io.Writer) Presenter { return &terminal{w: w} }

type terminal struct {
	w io.Writer
}

func (t *terminal) Say(format string, args ...any) {
	fmt.Fprintf(t.w, format+"\n", args...)
}

func (t *terminal) Start(title string, total int64) Counter {
	bar := progressbar.New64(total).SetWriter(t.w)
	bar.Set("prefix", title+" ")
	return &terminalCounter{bar: bar.Start()}
}

type terminalCounter struct {
	bar *progressbar.ProgressBar
}

func (c *terminalCounter) Increment() { c.bar.Increment() }
func (c *terminalCounter) Finish()    { c.bar.Finish() }

// Logged reports phases through a logger instead of drawing. The
// choice for non-interactive runs.
func Logged(log *zap.Logger) Presenter { return &logged{log: log} }

type logged struct {
	log *zap.Logger
}

func (l *logged) Say(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}

func (l *logged) Start(title string, total int64) Counter {
	return &loggedCounter{log: l.log, title: title, total: total}
}

type loggedCounter struct {
	log   *zap.Logger
	title string
	total int64
	done  atomic.Int64
}

func (c *loggedCounter) Increment() { c.done.Add(1) }

func (c *loggedCounter) Finish() {
	c.log.Info(c.title,
		zap.Int64("done", c.done.Load()),
		zap.Int64("total", c.total))
}

// Quiet swallows everything. Used for --quiet runs and in tests.
func Quiet() Presenter { return quiet{} }

type quiet struct{}

func (quiet) Say(string, ...any) {}

func (quiet) Start(string, int64) Counter { return quietCounter{} }

type quietCounter struct{}

func (quietCounter) Increment() {}
func (quietCounter) Finish()    {}
