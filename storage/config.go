// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

package storage

import "time"

// Config carries the backend selection and connection parameters. The
// meaning of the connection fields depends on the backend.
type Config struct {
	Type       string        `help:"store backend: file, redis, dydb, direct, or a registered extension (aliases: kv-memory, kv-table)" default:"file"`
	Endpoint   string        `help:"store endpoint: dydb(aws region), redis(host), direct(master api url)" default:""`
	Port       string        `help:"store port, redis only" default:"6379"`
	Access     string        `help:"store access id: dydb(aws access key id), direct(master node name)" default:""`
	Credential string        `help:"store credential: dydb(aws secret key), redis(password), direct(master api token)" default:""`
	Path       string        `help:"directory of the file store, platform default when empty" default:""`
	BatchLimit int           `help:"write burst size for rate limited backends" default:"10"`
	BatchWait  time.Duration `help:"pause between write bursts" default:"2s"`
}

// Table names shared by the table shaped backends.
const (
	VersionTable = "MC_VERSION"
	DataTable    = "MC_DATA"
)
