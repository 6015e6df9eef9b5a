// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package release parses and compares monitor platform releases.
//
// A release is the major.minor pair reported by the monitor API
// (apiinfo.version). The patch level never changes cloning behavior,
// with one exception around task scheduling that callers handle by
// comparing the full reported string themselves.
package release

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default error class for this package.
var Error = errs.Class("release")

// relRegex accepts "6.4", "6.4.7" and a leading "v".
var relRegex = regexp.MustCompile(`^v?([0-9]+)\.([0-9]+)(?:\.([0-9]+))?$`)

// Rel is a monitor platform release, major.minor only.
type Rel struct {
	Major int
	Minor int
}

// Known release boundaries where cloning behavior shifts.
var (
	R40 = Rel{4, 0}
	R42 = Rel{4, 2}
	R44 = Rel{4, 4}
	R50 = Rel{5, 0}
	R52 = Rel{5, 2}
	R54 = Rel{5, 4}
	R60 = Rel{6, 0}
	R62 = Rel{6, 2}
	R64 = Rel{6, 4}
	R70 = Rel{7, 0}
)

// Lowest and Highest bound the supported cloning range.
var (
	Lowest  = R40
	Highest = R70
)

// Parse parses a release out of a version string. The patch level is
// accepted and discarded.
func Parse(s string) (Rel, error) {
	m := relRegex.FindStringSubmatch(s)
	if m == nil {
		return Rel{}, Error.New("invalid release %q", s)
	}
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return Rel{}, Error.Wrap(err)
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return Rel{}, Error.Wrap(err)
	}
	return Rel{Major: major, Minor: minor}, nil
}

// MustParse parses a release and panics on failure. For constants and tests.
func MustParse(s string) Rel {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Supported reports whether r falls inside the clonable range.
func Supported(r Rel) bool {
	return r.Cmp(Lowest) >= 0 && r.Cmp(Highest) <= 0
}

// String returns the "major.minor" form.
func (r Rel) String() string {
	return fmt.Sprintf("%d.%d", r.Major, r.Minor)
}

// IsZero reports whether r is the zero release.
func (r Rel) IsZero() bool {
	return r.Major == 0 && r.Minor == 0
}

// Cmp compares two releases, returning -1, 0 or 1.
func (r Rel) Cmp(o Rel) int {
	switch {
	case r.Major < o.Major:
		return -1
	case r.Major > o.Major:
		return 1
	case r.Minor < o.Minor:
		return -1
	case r.Minor > o.Minor:
		return 1
	}
	return 0
}

// AtLeast reports whether r is o or newer.
func (r Rel) AtLeast(o Rel) bool { return r.Cmp(o) >= 0 }

// Before reports whether r is older than o.
func (r Rel) Before(o Rel) bool { return r.Cmp(o) < 0 }

// MarshalJSON encodes the release as its "major.minor" string.
func (r Rel) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts both the string form and a bare JSON number,
// which older snapshot writers emitted.
func (r *Rel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return Error.New("invalid release %s", string(data))
		}
		s = strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
