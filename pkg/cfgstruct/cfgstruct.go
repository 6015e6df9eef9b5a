// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package cfgstruct turns annotated configuration structs into
// command-line flags.
//
// Every exported leaf field becomes a flag named by its lowercased,
// hyphenated field path (BatchLimit inside Store becomes
// store.batch-limit). The `help` tag is the usage string; `default`
// (overridable per defaults set with `devDefault`/`releaseDefault`)
// carries the literal default, with $CONFDIR expanded. `hidden`,
// `user` and `setup` tags become flag annotations the config writer
// inspects; `internal` fields never become flags and load from the
// configuration file only.
package cfgstruct

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// BindOpt adjusts how Bind interprets a config struct.
type BindOpt func(*bindState)

type bindState struct {
	vars     map[string]string
	defaults string
	setup    bool
}

// ConfDir sets what $CONFDIR expands to inside default tags.
func ConfDir(path string) BindOpt {
	return func(s *bindState) { s.vars["CONFDIR"] = path }
}

// UseDefaults selects which defaults set tagged fields take, "dev" or
// "release".
func UseDefaults(kind string) BindOpt {
	return func(s *bindState) { s.defaults = kind }
}

// DefaultsType returns the defaults set this process runs with: the
// raw --defaults argument if present, else the MONCLONE_DEFAULTS
// environment variable, else "release". Scanned from os.Args directly
// because binds happen before flag parsing.
func DefaultsType() string {
	if v, ok := argValue("defaults"); ok {
		return strings.ToLower(v)
	}
	if v := os.Getenv("MONCLONE_DEFAULTS"); v != "" {
		return strings.ToLower(v)
	}
	return "release"
}

// DefaultsFlag registers the --defaults flag on cmd and returns the
// BindOpt carrying its eagerly scanned value.
func DefaultsFlag(cmd *cobra.Command) BindOpt {
	kind := DefaultsType()
	cmd.PersistentFlags().String("defaults", kind,
		"which defaults to use: 'dev' or 'release'")
	_ = cmd.PersistentFlags().SetAnnotation("defaults", "setup", []string{"true"})
	return UseDefaults(kind)
}

// SetupFlag registers an early persistent string flag on cmd and scans
// the raw arguments for it immediately, so main can use the value
// while computing bind defaults for everything else.
func SetupFlag(log *zap.Logger, cmd *cobra.Command, value *string, name, def, usage string) {
	cmd.PersistentFlags().StringVar(value, name, def, usage)
	if err := cmd.PersistentFlags().SetAnnotation(name, "setup", []string{"true"}); err != nil {
		log.Error("failed to set setup annotation",
			zap.String("flag", name), zap.Error(err))
	}
	if v, ok := argValue(name); ok {
		*value = v
	}
}

// argValue scans os.Args for --name value or --name=value.
func argValue(name string) (string, bool) {
	value, found := "", false
	for i, arg := range os.Args {
		if v, ok := strings.CutPrefix(arg, "--"+name+"="); ok {
			value, found = v, true
		} else if arg == "--"+name && i+1 < len(os.Args) {
			value, found = os.Args[i+1], true
		}
	}
	return value, found
}

// Bind registers flags on flags for every bindable field of config,
// which must be a pointer to a struct.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	bind(flags, config, false, opts...)
}

// BindSetup is Bind including the fields tagged setup:"true", which
// only setup-style commands expose.
func BindSetup(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	bind(flags, config, true, opts...)
}

func bind(flags *pflag.FlagSet, config interface{}, setup bool, opts ...BindOpt) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr || ptr.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type %T, expected pointer to struct", config))
	}
	state := &bindState{
		vars:     map[string]string{},
		defaults: "release",
		setup:    setup,
	}
	for _, opt := range opts {
		opt(state)
	}
	bindStruct(flags, "", ptr.Elem(), state)
}

func bindStruct(flags *pflag.FlagSet, prefix string, val reflect.Value, state *bindState) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field, fieldval := typ.Field(i), val.Field(i)
		if field.PkgPath != "" {
			continue
		}
		if field.Tag.Get("internal") == "true" {
			continue
		}
		if fieldval.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			next := prefix
			if !field.Anonymous {
				next += hyphenate(field.Name) + "."
			}
			bindStruct(flags, next, fieldval, state)
			continue
		}
		if field.Tag.Get("setup") == "true" && !state.setup {
			continue
		}

		name := prefix + hyphenate(field.Name)
		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		if state.defaults == "dev" {
			if v, ok := field.Tag.Lookup("devDefault"); ok {
				def = v
			}
		} else if v, ok := field.Tag.Lookup("releaseDefault"); ok {
			def = v
		}
		def = os.Expand(def, func(key string) string { return state.vars[key] })

		switch v := fieldval.Addr().Interface().(type) {
		case *string:
			flags.StringVar(v, name, def, help)
		case *bool:
			flags.BoolVar(v, name, parseBool(name, def), help)
		case *int:
			flags.IntVar(v, name, int(parseInt(name, def)), help)
		case *int64:
			flags.Int64Var(v, name, parseInt(name, def), help)
		case *uint64:
			flags.Uint64Var(v, name, parseUint(name, def), help)
		case *float64:
			flags.Float64Var(v, name, parseFloat(name, def), help)
		case *time.Duration:
			flags.DurationVar(v, name, parseDuration(name, def), help)
		case *[]string:
			var slice []string
			if def != "" {
				slice = strings.Split(def, ",")
			}
			flags.StringSliceVar(v, name, slice, help)
		default:
			panic(fmt.Sprintf("unbindable field type %s for flag %s", field.Type, name))
		}

		if field.Tag.Get("hidden") == "true" {
			_ = flags.MarkHidden(name)
			_ = flags.SetAnnotation(name, "hidden", []string{"true"})
		}
		if field.Tag.Get("user") == "true" {
			_ = flags.SetAnnotation(name, "user", []string{"true"})
		}
		if field.Tag.Get("setup") == "true" {
			_ = flags.SetAnnotation(name, "setup", []string{"true"})
		}
	}
}

// hyphenate lowercases a CamelCase field name, separating words with
// hyphens: BatchLimit -> batch-limit, APIToken -> api-token.
func hyphenate(name string) string {
	runes := []rune(name)
	var out []rune
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) ||
				(unicode.IsUpper(prev) && nextLower) {
				out = append(out, '-')
			}
		}
		out = append(out, unicode.ToLower(r))
	}
	return string(out)
}

func parseBool(name, def string) bool {
	if def == "" {
		return false
	}
	v, err := strconv.ParseBool(def)
	if err != nil {
		panic(fmt.Sprintf("invalid bool default for %s: %q", name, def))
	}
	return v
}

func parseInt(name, def string) int64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseInt(def, 0, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid integer default for %s: %q", name, def))
	}
	return v
}

func parseUint(name, def string) uint64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseUint(def, 0, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid unsigned default for %s: %q", name, def))
	}
	return v
}

func parseFloat(name, def string) float64 {
	if def == "" {
		return 0
	}
	v, err := strconv.ParseFloat(def, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float default for %s: %q", name, def))
	}
	return v
}

func parseDuration(name, def string) time.Duration {
	if def == "" {
		return 0
	}
	v, err := time.ParseDuration(def)
	if err != nil {
		panic(fmt.Sprintf("invalid duration default for %s: %q", name, def))
	}
	return v
}
