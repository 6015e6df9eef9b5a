// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// Package process owns the glue every monclone binary shares: flag and
// environment handling, configuration file layering, logger setup, the
// debug endpoint and process exit codes.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	yaml "gopkg.in/yaml.v2"
)

var (
	// Error is the default error class for this package.
	Error = errs.Class("process")

	mon = monkit.Package()
)

// Configuration file locations. The base file sits in the config
// directory; the overlay carries node-local overrides and only wins
// for keys the base already sets.
const (
	DefaultCfgFilename = "monclone.conf"
	DefaultConfDir     = "/etc/monclone"
	DefaultOverlayFile = "/var/lib/monclone/conf.d/monclone.conf"

	defaultEnvPrefix = "monclone"
)

var (
	contextMtx sync.Mutex
	contexts   = map[*cobra.Command]context.Context{}
)

// Ctx returns the signal-aware context Exec installed for cmd.
func Ctx(cmd *cobra.Command) context.Context {
	contextMtx.Lock()
	defer contextMtx.Unlock()
	if ctx, ok := contexts[cmd]; ok {
		return ctx
	}
	return context.Background()
}

// Exec runs a root command with the shared process environment:
// command-line flags joined with the stdlib flag set, MONCLONE_*
// environment variables, the layered configuration files, the process
// logger and the debug endpoint. Commands read their context through
// Ctx. The process exits with the code attached via Fail, or 1.
func Exec(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config-file",
		"", "read this configuration file instead of the default locations")
	cmd.PersistentFlags().Bool("no-config-files",
		false, "ignore all configuration files")
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cleanup(cmd)
	cmd.SilenceUsage = true

	err := cmd.Execute()
	if err == nil {
		return
	}
	var coded *exitCodeError
	if errors.As(err, &coded) {
		os.Exit(coded.code)
	}
	os.Exit(1)
}

// Fail tags err so the process terminates with the given exit code.
func Fail(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{code: code, err: err}
}

type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

// cleanup wraps every RunE in the command tree with the environment
// bootstrap: settings propagation, logging and the signal context.
func cleanup(cmd *cobra.Command) {
	for _, ccmd := range cmd.Commands() {
		cleanup(ccmd)
	}
	if cmd.Run != nil {
		panic("commands must use RunE")
	}
	internalRun := cmd.RunE
	if internalRun == nil {
		return
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		ctx := context.Background()
		defer mon.TaskNamed("root")(&ctx)(&err)

		vip, err := Viper(cmd)
		if err != nil {
			return err
		}
		if err := propagate(cmd.Flags(), vip); err != nil {
			return err
		}

		logger, err := NewLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		defer zap.ReplaceGlobals(logger)()
		defer zap.RedirectStdLog(logger)()

		if err := initDebug(logger, monkit.Default); err != nil {
			logger.Error("failed to start debug endpoints", zap.Error(err))
		}

		var cancel context.CancelFunc
		ctx, cancel = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer cancel()

		contextMtx.Lock()
		contexts[cmd] = ctx
		contextMtx.Unlock()
		defer func() {
			contextMtx.Lock()
			delete(contexts, cmd)
			contextMtx.Unlock()
		}()

		return internalRun(cmd, args)
	}
}

// Viper returns the layered settings for cmd: command line over
// MONCLONE_* environment variables over the configuration files over
// flag defaults.
func Viper(cmd *cobra.Command) (*viper.Viper, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return nil, Error.Wrap(err)
	}
	vip.SetEnvPrefix(defaultEnvPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()
	if err := loadConfigFiles(cmd, vip); err != nil {
		return nil, Error.Wrap(err)
	}
	return vip, nil
}

// propagate copies viper-resolved settings into every flag the command
// line left untouched, so environment variables and config files
// behave exactly like flags.
func propagate(flags *pflag.FlagSet, vip *viper.Viper) error {
	var group errs.Group
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed || !vip.IsSet(f.Name) {
			return
		}
		switch f.Value.Type() {
		case "stringSlice", "stringArray":
			values := vip.GetStringSlice(f.Name)
			group.Add(f.Value.Set(strings.Join(values, ",")))
		default:
			group.Add(f.Value.Set(vip.GetString(f.Name)))
		}
	})
	return group.Err()
}

// loadConfigFiles merges the configuration files into vip. An explicit
// --config-file replaces the default locations and must exist; the
// default base file and overlay are optional.
func loadConfigFiles(cmd *cobra.Command, vip *viper.Viper) error {
	if flagValue(cmd, "no-config-files") == "true" {
		return nil
	}

	if explicit := flagValue(cmd, "config-file"); explicit != "" {
		settings, err := readConfigFile(explicit)
		if err != nil {
			return err
		}
		return vip.MergeConfigMap(settings)
	}

	confDir := os.ExpandEnv(flagValue(cmd, "config-dir"))
	if confDir == "" {
		confDir = DefaultConfDir
	}
	settings, err := readConfigFile(filepath.Join(confDir, DefaultCfgFilename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	overlay, err := readConfigFile(DefaultOverlayFile)
	switch {
	case err == nil:
		// The overlay only overrides keys the base already sets.
		for key, value := range overlay {
			if _, ok := settings[key]; ok {
				settings[key] = value
			}
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	return vip.MergeConfigMap(settings)
}

// readConfigFile parses one configuration file: yaml when the
// extension says so, otherwise JSON (the .conf default).
func readConfigFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	settings := map[string]interface{}{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, Error.New("malformed configuration %s: %v", path, err)
		}
		for key, value := range settings {
			settings[key] = stringifyKeys(value)
		}
	default:
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, Error.New("malformed configuration %s: %v", path, err)
		}
	}
	return settings, nil
}

// stringifyKeys rewrites the map[interface{}]interface{} trees the
// yaml decoder produces into the map[string]interface{} form viper
// understands.
func stringifyKeys(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[fmt.Sprint(k)] = stringifyKeys(v)
		}
		return out
	case map[string]interface{}:
		for k, v := range typed {
			typed[k] = stringifyKeys(v)
		}
		return typed
	case []interface{}:
		for i, v := range typed {
			typed[i] = stringifyKeys(v)
		}
		return typed
	}
	return value
}

func flagValue(cmd *cobra.Command, name string) string {
	f := cmd.Flags().Lookup(name)
	if f == nil {
		return ""
	}
	return f.Value.String()
}
