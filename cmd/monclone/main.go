// Copyright (C) 2025 Monclone Authors.
// See LICENSE for copying information.

// monclone replicates the configuration of a monitor node: a master
// run captures the node into a versioned snapshot on a store, worker
// and replica runs apply a stored version to their node.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/monclone/monclone/pkg/cfgstruct"
	"github.com/monclone/monclone/pkg/clone"
	"github.com/monclone/monclone/pkg/monitor"
	"github.com/monclone/monclone/pkg/process"
	"github.com/monclone/monclone/pkg/progress"
	"github.com/monclone/monclone/storage"
	"github.com/monclone/monclone/storage/storelogger"

	// store backends register themselves on import
	_ "github.com/monclone/monclone/storage/boltstore"
	_ "github.com/monclone/monclone/storage/direct"
	_ "github.com/monclone/monclone/storage/dynamo"
	_ "github.com/monclone/monclone/storage/filestore"
	_ "github.com/monclone/monclone/storage/redis"
)

// Config is the full settings tree of the monclone binary.
type Config struct {
	Monitor monitor.Config
	Store   storage.Config
	Clone   clone.Config

	Quiet bool `help:"suppress run output" default:"false"`
	Yes   bool `help:"skip the confirmation prompt" default:"false"`
}

var (
	rootCmd = &cobra.Command{
		Use:   "monclone",
		Short: "Version aware monitor configuration replication",
	}
	cloneCmd = &cobra.Command{
		Use:   "clone",
		Short: "Run the configured role against the node",
		RunE:  cmdClone,
	}
	showVersionsCmd = &cobra.Command{
		Use:   "showversions",
		Short: "List the versions on the store",
		RunE:  cmdShowVersions,
	}
	showDataCmd = &cobra.Command{
		Use:   "showdata",
		Short: "List the records of one version",
		RunE:  cmdShowData,
	}
	deleteVersionCmd = &cobra.Command{
		Use:   "deleteversion",
		Short: "Remove one version and its records from the store",
		RunE:  cmdDeleteVersion,
	}
	clearStoreCmd = &cobra.Command{
		Use:   "clearstore",
		Short: "Wipe the store",
		RunE:  cmdClearStore,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create a configuration file from the current settings",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}

	runCfg   Config
	setupCfg Config

	confDir string

	showIDOnly  bool
	showVersion string
	showMethod  string
	showName    string
	clearScope  string
)

func init() {
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir",
		process.DefaultConfDir, "main directory for monclone configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)

	rootCmd.AddCommand(cloneCmd, showVersionsCmd, showDataCmd,
		deleteVersionCmd, clearStoreCmd, setupCmd)

	for _, cmd := range []*cobra.Command{
		cloneCmd, showVersionsCmd, showDataCmd, deleteVersionCmd, clearStoreCmd,
	} {
		cfgstruct.Bind(cmd.Flags(), &runCfg, defaults, cfgstruct.ConfDir(confDir))
	}
	cfgstruct.BindSetup(setupCmd.Flags(), &setupCfg, defaults, cfgstruct.ConfDir(confDir))

	showVersionsCmd.Flags().BoolVar(&showIDOnly, "id-only", false,
		"print version ids only")
	showDataCmd.Flags().BoolVar(&showIDOnly, "id-only", false,
		"print data ids only")
	showDataCmd.Flags().StringVar(&showVersion, "version", "",
		"version to list, empty means the newest")
	showDataCmd.Flags().StringVar(&showMethod, "method", "",
		"only records of this kind")
	showDataCmd.Flags().StringVar(&showName, "name", "",
		"only records whose name contains this")
	deleteVersionCmd.Flags().StringVar(&showVersion, "version", "",
		"version to delete")
	clearStoreCmd.Flags().StringVar(&clearScope, "scope", "all",
		"what to wipe: all, versions or data")
}

func main() {
	process.Exec(rootCmd)
}

// presenter picks where run output goes: nowhere when quiet, the
// terminal when one is attached, the logger otherwise.
func presenter(log *zap.Logger) progress.Presenter {
	if runCfg.Quiet {
		return progress.Quiet()
	}
	if info, err := os.Stdout.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
		return progress.Terminal(os.Stdout)
	}
	return progress.Logged(log)
}

// confirmed asks before a mutating run. --yes skips the prompt; a quiet
// run without --yes declines, so unattended runs never mutate by
// accident.
func confirmed(action string) bool {
	if runCfg.Yes {
		return true
	}
	if runCfg.Quiet {
		return false
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", action)
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// loadMaterial reads the config-file-only blocks: secrets and the
// structured routing material that never makes sense as flags.
func loadMaterial(cmd *cobra.Command) (clone.Material, error) {
	vip, err := process.Viper(cmd)
	if err != nil {
		return clone.Material{}, err
	}
	var material clone.Material
	if err := vip.Unmarshal(&material); err != nil {
		return clone.Material{}, err
	}
	runCfg.Monitor.PlatformPassword = vip.GetString("platform_password")
	return material, nil
}

// openStore opens the configured backend wrapped in the logging
// decorator.
func openStore(ctx context.Context, log *zap.Logger) (storage.Store, error) {
	store, err := storage.Open(ctx, log.Named("store"), runCfg.Store)
	if err != nil {
		return nil, err
	}
	return storelogger.New(log.Named("store"), store), nil
}

// connectMonitor dials and authenticates the configured node.
func connectMonitor(ctx context.Context, log *zap.Logger) (*monitor.Client, error) {
	client := monitor.New(log.Named("monitor"), runCfg.Monitor)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// failFor maps an error onto the process exit code contract: 2 for
// auth and version preconditions, 3 for store failures, 255 for a
// section that could not complete, 254 for everything else.
func failFor(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case clone.ErrPrecondition.Has(err), monitor.ErrAuth.Has(err):
		return process.Fail(2, err)
	case clone.ErrStore.Has(err), storage.Error.Has(err), storage.ErrVersionNotFound.Has(err):
		return process.Fail(3, err)
	case clone.ErrSection.Has(err):
		return process.Fail(255, err)
	}
	return process.Fail(254, err)
}
