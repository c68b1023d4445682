package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jax-b/bsdeej/pkg/deej"
)

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose     bool
	checkConfig bool
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging serial)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.BoolVar(&checkConfig, "check-config", false, "validate config.yaml, print the effective configuration and exit")
	flag.Parse()
}

func main() {
	settings, err := deej.LoadRuntimeSettings()
	if err != nil {
		panic(fmt.Sprintf("Failed to read environment: %v", err))
	}

	buildType = deej.ResolveBuildType(buildType, settings.BuildType)

	// first we need a logger
	logger, err := deej.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	named.Debugw("Runtime settings",
		"configDir", settings.ConfigDir,
		"noNotifications", settings.NoNotifications)

	// provide a fair warning if the user's running in verbose mode
	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	d, err := deej.NewDeej(logger, settings, verbose)
	if err != nil {
		named.Fatalw("Failed to create bsdeej object", "error", err)
	}

	if checkConfig {
		dump, err := d.CheckConfig()
		if err != nil {
			named.Errorw("Config check failed", "error", err)
			os.Exit(1)
		}

		fmt.Print(string(dump))
		return
	}

	// if injected by build process, set version info to show up in the logs
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		d.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	if err = d.Initialize(); err != nil {
		named.Fatalw("Failed to initialize bsdeej", "error", err)
	}
}
