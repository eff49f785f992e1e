// Copyright © 2026 Genome Research Limited
//
//  This file is part of jobdriver.
//
//  jobdriver is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  jobdriver is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with jobdriver. If not, see <http://www.gnu.org/licenses/>.


package cmd

// this is the cobra file that enables subcommands and handles command-line args

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/VertebrateResequencing/jobdriver/driver"
	"github.com/VertebrateResequencing/jobdriver/internal"
	"github.com/VertebrateResequencing/jobdriver/registry"
	"github.com/fatih/color"
	"github.com/inconshreveable/log15"
	"github.com/sasha-s/go-deadlock"
	"github.com/sb10/l15h"
	"github.com/spf13/cobra"
)

// appLogger is used for logging events in our commands
var appLogger = log15.New()

// these variables are accessible by all subcommands.
var deployment string
var config internal.Config
var debug bool
var cmdOptions []string
var cmdDriver string

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "jobdriver",
	Short: "jobdriver submits, polls and kills batch system jobs.",
	Long: `jobdriver is a uniform way of running commands on a batch system.

It knows how to drive LSF, PBS/Torque and SLURM, as well as running commands
directly on the local machine. Submitted jobs are recorded, so that a later
invocation can find out what happened to them:

$ jobdriver submit --driver lsf -- myexe arg1 arg2
lsf 1234
$ jobdriver poll 1234
1234	lsf	RUNNING	node1
$ jobdriver kill 1234

Batch system specific behaviour is controlled by driver options, which can be
set in your config files (see 'jobdriver conf') or with -o KEY=VALUE. Use
'jobdriver options' to see what a driver understands.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once to
// the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		die(err.Error())
	}
}

func init() {
	// set up logging to stderr
	appLogger.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StderrHandler))

	// the driver has many locks; a deadlock should be reported, but some
	// batch system commands are slow
	deadlock.Opts.DeadlockTimeout = 5 * time.Minute

	// global flags
	RootCmd.PersistentFlags().StringVar(&deployment, "deployment", internal.DefaultDeployment(), "use production or development config")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "log debug messages, including driver details")
	RootCmd.PersistentFlags().StringArrayVarP(&cmdOptions, "option", "o", nil, "driver option as KEY=VALUE, overriding config (repeatable)")

	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config = internal.ConfigLoad(deployment, appLogger)

	if config.Options == nil {
		config.Options = make(map[string]string)
	}

	opts, err := parseOptions(cmdOptions)
	if err != nil {
		die("%s", err)
	}
	for key, value := range opts {
		config.Options[key] = value
	}

	appLogger = setupLogging(debug)
}

// parseOptions turns KEY=VALUE strings in to a map with upper-cased keys.
// Values may be empty, and may themselves contain =.
func parseOptions(opts []string) (map[string]string, error) {
	parsed := make(map[string]string, len(opts))
	for _, opt := range opts {
		parts := strings.SplitN(opt, "=", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
			return nil, fmt.Errorf("bad --option '%s'; it should be KEY=VALUE", opt)
		}
		parsed[strings.ToUpper(strings.TrimSpace(parts[0]))] = parts[1]
	}
	return parsed, nil
}

// realUsername returns the username of the current user.
func realUsername() string {
	username, err := internal.Username()
	if err != nil {
		die("could not get username: %s", err)
	}
	return username
}

// info is a convenience to log a message at the Info level.
func info(msg string, a ...interface{}) {
	appLogger.Info(fmt.Sprintf(msg, a...))
}

// warn is a convenience to log a message at the Warn level.
func warn(msg string, a ...interface{}) {
	appLogger.Warn(fmt.Sprintf(msg, a...))
}

// die is a convenience to log a message at the Error level and exit non zero.
// The message is also shown in red if stderr is a terminal.
func die(msg string, a ...interface{}) {
	msg = fmt.Sprintf(msg, a...)
	appLogger.Error(msg)
	if !color.NoColor {
		color.New(color.FgRed).Fprintln(os.Stderr, msg)
	}
	os.Exit(1)
}

// createWorkingDir ensures the main working directory is available
func createWorkingDir() {
	_, err := os.Stat(config.ManagerDir)
	if err != nil {
		if os.IsNotExist(err) {
			err = os.MkdirAll(config.ManagerDir, 0700)
			if err != nil {
				die("could not create the working directory '%s': %v", config.ManagerDir, err)
			}
		} else {
			die("could not access or create the working directory '%s': %v", config.ManagerDir, err)
		}
	}
}

// driverName is the --driver flag if given, otherwise the configured driver.
func driverName() string {
	if cmdDriver != "" {
		return cmdDriver
	}
	return config.Driver
}

// newDriver gives you a driver of the given name, with the configured
// options. Dies on error, including any bad option value.
func newDriver(name string) *driver.Driver {
	d, err := driver.New(name, config.Options, appLogger)
	if err != nil {
		die("%s", err)
	}
	return d
}

// openRegistry opens the record of jobs we have submitted. Dies on error.
func openRegistry() *registry.Registry {
	createWorkingDir()
	reg, err := registry.Open(config.RegistryPath())
	if err != nil {
		die("could not open the job registry %s: %s", config.RegistryPath(), err)
	}
	return reg
}

// closeRegistry closes reg, warning on failure.
func closeRegistry(reg *registry.Registry) {
	if err := reg.Close(); err != nil {
		warn("closing the registry failed: %s", err)
	}
}

// setupLogging is a function to provide a new logger who's logging depends on
// debug and the configured log level.
func setupLogging(debug bool) log15.Logger {
	myLogger := log15.New()
	logLevel, err := log15.LvlFromString(config.LogLevel)
	if err != nil {
		logLevel = log15.LvlWarn
	}
	if debug {
		logLevel = log15.LvlDebug
	}
	myLogger.SetHandler(log15.LvlFilterHandler(logLevel, l15h.CallerInfoHandler(log15.StderrHandler)))
	return myLogger
}
