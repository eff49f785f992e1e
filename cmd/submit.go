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

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/VertebrateResequencing/jobdriver/driver"
	"github.com/VertebrateResequencing/jobdriver/registry"
	"github.com/spf13/cobra"
)

// options for this cmd
var cmdCPUs int
var cmdDir string
var cmdName string

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit [flags] -- executable [args...]",
	Short: "Submit a command to the batch system",
	Long: `Submit a single command to be run by the configured batch system.

Everything after -- is the command to run. The arguments are passed through
exactly, without any shell interpretation, so you do not need to worry about
quoting beyond what your own shell requires.

The job id is printed to STDOUT on success, and the job is recorded so that
you can later 'jobdriver poll' or 'jobdriver kill' it, from any invocation.

The job runs in --dir, which defaults to the current directory. A marker file
describing the job is written there.

If the batch system fails to accept the job in a way that might not happen
again, the submission is retried up to the configured maxsubmit times.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dir := cmdDir
		if dir == "" {
			var err error
			dir, err = os.Getwd()
			if err != nil {
				die("could not get the current directory: %s", err)
			}
		}
		dir, err := filepath.Abs(dir)
		if err != nil {
			die("bad --dir: %s", err)
		}

		d := newDriver(driverName())
		reg := openRegistry()
		defer closeRegistry(reg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		spec := driver.JobSpec{
			Executable: args[0],
			Args:       args[1:],
			NumCPU:     cmdCPUs,
			RunPath:    dir,
			Name:       cmdName,
		}

		h := submitWithRetries(ctx, d, spec)

		record(reg, h)

		fmt.Printf("%s %s\n", h.Driver, h.ID)
	},
}

// submitWithRetries submits spec, trying again on retryable errors until
// config.MaxSubmit attempts have been made. Dies on failure.
func submitWithRetries(ctx context.Context, d *driver.Driver, spec driver.JobSpec) *driver.Handle {
	h, err := trySubmit(ctx, d, spec)
	if err != nil {
		die("submission failed: %s", err)
	}
	return h
}

// trySubmit is like submitWithRetries, but returns the last error instead of
// dying.
func trySubmit(ctx context.Context, d *driver.Driver, spec driver.JobSpec) (*driver.Handle, error) {
	attempts := config.MaxSubmit
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		var h *driver.Handle
		h, err = d.Submit(ctx, spec)
		if err == nil {
			return h, nil
		}

		if !driver.IsRetryable(err) {
			break
		}
		info("submission attempt %d of %d failed: %s", i, attempts, err)
	}

	return nil, err
}

// record stores a newly submitted job in the registry, warning on failure.
func record(reg *registry.Registry, h *driver.Handle) {
	err := reg.Put(registry.Record{
		ID:        h.ID,
		Driver:    h.Driver,
		Name:      h.Name,
		RunPath:   h.RunPath,
		User:      realUsername(),
		Submitted: time.Now(),
		Status:    driver.Pending.String(),
	})
	if err != nil {
		warn("job %s was submitted, but could not be recorded: %s", h.ID, err)
	}
}

func init() {
	RootCmd.AddCommand(submitCmd)

	// flags specific to this sub-command
	submitCmd.Flags().StringVar(&cmdDriver, "driver", "", "driver to use (lsf|torque|slurm|local) [default: config driver]")
	submitCmd.Flags().IntVar(&cmdCPUs, "cpus", 1, "number of cores the command needs")
	submitCmd.Flags().StringVar(&cmdDir, "dir", "", "directory to run the command in [default: current directory]")
	submitCmd.Flags().StringVar(&cmdName, "name", "", "job name [default: derived from the command]")
}
