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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/VertebrateResequencing/jobdriver/driver"
	"github.com/VertebrateResequencing/jobdriver/limiter"
	"github.com/VertebrateResequencing/jobdriver/registry"
	"github.com/google/shlex"
	"github.com/sasha-s/go-deadlock"
	"github.com/spf13/cobra"
)

// options for this cmd
var runFile string
var runKillOnExit bool

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run many commands, waiting for them to finish",
	Long: `Run a file of commands on the batch system and wait for all of them
to finish.

The file (-f, or - for STDIN, the default) has one command per line. Lines are
split in to the executable and its arguments the way a shell would, so quote
arguments that contain spaces. Blank lines and lines starting with # are
ignored.

No more than the driver's MAX_RUNNING option of jobs are in the batch system at
once; 0 (the default) means no limit. Each job runs with the given --cpus in its
own numbered subdirectory of --dir (default the current directory), where its
output and reattachment files are written, and is recorded as if by 'jobdriver
submit'.

As each job finishes, a tab separated line of job id, status and the command is
printed. The exit code is non-zero if any job failed to be submitted or did not
finish DONE. If the batch system reports something that can't be understood,
polling of that job stops and run dies once the other jobs finish.

If interrupted, jobs still running are left alone unless --kill was given.`,
	Run: func(cmd *cobra.Command, args []string) {
		in := os.Stdin
		if runFile != "" && runFile != "-" {
			f, err := os.Open(runFile)
			if err != nil {
				die("could not open %s: %s", runFile, err)
			}
			defer f.Close()
			in = f
		}

		specs, err := readCommands(in)
		if err != nil {
			die("bad command file: %s", err)
		}

		dir := cmdDir
		if dir == "" {
			dir = "."
		}
		dir, err = filepath.Abs(dir)
		if err != nil {
			die("bad --dir: %s", err)
		}
		if err = jobDirs(dir, specs); err != nil {
			die("could not create job directories: %s", err)
		}
		for i := range specs {
			specs[i].NumCPU = cmdCPUs
		}

		d := newDriver(driverName())
		reg := openRegistry()
		defer closeRegistry(reg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		failed, fatal := runAll(ctx, d, reg, specs, time.Duration(config.PollInterval)*time.Second)

		if ctx.Err() != nil && runKillOnExit {
			if errc := d.Cleanup(context.Background()); errc != nil {
				warn("killing unfinished jobs failed: %s", errc)
			}
		}

		if fatal != nil {
			die("%s", fatal)
		}

		if failed > 0 || ctx.Err() != nil {
			os.Exit(1)
		}
	},
}

// readCommands parses one command per line, skipping blank and # lines.
func readCommands(r io.Reader) ([]driver.JobSpec, error) {
	var specs []driver.JobSpec
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		words, err := shlex.Split(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s", line, err)
		}
		if len(words) == 0 {
			continue
		}

		specs = append(specs, driver.JobSpec{Executable: words[0], Args: words[1:]})
	}
	return specs, scanner.Err()
}

// jobDirs gives each spec its own run path, a numbered subdirectory of dir, so
// that every job keeps its own marker file.
func jobDirs(dir string, specs []driver.JobSpec) error {
	for i := range specs {
		path := filepath.Join(dir, strconv.Itoa(i+1))
		if err := os.MkdirAll(path, 0700); err != nil {
			return err
		}
		specs[i].RunPath = path
	}
	return nil
}

// maxRunning is the limiter callback giving the driver's MAX_RUNNING.
func maxRunning(d *driver.Driver) limiter.LimitCallback {
	return func(name string) int {
		value, _ := d.GetOption(driver.OptMaxRunning)
		limit, err := strconv.Atoi(value)
		if err != nil {
			return 0
		}
		return limit
	}
}

// runAll submits every spec, keeping within MAX_RUNNING, and polls each
// job until it finishes. Returns how many jobs failed to submit or didn't
// finish DONE, along with the first fatal error from polling. Returns early,
// without waiting, if ctx is done.
func runAll(ctx context.Context, d *driver.Driver, reg *registry.Registry, specs []driver.JobSpec, interval time.Duration) (int, error) {
	l := limiter.New(maxRunning(d))

	var failed int
	var fatal error
	var mu deadlock.Mutex
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		failed++
		if fatal == nil {
			fatal = err
		}
	}

	var wg sync.WaitGroup
	for _, spec := range specs {
		if err := l.Acquire(ctx, d.Name); err != nil {
			break
		}

		h, err := trySubmit(ctx, d, spec)
		if err != nil {
			warn("could not submit %s: %s", spec.Executable, err)
			fail(nil)
			if errr := l.Release(d.Name); errr != nil {
				warn("%s", errr)
			}
			if driver.IsFatal(err) || ctx.Err() != nil {
				break
			}
			continue
		}
		record(reg, h)

		wg.Add(1)
		go func(h *driver.Handle, spec driver.JobSpec) {
			defer wg.Done()
			defer func() {
				if errr := l.Release(d.Name); errr != nil {
					warn("%s", errr)
				}
			}()

			status, err := waitFor(ctx, d, reg, h, interval)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				warn("stopped polling job %s: %s", h.ID, err)
			}
			if status != driver.Done {
				fail(err)
			}
			fmt.Printf("%s\t%s\t%s\n", h.ID, status, strings.Join(append([]string{spec.Executable}, spec.Args...), " "))
		}(h, spec)
	}

	wg.Wait()
	return failed, fatal
}

// waitFor polls the job every interval until it reaches a terminal status or
// ctx is done, keeping the registry up to date. A fatal poll error is returned
// straight away.
func waitFor(ctx context.Context, d *driver.Driver, reg *registry.Registry, h *driver.Handle, interval time.Duration) (driver.Status, error) {
	last := driver.Pending
	for {
		status, err := d.Poll(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return status, nil
			}
			if driver.IsFatal(err) {
				return status, err
			}
			warn("polling job %s failed: %s", h.ID, err)
		}

		if status != last {
			if errs := reg.SetStatus(h.Driver, h.ID, status.String()); errs != nil {
				warn("could not record the status of job %s: %s", h.ID, errs)
			}
			last = status
		}

		if status.IsTerminal() {
			return status, nil
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return status, nil
		}
	}
}

func init() {
	RootCmd.AddCommand(runCmd)

	// flags specific to this sub-command
	runCmd.Flags().StringVarP(&runFile, "file", "f", "-", "file containing one command per line (- means STDIN)")
	runCmd.Flags().StringVar(&cmdDriver, "driver", "", "driver to use (lsf|torque|slurm|local) [default: config driver]")
	runCmd.Flags().IntVar(&cmdCPUs, "cpus", 1, "number of cores each command needs")
	runCmd.Flags().StringVar(&cmdDir, "dir", "", "directory to run the commands in [default: current directory]")
	runCmd.Flags().BoolVar(&runKillOnExit, "kill", false, "kill unfinished jobs if interrupted")
}
