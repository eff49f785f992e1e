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
	"strings"
	"syscall"
	"time"

	"github.com/VertebrateResequencing/jobdriver/driver"
	"github.com/VertebrateResequencing/jobdriver/registry"
	"github.com/spf13/cobra"
)

// options for this cmd
var pollWatch bool

// pollCmd represents the poll command
var pollCmd = &cobra.Command{
	Use:   "poll job_id [job_id...]",
	Short: "Find out the status of submitted jobs",
	Long: `Find out the current status of jobs previously submitted with
'jobdriver submit'.

For each job, a tab separated line of job id, driver, status and execution hosts
(comma separated, if known) is printed. Status is one of PENDING, RUNNING,
DONE, EXIT or UNKNOWN.

With --watch, polling is repeated every pollinterval seconds (see 'jobdriver
conf') until every job has finished. Jobs already recorded as finished are
not polled again.

If the same job id was recorded for more than one driver, use --driver to pick
one.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		defer closeRegistry(reg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var live []registry.Record
		for _, id := range args {
			rec := findRecord(reg, id)
			if status, ok := driver.ParseStatus(rec.Status); ok && status.IsTerminal() {
				fmt.Printf("%s\t%s\t%s\t\n", rec.ID, rec.Driver, status)
				continue
			}
			live = append(live, rec)
		}

		if len(live) == 0 {
			return
		}

		jobs := attachAll(live)
		interval := time.Duration(config.PollInterval) * time.Second

		for {
			finished := 0
			for _, j := range jobs {
				status, err := j.d.Poll(ctx, j.h)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					warn("polling job %s failed: %s", j.h.ID, err)
				}

				fmt.Printf("%s\t%s\t%s\t%s\n", j.h.ID, j.h.Driver, status, strings.Join(j.h.ExecHosts(), ","))

				if errs := reg.SetStatus(j.h.Driver, j.h.ID, status.String()); errs != nil {
					warn("could not record the status of job %s: %s", j.h.ID, errs)
				}

				if status.IsTerminal() {
					finished++
				}
			}

			if !pollWatch || finished == len(jobs) {
				return
			}

			select {
			case <-time.After(interval):
			case <-ctx.Done():
				return
			}
		}
	},
}

// attachedJob is a job found in the registry that we can now poll and kill.
type attachedJob struct {
	d *driver.Driver
	h *driver.Handle
}

// attachAll reattaches to each recorded job, reusing a single driver per
// batch system. Dies if any can't be reattached to.
func attachAll(recs []registry.Record) []attachedJob {
	drivers := make(map[string]*driver.Driver)
	jobs := make([]attachedJob, 0, len(recs))

	for _, rec := range recs {
		d, found := drivers[rec.Driver]
		if !found {
			d = newDriver(rec.Driver)
			drivers[rec.Driver] = d
		}

		h, err := d.Reattach(rec.RunPath)
		if err != nil {
			die("could not reattach to job %s: %s", rec.ID, err)
		}

		if h.ID != rec.ID {
			d.Forget(h)
			die("job %s has been superseded in %s by job %s; it was last seen %s", rec.ID, rec.RunPath, h.ID, rec.Status)
		}

		jobs = append(jobs, attachedJob{d: d, h: h})
	}

	return jobs
}

// findRecord gets the registry record for id, restricted to --driver if set.
// Dies if there isn't exactly one.
func findRecord(reg *registry.Registry, id string) registry.Record {
	if cmdDriver != "" {
		d := newDriver(cmdDriver)
		rec, err := reg.Get(d.Name, id)
		if err != nil {
			die("job %s: %s", id, err)
		}
		return rec
	}

	recs, err := reg.List()
	if err != nil {
		die("could not read the job registry: %s", err)
	}

	var matches []registry.Record
	for _, rec := range recs {
		if rec.ID == id {
			matches = append(matches, rec)
		}
	}

	switch len(matches) {
	case 0:
		die("job %s: %s", id, registry.ErrNotFound)
	case 1:
		return matches[0]
	}

	drivers := make([]string, len(matches))
	for i, rec := range matches {
		drivers[i] = rec.Driver
	}
	die("job %s was submitted with more than one driver (%s); use --driver", id, strings.Join(drivers, ", "))
	return registry.Record{}
}

func init() {
	RootCmd.AddCommand(pollCmd)

	// flags specific to this sub-command
	pollCmd.Flags().StringVar(&cmdDriver, "driver", "", "only consider jobs submitted with this driver")
	pollCmd.Flags().BoolVarP(&pollWatch, "watch", "w", false, "keep polling until all the jobs have finished")
}
