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
	"os"
	"os/signal"
	"syscall"

	"github.com/VertebrateResequencing/jobdriver/driver"
	"github.com/VertebrateResequencing/jobdriver/registry"
	"github.com/spf13/cobra"
)

// killCmd represents the kill command
var killCmd = &cobra.Command{
	Use:   "kill job_id [job_id...]",
	Short: "Kill submitted jobs",
	Long: `You can kill jobs you've previously submitted with "jobdriver submit"
that have not yet finished using this command.

Killing a job that has already finished is not an error. Jobs recorded as
finished are skipped without asking the batch system.

After killing, the batch system may take a while to actually stop the job;
use "jobdriver poll" to see when it has.`,
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
				info("job %s already finished (%s)", rec.ID, status)
				continue
			}
			live = append(live, rec)
		}

		failed := false
		for _, j := range attachAll(live) {
			if err := j.d.Kill(ctx, j.h); err != nil {
				warn("killing job %s failed: %s", j.h.ID, err)
				failed = true
				continue
			}
			info("killed job %s", j.h.ID)
		}

		if failed {
			os.Exit(1)
		}
	},
}

func init() {
	RootCmd.AddCommand(killCmd)

	// flags specific to this sub-command
	killCmd.Flags().StringVar(&cmdDriver, "driver", "", "only consider jobs submitted with this driver")
}
