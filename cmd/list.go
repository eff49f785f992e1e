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
	"os"
	"time"

	"github.com/VertebrateResequencing/jobdriver/driver"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// options for this cmd
var listPurge bool

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs",
	Long: `List the jobs you have submitted with "jobdriver submit", oldest first.

The status shown is the one last seen by "jobdriver poll"; it is not updated by
this command.

With --purge, jobs recorded as finished (DONE or EXIT) are removed from the
record after being listed.`,
	Run: func(cmd *cobra.Command, args []string) {
		reg := openRegistry()
		defer closeRegistry(reg)

		recs, err := reg.List()
		if err != nil {
			die("could not read the job registry: %s", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Id", "Driver", "Name", "User", "Submitted", "Status", "Dir"})
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for _, rec := range recs {
			if cmdDriver != "" && rec.Driver != cmdDriver {
				continue
			}
			table.Append([]string{rec.ID, rec.Driver, rec.Name, rec.User, rec.Submitted.Format(time.RFC3339), rec.Status, rec.RunPath})

			if !listPurge {
				continue
			}

			if status, ok := driver.ParseStatus(rec.Status); ok && status.IsTerminal() {
				if err = reg.Delete(rec.Driver, rec.ID); err != nil {
					warn("could not remove job %s from the registry: %s", rec.ID, err)
				}
			}
		}

		table.Render()
	},
}

func init() {
	RootCmd.AddCommand(listCmd)

	// flags specific to this sub-command
	listCmd.Flags().StringVar(&cmdDriver, "driver", "", "only list jobs submitted with this driver")
	listCmd.Flags().BoolVar(&listPurge, "purge", false, "forget finished jobs after listing them")
}
