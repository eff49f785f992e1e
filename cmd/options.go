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

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// optionsCmd represents the options command
var optionsCmd = &cobra.Command{
	Use:   "options",
	Short: "Show a driver's options",
	Long: `Show every option the driver understands, along with its current value
after applying your config files and any -o KEY=VALUE flags.

Options that have no value are shown as unset.`,
	Run: func(cmd *cobra.Command, args []string) {
		d := newDriver(driverName())

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Option", "Value"})
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for _, key := range d.Options() {
			value, set := d.GetOption(key)
			if !set {
				value = "(unset)"
			}
			table.Append([]string{key, value})
		}

		table.Render()
	},
}

func init() {
	RootCmd.AddCommand(optionsCmd)

	// flags specific to this sub-command
	optionsCmd.Flags().StringVar(&cmdDriver, "driver", "", "driver to show (lsf|torque|slurm|local) [default: config driver]")
}
