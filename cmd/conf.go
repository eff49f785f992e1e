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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultYML = `# The format of this file is YAML

# driver: Which batch system should jobs be submitted to?
# One of "lsf", "torque" (also "pbs" or "openpbs"), "slurm" or "local".
# "local" runs jobs directly on this machine, and needs no batch system.
driver: "local"

# maxsubmit: How many times should 'jobdriver submit' try to submit a job?
# Only failures that might not happen again are retried; the driver also
# sleeps between failed attempts (see the SUBMIT_ERROR_SLEEP option).
maxsubmit: 2

# pollinterval: How many seconds should 'jobdriver poll --watch' wait between
# polls?
pollinterval: 10

# loglevel: What is the least severe level of log message to show?
# One of "debug", "info", "warn", "error" or "crit". The --debug option
# overrides this.
loglevel: "warn"

# managerdir: Where should jobdriver store its working files?
# This defaults to a directory prefixed with .jobdriver in your home directory.
#
# The final directory name will be suffixed with "_[deployment]", eg. by default
# when developing the directory will be ~/.jobdriver_development.
managerdir: "~/.jobdriver"

# registryfile: Where should the record of submitted jobs be kept?
# This defaults to a file named "jobs.db" in managerdir. You can set this to an
# absolute path to ignore managerdir.
registryfile: "jobs.db"

# options: Settings for the driver, which change how jobs are submitted, polled
# and killed. Keys are option names in caps. Use 'jobdriver options' to see the
# options a driver understands and their current values.
#
# Options common to all drivers:
#   SUBMIT_SLEEP: seconds to wait before each submission
#   SUBMIT_ERROR_SLEEP: seconds to wait after the first failed submission;
#     this doubles with each consecutive failure
#   SUBMIT_ERROR_SLEEP_MAX: upper limit on the doubled sleep
#   MAX_SUBMIT_ERRORS: consecutive failures before giving up for good
#   MAX_RUNNING: limit on jobs running at once, 0 for no limit
#   DEBUG_OUTPUT: 1 to log the output of every batch system command
#
# LSF:
#   LSF_SERVER: host to run LSF commands on over LSF_RSH_CMD, or LOCAL
#   LSF_QUEUE, LSF_RESOURCE, PROJECT_CODE, LSF_LOGIN_SHELL, EXCLUDE_HOST
#   BSUB_CMD, BJOBS_CMD, BKILL_CMD, BHIST_CMD, BJOBS_TIMEOUT
#
# Torque/PBS:
#   QUEUE, MEMORY_PER_JOB, NUM_NODES, NUM_CPUS_PER_NODE, CLUSTER_LABEL
#   QSUB_CMD, QSTAT_CMD, QDEL_CMD, KEEP_QSUB_OUTPUT, JOB_PREFIX, QSTAT_TIMEOUT
#
# SLURM:
#   PARTITION, MEMORY, MEMORY_PER_CPU, INCLUDE_HOST, EXCLUDE_HOST, MAX_RUNTIME
#   SBATCH, SQUEUE, SCANCEL, SCONTROL, SQUEUE_TIMEOUT
#options:
#  LSF_SERVER: "LOCAL"
#  LSF_QUEUE: "normal"
`

// options for this cmd
var confDefault bool

// confCmd represents the conf command
var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "Show current configuration",
	Long: `Show the current configuration settings.

This command also shows where a particular value was defined.

For a list of all possible configuration settings, their descriptions and
default values in the yml format suitable for using as one of your config files,
use the --default option.

jobdriver will load its configuration settings from one or more files named
.jobdriver_config[.production|.development].yml found in these directories, in
order of precedence:
1) The current directory
2) Your home directory
3) The directory pointed to by the environment variable $JOBDRIVER_CONFIG_DIR

.jobdriver_config.yml files are always read, and can be used to define settings
common to both production and development deployments.
.jobdriver_config.production.yml files are only read in a production context:
either a --deployment production option has been passed to the jobdriver
executable, or the environment variable $JOBDRIVER_DEPLOYMENT has been set to
'production'. A similar story applies for .jobdriver_config.development.yml
files, which are used when things are set to 'development'.
The default deployment is production.

Driver options in the files are merged key by key, so a file only needs the
options it wants to change. Options given with -o KEY=VALUE override them all.

If a setting is found in none of the files read, then an environment variable is
checked: JOBDRIVER_<setting name in caps>. Eg. to define the driver option you
might do:
export JOBDRIVER_DRIVER="lsf"`,
	Run: func(cmd *cobra.Command, args []string) {
		if confDefault {
			fmt.Print(defaultYML)
			os.Exit(0)
		}

		fmt.Printf("%s", config)
	},
}

func init() {
	RootCmd.AddCommand(confCmd)

	// flags specific to this sub-command
	confCmd.Flags().BoolVarP(&confDefault, "default", "d", false, "print default config yml file to STDOUT")
}
