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


/*
Package main is a stub for jobdriver's command line interface, with the actual
implementation in the cmd package.

jobdriver gives you one way of submitting a command to a batch system, finding
out what happened to it, and killing it, whether the batch system is LSF,
PBS/Torque or SLURM. Commands can also be run directly on the local machine.

Basics

Submit a command, which prints the job's id:

    jobdriver submit --driver slurm -- myexe arg1 "arg 2"

Find out how it's getting on, waiting until it finishes:

    jobdriver poll --watch 5678

Or give up on it:

    jobdriver kill 5678

Package Overview

The driver package is the library that does the work, and can be used directly
by any go program that wants to run jobs on a batch system. It turns each batch
system's own job states in to a common set of statuses, caches the output of the
batch system's status command so that polling many jobs is cheap, and retries
and backs off when submission fails.

Batch system commands are run by the spawn package, either on the local host or
on a remote one over ssh.

The registry package records the jobs the command line interface has submitted,
so that later invocations can poll and kill them.
*/
package main

import (
	"github.com/VertebrateResequencing/jobdriver/cmd"
)

func main() {
	cmd.Execute()
}
