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

package driver

// This file contains a driveri implementation for PBS and Torque.

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/VertebrateResequencing/jobdriver/spawn"
	"github.com/inconshreveable/log15"
)

// PBS/Torque option keys.
const (
	OptQueue          = "QUEUE"
	OptMemoryPerJob   = "MEMORY_PER_JOB"
	OptNumNodes       = "NUM_NODES"
	OptNumCPUsPerNode = "NUM_CPUS_PER_NODE"
	OptClusterLabel   = "CLUSTER_LABEL"
	OptQsubCmd        = "QSUB_CMD"
	OptQstatCmd       = "QSTAT_CMD"
	OptQdelCmd        = "QDEL_CMD"
	OptKeepQsubOutput = "KEEP_QSUB_OUTPUT"
	OptJobPrefix      = "JOB_PREFIX"
	OptQstatTimeout   = "QSTAT_TIMEOUT"
)

const (
	qstatJobID    = "Job Id:"
	qstatState    = "job_state"
	qstatExit     = "Exit_status"
	discardOutput = "/dev/null"
)

var torqueRules = optionRules{
	OptQueue:          unsetIfEmpty,
	OptMemoryPerJob:   memory,
	OptNumNodes:       withDefault("1", positive),
	OptNumCPUsPerNode: withDefault("1", positive),
	OptClusterLabel:   unsetIfEmpty,
	OptQsubCmd:        withDefault("qsub", commandName),
	OptQstatCmd:       withDefault("qstat", commandName),
	OptQdelCmd:        withDefault("qdel", commandName),
	OptKeepQsubOutput: withDefault("0", flag),
	OptJobPrefix:      unsetIfEmpty,
	OptQstatTimeout:   withDefault(defaultRefreshInterval, seconds),
}

// torque is our implementer of driveri.
type torque struct {
	d         *Driver
	qsubRegex *regexp.Regexp
	local     *spawn.Local
	log15.Logger
}

func (s *torque) initialize(d *Driver) error {
	s.d = d
	s.Logger = d.Logger
	s.qsubRegex = regexp.MustCompile(`(?m)^(\d+)(?:\.\S+)?`)
	s.local = spawn.NewLocal(d.Logger)

	return nil
}

func (s *torque) rules() optionRules {
	return torqueRules
}

// ready always succeeds, since the commands are always run locally.
func (s *torque) ready() error {
	return nil
}

// resourceString returns the value for qsub's first -l option, followed by
// the cluster label as a second -l if there is one:
//
//	select=<nodes>:ncpus=<cpus per node>[:mem=<memory>]
func (s *torque) resourceString(numCPU int) []string {
	opts := s.d.opts
	nodes := opts.integer(OptNumNodes)
	cpus := opts.integer(OptNumCPUsPerNode)

	if nodes < 1 {
		nodes = 1
	}

	if numCPU > nodes*cpus {
		cpus = (numCPU + nodes - 1) / nodes
	}

	res := "select=" + strconv.Itoa(nodes) + ":ncpus=" + strconv.Itoa(cpus)

	if mem, set := opts.get(OptMemoryPerJob); set {
		res += ":mem=" + mem
	}

	args := []string{"-l", res}

	if label, set := opts.get(OptClusterLabel); set {
		args = append(args, "-l", label)
	}

	return args
}

// qsubCommand creates the qsub command line for the JobSpec:
//
//	qsub -N <prefix><name> [-q queue] -l select=... [-l label]
//	     [-o /dev/null -e /dev/null] -- <exe> <args...>
func (s *torque) qsubCommand(spec JobSpec) (spawn.Command, error) {
	opts := s.d.opts

	args := []string{"-N", opts.str(OptJobPrefix) + spec.Name}

	if queue, set := opts.get(OptQueue); set {
		args = append(args, "-q", queue)
	}

	args = append(args, s.resourceString(spec.NumCPU)...)

	if !opts.boolean(OptKeepQsubOutput) {
		args = append(args, "-o", discardOutput, "-e", discardOutput)
	}

	args = append(args, "--", spec.Executable)
	args = append(args, spec.Args...)

	cmd, err := spawn.NewCommand(opts.str(OptQsubCmd), args...)
	cmd.Dir = spec.RunPath

	return cmd, err
}

// submit runs qsub, which outputs the job id, possibly with a ".server"
// suffix. We only keep the number.
func (s *torque) submit(ctx context.Context, spec JobSpec) (string, error) {
	cmd, err := s.qsubCommand(spec)
	if err != nil {
		return "", err
	}

	stdout, stderr, code, err := s.d.submitCmd(ctx, s.local, cmd)
	if err != nil {
		return "", err
	}

	matches := s.qsubRegex.FindStringSubmatch(stdout)
	if code != 0 || len(matches) != 2 {
		return "", commandFailure(cmd, stdout, stderr, code)
	}

	return matches[1], nil
}

// poll gets the job's state from our cache of `qstat -f` output, using
// `qstat -fx` for jobs no longer listed.
func (s *torque) poll(ctx context.Context, h *Handle) (Status, error) {
	js, err := s.d.cache.state(ctx, h.ID, s.d.opts.duration(OptQstatTimeout), s.list, s.history)
	if err != nil {
		return Unknown, err
	}

	return translatePBS(js)
}

func (s *torque) list(ctx context.Context) (map[string]jobState, error) {
	return s.qstat(ctx, "-f")
}

func (s *torque) history(ctx context.Context, id string) jobState {
	states, err := s.qstat(ctx, "-fx", id)
	if err != nil {
		s.Warn("qstat history failed", "id", id, "err", err)
	}

	if js, found := states[id]; found {
		return js
	}

	return jobState{Token: pbsUnknown}
}

func (s *torque) qstat(ctx context.Context, args ...string) (map[string]jobState, error) {
	cmd, err := spawn.NewCommand(s.d.opts.str(OptQstatCmd), args...)
	if err != nil {
		return nil, err
	}

	stdout, stderr, code, err := s.d.runCmd(ctx, s.local, cmd)
	if err != nil {
		return nil, err
	}

	if code != 0 {
		return nil, commandFailure(cmd, stdout, stderr, code)
	}

	return parseQstat(stdout), nil
}

// parseQstat parses `qstat -f` output, which has a block per job like:
//
//	Job Id: 15399.server
//	    Job_Name = run-1
//	    job_state = C
//	    Exit_status = 0
//
// Jobs are keyed on the part of their id before the first ".". Jobs with no
// job_state are left out.
func parseQstat(out string) map[string]jobState {
	states := make(map[string]jobState)

	var (
		current string
		js      jobState
	)

	flush := func() {
		if current != "" && js.Token != "" {
			states[current] = js
		}
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, qstatJobID) {
			flush()

			current = jobNumber(strings.TrimSpace(line[len(qstatJobID):]))
			js = jobState{}

			continue
		}

		if current == "" {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}

		value = strings.TrimSpace(value)

		switch strings.TrimSpace(key) {
		case qstatState:
			js.Token = value
		case qstatExit:
			if code, err := strconv.Atoi(value); err == nil {
				js.Exit = code
				js.HasExit = true
			}
		}
	}

	flush()

	return states
}

// jobNumber returns the part of a PBS job id before the first ".".
func jobNumber(id string) string {
	if i := strings.Index(id, "."); i >= 0 {
		return id[:i]
	}

	return id
}

// kill runs qdel on the job.
func (s *torque) kill(ctx context.Context, h *Handle) error {
	return killWith(ctx, s.d, s.local, s.d.opts.str(OptQdelCmd), h.ID)
}

func (s *torque) reattach(h *Handle) error {
	h.ID = jobNumber(h.ID)

	return nil
}
