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

// This file contains a driveri implementation for SLURM.

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/VertebrateResequencing/jobdriver/spawn"
	"github.com/inconshreveable/log15"
)

// SLURM option keys. EXCLUDE_HOST is shared with LSF.
const (
	OptSbatch        = "SBATCH"
	OptSqueue        = "SQUEUE"
	OptScancel       = "SCANCEL"
	OptScontrol      = "SCONTROL"
	OptSqueueTimeout = "SQUEUE_TIMEOUT"
	OptMemory        = "MEMORY"
	OptMemoryPerCPU  = "MEMORY_PER_CPU"
	OptPartition     = "PARTITION"
	OptIncludeHost   = "INCLUDE_HOST"
	OptMaxRuntime    = "MAX_RUNTIME"
)

const squeueFormat = "%i %T"

var slurmRules = optionRules{
	OptSbatch:        withDefault("sbatch", commandName),
	OptSqueue:        withDefault("squeue", commandName),
	OptScancel:       withDefault("scancel", commandName),
	OptScontrol:      withDefault("scontrol", unsetIfEmpty),
	OptSqueueTimeout: withDefault(defaultRefreshInterval, seconds),
	OptMemory:        memory,
	OptMemoryPerCPU:  memory,
	OptPartition:     unsetIfEmpty,
	OptExcludeHost:   hostList,
	OptIncludeHost:   hostList,
	OptMaxRuntime: {norm: func(current, v string) (string, bool, error) {
		if v == "" {
			return "", false, nil
		}

		return positive.norm(current, v)
	}},
}

// slurm is our implementer of driveri.
type slurm struct {
	d           *Driver
	sbatchRegex *regexp.Regexp
	local       *spawn.Local
	log15.Logger
}

func (s *slurm) initialize(d *Driver) error {
	s.d = d
	s.Logger = d.Logger
	s.sbatchRegex = regexp.MustCompile(`(?m)^(\d+)(?:;\S+)?\s*$`)
	s.local = spawn.NewLocal(d.Logger)

	return nil
}

func (s *slurm) rules() optionRules {
	return slurmRules
}

// ready always succeeds, since the commands are always run locally.
func (s *slurm) ready() error {
	return nil
}

// sbatchCommand creates the sbatch command line for the JobSpec, with the command
// itself passed through --wrap, quoted so that the shell sbatch uses to run it
// gets back the original args.
func (s *slurm) sbatchCommand(spec JobSpec) (spawn.Command, error) {
	opts := s.d.opts

	args := []string{
		"--parsable",
		"--job-name=" + spec.Name,
		"--chdir=" + spec.RunPath,
		"--output=" + spec.Name + ".stdout",
		"--error=" + spec.Name + ".stderr",
	}

	if partition, set := opts.get(OptPartition); set {
		args = append(args, "--partition="+partition)
	}

	args = append(args, "--ntasks="+strconv.Itoa(spec.NumCPU))

	for _, mem := range []struct{ key, flag string }{
		{OptMemory, "--mem="},
		{OptMemoryPerCPU, "--mem-per-cpu="},
	} {
		if v, set := opts.get(mem.key); set {
			mb, err := memoryMB(v)
			if err != nil {
				return spawn.Command{}, err
			}

			args = append(args, mem.flag+strconv.FormatUint(mb, 10)+"M")
		}
	}

	if hosts := opts.hosts(OptExcludeHost); len(hosts) > 0 {
		args = append(args, "--exclude="+strings.Join(hosts, ","))
	}

	if hosts := opts.hosts(OptIncludeHost); len(hosts) > 0 {
		args = append(args, "--nodelist="+strings.Join(hosts, ","))
	}

	if secs := opts.integer(OptMaxRuntime); secs > 0 {
		args = append(args, "--time="+slurmDuration(time.Duration(secs)*time.Second))
	}

	args = append(args, "--wrap="+spawn.Quote(append([]string{spec.Executable}, spec.Args...)))

	return spawn.NewCommand(opts.str(OptSbatch), args...)
}

// slurmDuration formats a duration as D-HH:MM:SS.
func slurmDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	secs %= 86400

	return fmt.Sprintf("%d-%02d:%02d:%02d", days, secs/3600, (secs%3600)/60, secs%60)
}

// submit runs sbatch, which outputs "<id>" or "<id>;<cluster>" thanks to
// --parsable.
func (s *slurm) submit(ctx context.Context, spec JobSpec) (string, error) {
	cmd, err := s.sbatchCommand(spec)
	if err != nil {
		return "", err
	}

	stdout, stderr, code, err := s.d.submitCmd(ctx, s.local, cmd)
	if err != nil {
		return "", err
	}

	matches := s.sbatchRegex.FindStringSubmatch(stdout)
	if code != 0 || len(matches) != 2 {
		return "", commandFailure(cmd, stdout, stderr, code)
	}

	return matches[1], nil
}

// poll gets the job's state from our cache of squeue output, using scontrol
// (if configured) for jobs squeue no longer lists.
func (s *slurm) poll(ctx context.Context, h *Handle) (Status, error) {
	js, err := s.d.cache.state(ctx, h.ID, s.d.opts.duration(OptSqueueTimeout), s.list, s.history)
	if err != nil {
		return Unknown, err
	}

	return slurmStatuses.translate(slurmName, js)
}

func (s *slurm) list(ctx context.Context) (map[string]jobState, error) {
	cmd, err := spawn.NewCommand(s.d.opts.str(OptSqueue), "-h", "-o", squeueFormat)
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

	return parseSqueue(stdout), nil
}

// parseSqueue parses `squeue -h -o "%i %T"` output: lines of "<id> <STATE>".
// Array job ids like "123_4" are keyed on the "123".
func parseSqueue(out string) map[string]jobState {
	states := make(map[string]jobState)

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		id := fields[0]
		if i := strings.Index(id, "_"); i >= 0 {
			id = id[:i]
		}

		if _, err := strconv.Atoi(id); err != nil {
			continue
		}

		states[id] = jobState{Token: fields[1]}
	}

	return states
}

func (s *slurm) history(ctx context.Context, id string) jobState {
	unknown := jobState{Token: slurmUnknown}

	scontrol, set := s.d.opts.get(OptScontrol)
	if !set {
		return unknown
	}

	cmd, err := spawn.NewCommand(scontrol, "show", "job", id)
	if err != nil {
		return unknown
	}

	stdout, stderr, code, err := s.d.runCmd(ctx, s.local, cmd)
	if err != nil || code != 0 {
		s.Warn("scontrol failed", "id", id, "err", err, "exit", code, "stderr", stderr)

		return unknown
	}

	if js, found := parseScontrol(stdout); found {
		return js
	}

	return unknown
}

// parseScontrol parses `scontrol show job <id>` output, which is whitespace
// separated Key=Value pairs, picking out JobState and ExitCode (like "1:0").
func parseScontrol(out string) (jobState, bool) {
	var js jobState

	for _, field := range strings.Fields(out) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}

		switch key {
		case "JobState":
			js.Token = value
		case "ExitCode":
			code, _, _ := strings.Cut(value, ":")
			if n, err := strconv.Atoi(code); err == nil {
				js.Exit = n
				js.HasExit = true
			}
		}
	}

	return js, js.Token != ""
}

// kill runs scancel on the job.
func (s *slurm) kill(ctx context.Context, h *Handle) error {
	return killWith(ctx, s.d, s.local, s.d.opts.str(OptScancel), h.ID)
}

func (s *slurm) reattach(h *Handle) error {
	return nil
}
