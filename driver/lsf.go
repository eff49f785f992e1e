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

// This file contains a driveri implementation for LSF.

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/VertebrateResequencing/jobdriver/bsubresource"
	"github.com/VertebrateResequencing/jobdriver/spawn"
	"github.com/inconshreveable/log15"
	sync "github.com/sasha-s/go-deadlock"
)

// LSF option keys.
const (
	OptLSFResource   = "LSF_RESOURCE"
	OptLSFServer     = "LSF_SERVER"
	OptLSFQueue      = "LSF_QUEUE"
	OptLSFLoginShell = "LSF_LOGIN_SHELL"
	OptLSFRshCmd     = "LSF_RSH_CMD"
	OptBsubCmd       = "BSUB_CMD"
	OptBjobsCmd      = "BJOBS_CMD"
	OptBkillCmd      = "BKILL_CMD"
	OptBhistCmd      = "BHIST_CMD"
	OptExcludeHost   = "EXCLUDE_HOST"
	OptBjobsTimeout  = "BJOBS_TIMEOUT"
	OptProjectCode   = "PROJECT_CODE"
)

const (
	// LocalServer is the LSF_SERVER value that means the LSF commands are run
	// on this machine.
	LocalServer = "LOCAL"

	// unsetServer is the LSF_SERVER value that unsets it.
	unsetServer = "NULL"

	lsfOutputSuffix     = ".LSF-stdout"
	defaultHistorySleep = 4 * time.Second
)

const noTransportHelp = `the LSF driver needs to know how to run the bsub, bjobs and bkill commands.
Set the LSF_SERVER option to choose:
  LSF_SERVER=LOCAL   run the commands directly on this machine
  LSF_SERVER=<host>  run the commands on <host> via the LSF_RSH_CMD remote shell (default ssh)`

var errEmptyCommand = errors.New("must not be empty")

// commandName values can't be empty.
var commandName = optionRule{norm: func(_, v string) (string, bool, error) {
	if strings.TrimSpace(v) == "" {
		return "", false, errEmptyCommand
	}

	return v, true, nil
}}

var lsfRules = optionRules{
	OptLSFResource: unsetIfEmpty,
	OptLSFServer: {norm: func(_, v string) (string, bool, error) {
		if strings.EqualFold(v, unsetServer) || strings.TrimSpace(v) == "" {
			return "", false, nil
		}

		return v, true, nil
	}},
	OptLSFQueue:      unsetIfEmpty,
	OptLSFLoginShell: unsetIfEmpty,
	OptLSFRshCmd:     withDefault("ssh", commandName),
	OptBsubCmd:       withDefault("bsub", commandName),
	OptBjobsCmd:      withDefault("bjobs", commandName),
	OptBkillCmd:      withDefault("bkill", commandName),
	OptBhistCmd:      withDefault("bhist", commandName),
	OptExcludeHost:   hostList,
	OptBjobsTimeout:  withDefault(defaultRefreshInterval, seconds),
	OptProjectCode:   unsetIfEmpty,
}

// lsfPendingStates are those where the job has no execution host yet.
var lsfPendingStates = map[string]bool{
	lsfPending: true,
	"WAIT":     true,
	"PROV":     true,
	"PSUSP":    true,
}

// lsf is our implementer of driveri.
type lsf struct {
	d            *Driver
	bsubRegex    *regexp.Regexp
	local        *spawn.Local
	transport    spawn.Transport
	transportKey string
	historySleep time.Duration
	mu           sync.Mutex
	log15.Logger
}

// initialize sets up what we need to run LSF commands.
func (s *lsf) initialize(d *Driver) error {
	s.d = d
	s.Logger = d.Logger
	s.bsubRegex = regexp.MustCompile(`(?m)^Job <(\d+)>`)
	s.local = spawn.NewLocal(d.Logger)
	s.historySleep = defaultHistorySleep

	return nil
}

func (s *lsf) rules() optionRules {
	return lsfRules
}

// ready checks that LSF_SERVER has been set.
func (s *lsf) ready() error {
	if _, set := s.d.opts.get(OptLSFServer); !set {
		return Error{lsfName, "Submit", ErrNoTransport, noTransportHelp}
	}

	return nil
}

// getTransport returns the Transport that LSF_SERVER and LSF_RSH_CMD currently
// say we should use, reusing the previous one if they haven't changed.
func (s *lsf) getTransport() (spawn.Transport, error) {
	server, set := s.d.opts.get(OptLSFServer)
	if !set {
		return nil, Error{lsfName, "transport", ErrNoTransport, noTransportHelp}
	}

	if strings.EqualFold(server, LocalServer) {
		return s.local, nil
	}

	rsh := s.d.opts.str(OptLSFRshCmd)
	key := rsh + "\x00" + server

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport != nil && s.transportKey == key {
		return s.transport, nil
	}

	var t spawn.Transport

	if rsh == spawn.BuiltinSSH {
		ssh, err := spawn.NewSSH(server, "", s.Logger)
		if err != nil {
			return nil, Error{lsfName, "transport", ErrNoTransport, err.Error()}
		}

		t = ssh
	} else {
		t = spawn.NewRemoteShell(rsh, server, s.Logger)
	}

	s.transport = t
	s.transportKey = key

	return t, nil
}

// resource returns the -R value to use, with EXCLUDE_HOST hosts excluded.
func (s *lsf) resource() string {
	return bsubresource.ExcludeHosts(s.d.opts.str(OptLSFResource), s.d.opts.hosts(OptExcludeHost))
}

// bsubCommand creates the bsub command line for the JobSpec:
//
//	bsub -o <run path>/<name>.LSF-stdout [-q queue] -J <name> -n <cpus>
//	     [-R resource] [-L shell] [-P project] <exe> <args...>
func (s *lsf) bsubCommand(spec JobSpec) (spawn.Command, error) {
	opts := s.d.opts

	args := []string{"-o", filepath.Join(spec.RunPath, spec.Name+lsfOutputSuffix)}

	if queue, set := opts.get(OptLSFQueue); set {
		args = append(args, "-q", queue)
	}

	args = append(args, "-J", spec.Name, "-n", strconv.Itoa(spec.NumCPU))

	if res := s.resource(); res != "" {
		args = append(args, "-R", res)
	}

	if shell, set := opts.get(OptLSFLoginShell); set {
		args = append(args, "-L", shell)
	}

	if project, set := opts.get(OptProjectCode); set {
		args = append(args, "-P", project)
	}

	args = append(args, spec.Executable)
	args = append(args, spec.Args...)

	cmd, err := spawn.NewCommand(opts.str(OptBsubCmd), args...)
	cmd.Dir = spec.RunPath

	return cmd, err
}

// submit runs bsub and picks the job id out of its "Job <id> is submitted"
// output. Debug output is turned on after a failure.
func (s *lsf) submit(ctx context.Context, spec JobSpec) (string, error) {
	id, err := s.bsub(ctx, spec)
	if err != nil {
		s.d.enableDebugOutput()
	}

	return id, err
}

func (s *lsf) bsub(ctx context.Context, spec JobSpec) (string, error) {
	t, err := s.getTransport()
	if err != nil {
		return "", err
	}

	cmd, err := s.bsubCommand(spec)
	if err != nil {
		return "", err
	}

	stdout, stderr, code, err := s.d.submitCmd(ctx, t, cmd)
	if err != nil {
		return "", err
	}

	matches := s.bsubRegex.FindStringSubmatch(stdout + "\n" + stderr)
	if code != 0 || len(matches) != 2 {
		return "", commandFailure(cmd, stdout, stderr, code)
	}

	return matches[1], nil
}

// poll gets the job's state from our cache of bjobs output, using bhist for
// jobs that bjobs has forgotten about.
func (s *lsf) poll(ctx context.Context, h *Handle) (Status, error) {
	t, err := s.getTransport()
	if err != nil {
		return Unknown, err
	}

	js, err := s.d.cache.state(ctx, h.ID, s.d.opts.duration(OptBjobsTimeout), s.lister(t), s.historian(t))
	if err != nil {
		return Unknown, err
	}

	status, err := lsfStatuses.translate(lsfName, js)
	if err != nil {
		return status, err
	}

	h.setHosts(js.Hosts)

	return status, nil
}

// lister runs `bjobs -a`.
func (s *lsf) lister(t spawn.Transport) lister {
	return func(ctx context.Context) (map[string]jobState, error) {
		cmd, err := spawn.NewCommand(s.d.opts.str(OptBjobsCmd), "-a")
		if err != nil {
			return nil, err
		}

		stdout, stderr, code, err := s.d.runCmd(ctx, t, cmd)
		if err != nil {
			return nil, err
		}

		if code != 0 {
			return nil, commandFailure(cmd, stdout, stderr, code)
		}

		return parseBjobs(stdout), nil
	}
}

// parseBjobs parses `bjobs -a` output, which looks like:
//
//	JOBID   USER    STAT  QUEUE      FROM_HOST   EXEC_HOST   JOB_NAME   SUBMIT_TIME
//	1001    bob     RUN   normal     login1      4*node1:node2 myjob    Oct 14 10:00
//	1002    bob     PEND  normal     login1      myjob2     Oct 14 10:01
//
// Lines that don't start with a job id (headers, wrapped lines) are ignored.
// Pending jobs have no EXEC_HOST column.
func parseBjobs(out string) map[string]jobState {
	states := make(map[string]jobState)

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		if _, err := strconv.Atoi(fields[0]); err != nil {
			continue
		}

		js := jobState{Token: fields[2]}

		if !lsfPendingStates[js.Token] && len(fields) > 5 {
			js.Hosts = parseExecHosts(fields[5])
		}

		states[fields[0]] = js
	}

	return states
}

// parseExecHosts parses an EXEC_HOST value like "4*node1:node2".
func parseExecHosts(field string) []string {
	var hosts []string

	seen := make(map[string]bool)

	for _, part := range strings.Split(field, ":") {
		if i := strings.Index(part, "*"); i >= 0 {
			part = part[i+1:]
		}

		if part == "" || seen[part] {
			continue
		}

		seen[part] = true
		hosts = append(hosts, part)
	}

	return hosts
}

// historian uses bhist to see if the PEND or RUN times of a job are changing.
// If neither changes between two samples we assume it finished, though we
// can't tell if it was DONE or EXIT, and say DONE.
func (s *lsf) historian(t spawn.Transport) historian {
	return func(ctx context.Context, id string) jobState {
		s.d.enableDebugOutput()

		unknown := jobState{Token: lsfUnknown}

		pend1, run1, ok := s.bhist(ctx, t, id)
		if !ok {
			return unknown
		}

		if err := sleepCtx(ctx, s.historySleep); err != nil {
			return unknown
		}

		pend2, run2, ok := s.bhist(ctx, t, id)
		if !ok {
			return unknown
		}

		token := lsfUnknown

		if pend1 == pend2 && run1 == run2 {
			token = lsfDone
		}

		if pend2 > pend1 {
			token = lsfPending
		}

		if run2 > run1 {
			token = lsfRunning
		}

		s.Debug("job state from bhist", "id", id, "state", token)

		return jobState{Token: token}
	}
}

// bhist runs bhist on the job and returns its pend and run times.
func (s *lsf) bhist(ctx context.Context, t spawn.Transport, id string) (int, int, bool) {
	cmd, err := spawn.NewCommand(s.d.opts.str(OptBhistCmd), id)
	if err != nil {
		return 0, 0, false
	}

	stdout, stderr, code, err := s.d.runCmd(ctx, t, cmd)
	if err != nil || code != 0 {
		s.Warn("bhist failed", "id", id, "err", err, "exit", code, "stderr", stderr)

		return 0, 0, false
	}

	return parseBhist(stdout, id)
}

// parseBhist parses bhist output, which looks like:
//
//	Summary of time in seconds spent in various states:
//	JOBID   USER    JOB_NAME  PEND    PSUSP   RUN     USUSP   SSUSP   UNKWN   TOTAL
//	1001    bob     myjob     5       0       100     0       0       0       105
//
// Job names can contain spaces, so PEND and RUN are found counting from the
// right when there are enough columns.
func parseBhist(out, id string) (pend, run int, ok bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 6 || fields[0] != id {
			continue
		}

		pendField, runField := fields[3], fields[5]
		if len(fields) >= 10 {
			pendField, runField = fields[len(fields)-7], fields[len(fields)-5]
		}

		var errp, errr error

		pend, errp = strconv.Atoi(pendField)
		run, errr = strconv.Atoi(runField)

		if errp == nil && errr == nil {
			return pend, run, true
		}
	}

	return 0, 0, false
}

// kill runs bkill on the job.
func (s *lsf) kill(ctx context.Context, h *Handle) error {
	t, err := s.getTransport()
	if err != nil {
		return err
	}

	return killWith(ctx, s.d, t, s.d.opts.str(OptBkillCmd), h.ID)
}

// reattach has nothing to do, since all we need is the id.
func (s *lsf) reattach(h *Handle) error {
	return nil
}

// killOKRegex matches kill command output that means the job is already dead
// or dying.
var killOKRegex = regexp.MustCompile(`(?i)already finished|is being terminated|already completed|has finished|job has terminated`)

// killWith runs a kill command like bkill, qdel or scancel on the job, treating
// complaints that the job already finished as success.
func killWith(ctx context.Context, d *Driver, t spawn.Transport, killCmd, id string) error {
	cmd, err := spawn.NewCommand(killCmd, id)
	if err != nil {
		return err
	}

	stdout, stderr, code, err := d.runCmd(ctx, t, cmd)
	if err != nil {
		return err
	}

	if code != 0 && !killOKRegex.MatchString(stdout+stderr) {
		return commandFailure(cmd, stdout, stderr, code)
	}

	return nil
}
