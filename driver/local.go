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

// This file contains a driveri implementation that just runs jobs on the
// local machine, with no batch system involved.

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/VertebrateResequencing/jobdriver/internal"
	"github.com/VertebrateResequencing/jobdriver/spawn"
	"github.com/inconshreveable/log15"
	sync "github.com/sasha-s/go-deadlock"
	"github.com/shirou/gopsutil/process"
)

const zombieStatus = "Z"

var errNotStarted = errors.New("process did not start")

// localJob is a process we started, or found again by its pid.
type localJob struct {
	pid        int
	reattached bool
	done       chan struct{}
	exitCode   int
	err        error
}

// local is our implementer of driveri.
type local struct {
	d      *Driver
	runner *spawn.Local
	jobs   map[string]*localJob
	mu     sync.RWMutex
	log15.Logger
}

func (s *local) initialize(d *Driver) error {
	s.d = d
	s.Logger = d.Logger
	s.runner = spawn.NewLocal(d.Logger)
	s.jobs = make(map[string]*localJob)

	return nil
}

// rules returns no extra keys: only the common ones apply.
func (s *local) rules() optionRules {
	return nil
}

func (s *local) ready() error {
	return nil
}

// submit starts the executable in the run path, in its own process group, with
// output going to <name>.stdout and <name>.stderr there. The pid is the id.
func (s *local) submit(ctx context.Context, spec JobSpec) (string, error) {
	started := make(chan int, 1)

	cmd := spawn.Command{
		Name:    spec.Executable,
		Args:    spec.Args,
		Dir:     spec.RunPath,
		Stdout:  filepath.Join(spec.RunPath, spec.Name+".stdout"),
		Stderr:  filepath.Join(spec.RunPath, spec.Name+".stderr"),
		Detach:  true,
		OnStart: func(pid int) { started <- pid },
	}

	job := &localJob{done: make(chan struct{})}

	if err := s.d.submitMu.lock(ctx); err != nil {
		return "", err
	}
	defer s.d.submitMu.unlock()

	go func() {
		defer internal.LogPanic(s.Logger, "local job", false)
		defer close(job.done)

		// the job should outlive the submission context
		job.exitCode, job.err = s.runner.Run(context.Background(), cmd)
		if job.err != nil {
			s.Warn("local job failed", "cmd", cmd.Line(), "err", job.err)
		}
	}()

	select {
	case job.pid = <-started:
	case <-job.done:
		select {
		case job.pid = <-started:
		default:
			if job.err == nil {
				job.err = errNotStarted
			}

			return "", job.err
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	id := strconv.Itoa(job.pid)

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	return id, nil
}

func (s *local) job(id string) (*localJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, found := s.jobs[id]
	if !found {
		return nil, Error{localName, "Poll", ErrUnknownJob, id}
	}

	return job, nil
}

// poll checks if our process has exited, and with what exit code. For
// reattached jobs we can only see if the pid is still running.
func (s *local) poll(ctx context.Context, h *Handle) (Status, error) {
	job, err := s.job(h.ID)
	if err != nil {
		return Unknown, err
	}

	if job.reattached {
		return pidStatus(job.pid), nil
	}

	select {
	case <-job.done:
		if job.err == nil && job.exitCode == 0 {
			return Done, nil
		}

		return Exit, nil
	default:
		return Running, nil
	}
}

// pidStatus is Running if the pid exists and isn't a zombie, otherwise Done.
func pidStatus(pid int) Status {
	exists, err := process.PidExists(int32(pid))
	if err != nil || !exists {
		return Done
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Done
	}

	if status, err := p.Status(); err == nil && status == zombieStatus {
		return Done
	}

	return Running
}

// kill sends SIGTERM to the job's process group, or for reattached jobs, to
// the process itself.
func (s *local) kill(ctx context.Context, h *Handle) error {
	job, err := s.job(h.ID)
	if err != nil {
		return err
	}

	if job.reattached {
		p, errp := process.NewProcess(int32(job.pid))
		if errp != nil {
			return nil
		}

		return p.Terminate()
	}

	select {
	case <-job.done:
		return nil
	default:
	}

	if err = syscall.Kill(-job.pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("could not signal process group %d: %w", job.pid, err)
	}

	return nil
}

// reattach records the pid from the marker, so we can watch for it to go away.
func (s *local) reattach(h *Handle) error {
	pid, err := strconv.Atoi(h.ID)
	if err != nil || pid < 1 {
		return Error{localName, "Reattach", ErrNoMarker, "bad pid " + h.ID}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.jobs[h.ID]; !found {
		s.jobs[h.ID] = &localJob{pid: pid, reattached: true}
	}

	return nil
}
