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

package spawn

// This file contains the Transport that runs commands directly on this host.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	lru "github.com/hashicorp/golang-lru"
	"github.com/inconshreveable/log15"
)

const pathCacheSize = 64

// Local is a Transport that invokes commands itself, with no shell in between,
// so the args a Command has are exactly the args the executable gets.
type Local struct {
	paths *lru.Cache
	log15.Logger
}

// NewLocal returns a Local that logs to the given logger.
func NewLocal(logger log15.Logger) *Local {
	paths, err := lru.New(pathCacheSize)
	if err != nil {
		// only possible for a non-positive size
		panic(err)
	}

	return &Local{paths: paths, Logger: logger.New("transport", "local")}
}

func (l *Local) String() string {
	return "local"
}

// Run achieves the aims of Transport.Run().
func (l *Local) Run(ctx context.Context, cmd Command) (int, error) {
	exe, err := l.lookPath(cmd.Name)
	if err != nil {
		return -1, err
	}

	ec := exec.CommandContext(ctx, exe, cmd.Args...) // #nosec
	ec.Dir = cmd.Dir

	if cmd.Detach {
		ec.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	files, err := redirect(ec, cmd)
	defer closeAll(files)

	if err != nil {
		return -1, err
	}

	l.Debug("running", "cmd", cmd.Line(), "dir", cmd.Dir)

	if err = ec.Start(); err != nil {
		return -1, fmt.Errorf("could not start [%s]: %w", cmd.Line(), err)
	}

	if cmd.OnStart != nil {
		cmd.OnStart(ec.Process.Pid)
	}

	code, err := exitCode(ec.Wait())
	if ctx.Err() != nil {
		return code, ctx.Err()
	}

	if err != nil {
		return code, fmt.Errorf("failed waiting for [%s]: %w", cmd.Line(), err)
	}

	l.Debug("ran", "cmd", cmd.Name, "exit", code)

	return code, nil
}

// lookPath finds the full path to the named executable, remembering previous
// answers. Names with a path separator are used as-is.
func (l *Local) lookPath(name string) (string, error) {
	if strings.Contains(name, string(os.PathSeparator)) {
		return name, nil
	}

	if path, found := l.paths.Get(name); found {
		return path.(string), nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("could not find executable [%s]: %w", name, err)
	}

	l.paths.Add(name, path)

	return path, nil
}

// redirect creates the output files the cmd wants and attaches them to ec.
func redirect(ec *exec.Cmd, cmd Command) ([]io.Closer, error) {
	var files []io.Closer

	for _, target := range []struct {
		path string
		w    *io.Writer
	}{
		{cmd.Stdout, &ec.Stdout},
		{cmd.Stderr, &ec.Stderr},
	} {
		if target.path == "" {
			continue
		}

		f, err := os.Create(target.path)
		if err != nil {
			return files, fmt.Errorf("could not create output file: %w", err)
		}

		files = append(files, f)
		*target.w = f
	}

	return files, nil
}

func closeAll(files []io.Closer) {
	for _, f := range files {
		f.Close() //nolint:errcheck
	}
}

// exitCode converts the result of Wait() in to an exit code, with processes
// killed by a signal getting 128 plus the signal number, like a shell reports.
// Only non-exit errors are returned.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return -1, err
	}

	if status, ok := ee.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}

	return ee.ExitCode(), nil
}
