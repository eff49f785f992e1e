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
Package spawn runs external commands, either directly on the local machine or
on a remote host through a remote shell, with their stdout and stderr written
to files you choose.

Every call blocks until the command exits. A non-zero exit code is not an
error: you get the code back and are expected to look at what the command
wrote. An error is only returned if the command could not be run at all.

    import "github.com/VertebrateResequencing/jobdriver/spawn"
    local := spawn.NewLocal(logger)
    code, err := local.Run(ctx, spawn.Command{
        Name:   "bjobs",
        Args:   []string{"-a"},
        Stdout: "/tmp/bjobs.out",
    })

    remote := spawn.NewRemoteShell("ssh", "login1", logger)
    stdout, stderr, code, err := spawn.Output(ctx, remote, spawn.Command{
        Name: "bsub",
        Args: []string{"-R", "span[host=1] select[hname!='bad1']", "sleep", "10"},
    })
*/
package spawn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alessio/shellescape"
	"github.com/gofrs/uuid"
	"github.com/google/shlex"
)

// Command describes an external command to run.
type Command struct {
	// Name is the executable, either a path or something found in $PATH.
	Name string

	// Args are the arguments, exactly as the executable should receive them.
	Args []string

	// Dir is the working directory; empty means the current one.
	Dir string

	// Stdout and Stderr are paths of files that will be created (truncated)
	// to receive the command's output. Empty means the output is discarded.
	Stdout string
	Stderr string

	// Detach runs the command in its own process group, so that signals sent
	// to our group don't reach it and it can be killed as a group.
	Detach bool

	// OnStart, if set, is called with the pid of the process as soon as it has
	// started, before Run() waits for it to exit.
	OnStart func(pid int)
}

// Line returns the command as a single string suitable for a POSIX shell to
// parse back in to the same Name and Args.
func (c Command) Line() string {
	return Quote(append([]string{c.Name}, c.Args...))
}

func (c Command) String() string {
	return c.Line()
}

// Transport is something that can run a Command to completion.
type Transport interface {
	// Run runs the command, blocking until it exits, and returns its exit
	// code. err is only non-nil if the command could not be started or its
	// output files could not be created; a command that runs and fails gets a
	// non-zero exit code and a nil error.
	Run(ctx context.Context, cmd Command) (exitCode int, err error)

	// String describes the transport for logging.
	String() string
}

// Output runs the given command on the given transport, capturing its stdout
// and stderr in temporary files that are read back and deleted before
// returning. Any Stdout and Stderr set on cmd are ignored.
func Output(ctx context.Context, t Transport, cmd Command) (stdout, stderr string, exitCode int, err error) {
	base, err := tempBasename()
	if err != nil {
		return "", "", -1, err
	}

	cmd.Stdout = base + ".stdout"
	cmd.Stderr = base + ".stderr"

	defer func() {
		for _, path := range []string{cmd.Stdout, cmd.Stderr} {
			if errr := os.Remove(path); errr != nil && !os.IsNotExist(errr) && err == nil {
				err = errr
			}
		}
	}()

	exitCode, err = t.Run(ctx, cmd)
	if err != nil {
		return "", "", exitCode, err
	}

	stdout, err = readOutput(cmd.Stdout)
	if err != nil {
		return "", "", exitCode, err
	}

	stderr, err = readOutput(cmd.Stderr)

	return stdout, stderr, exitCode, err
}

// tempBasename returns a unique path prefix in the system temp dir.
func tempBasename() (string, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("could not create a unique output file name: %w", err)
	}

	return filepath.Join(os.TempDir(), "jobdriver_"+u.String()), nil
}

// readOutput returns the contents of a captured output file, treating a
// missing file as empty output.
func readOutput(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}

		return "", err
	}

	return string(b), nil
}

// Split splits a command line option value like "ssh -o BatchMode=yes" in to
// its words, following POSIX shell quoting rules.
func Split(line string) ([]string, error) {
	words, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("could not split [%s]: %w", line, err)
	}

	if len(words) == 0 {
		return nil, fmt.Errorf("no command in [%s]", line)
	}

	return words, nil
}

// Quote quotes each of the given words so that a POSIX shell will parse the
// result back in to exactly those words, then joins them with spaces. Words
// with no special characters are left as they are.
func Quote(words []string) string {
	return shellescape.QuoteCommand(words)
}

// NewCommand makes a Command from a command option value, which may contain
// flags of its own (eg. "bsub -K"), followed by further args.
func NewCommand(name string, args ...string) (Command, error) {
	words, err := Split(name)
	if err != nil {
		return Command{}, err
	}

	return Command{Name: words[0], Args: append(words[1:], args...)}, nil
}
