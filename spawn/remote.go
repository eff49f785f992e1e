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

import (
	"context"

	"github.com/inconshreveable/log15"
)

// RemoteShell is a Transport that runs commands on another host by invoking a
// remote shell client (typically ssh) locally:
//
//	<Cmd> <Host> "<quoted command line>"
//
// The whole command line is passed as a single argument, with each word quoted
// so that the remote shell parses it back in to the original args.
type RemoteShell struct {
	Cmd   string
	Host  string
	local *Local
	log15.Logger
}

// NewRemoteShell returns a RemoteShell that uses the given client command,
// which may have flags of its own, eg. "ssh -o BatchMode=yes".
func NewRemoteShell(rsh, host string, logger log15.Logger) *RemoteShell {
	l := logger.New("transport", "remote", "host", host)

	return &RemoteShell{
		Cmd:    rsh,
		Host:   host,
		local:  NewLocal(l),
		Logger: l,
	}
}

func (r *RemoteShell) String() string {
	return r.Cmd + " " + r.Host
}

// Run achieves the aims of Transport.Run(). The cmd's Dir, if any, is changed
// to on the remote host before running the command.
func (r *RemoteShell) Run(ctx context.Context, cmd Command) (int, error) {
	wrapped, err := NewCommand(r.Cmd, r.Host, remoteLine(cmd))
	if err != nil {
		return -1, err
	}

	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Detach = cmd.Detach
	wrapped.OnStart = cmd.OnStart

	return r.local.Run(ctx, wrapped)
}

// remoteLine is the line a remote shell should run for the given cmd.
func remoteLine(cmd Command) string {
	line := cmd.Line()
	if cmd.Dir != "" {
		line = "cd " + Quote([]string{cmd.Dir}) + " && " + line
	}

	return line
}
