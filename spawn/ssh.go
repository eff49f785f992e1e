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

// This file contains a Transport that talks ssh itself instead of relying on
// an ssh client being installed.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/inconshreveable/log15"
	sync "github.com/sasha-s/go-deadlock"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultSSHPort = 22

// BuiltinSSH is the remote shell command name that selects the SSH transport
// instead of running an external client.
const BuiltinSSH = "builtin"

// keyTypes are the private key files we try, in order, from ~/.ssh when no
// key path was given.
var keyTypes = []string{"ed25519", "ecdsa", "rsa", "dsa"}

// SSH is a Transport that runs commands on a remote host over an ssh
// connection it manages itself, authenticating with your private key. The
// connection is made on first use and re-made if it breaks.
type SSH struct {
	Host    string
	Port    int
	User    string
	KeyPath string
	client  *ssh.Client
	mu      sync.Mutex
	log15.Logger
}

// NewSSH returns an SSH for the given target, which is a host name optionally
// prefixed with "user@" and suffixed with ":port". keyPath may be empty to use
// your default key.
func NewSSH(target, keyPath string, logger log15.Logger) (*SSH, error) {
	s := &SSH{Port: defaultSSHPort, KeyPath: keyPath}

	if i := strings.LastIndex(target, "@"); i >= 0 {
		s.User = target[:i]
		target = target[i+1:]
	}

	if host, port, err := net.SplitHostPort(target); err == nil {
		p, errc := strconv.Atoi(port)
		if errc != nil {
			return nil, fmt.Errorf("bad port in ssh target [%s]: %w", target, errc)
		}

		s.Port = p
		target = host
	}

	if target == "" {
		return nil, errors.New("ssh target has no host")
	}

	s.Host = target

	if s.User == "" {
		usr, err := user.Current()
		if err != nil {
			return nil, fmt.Errorf("could not determine ssh user: %w", err)
		}

		s.User = usr.Username
	}

	s.Logger = logger.New("transport", "ssh", "host", s.Host)

	return s, nil
}

func (s *SSH) String() string {
	return "ssh://" + s.User + "@" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Run achieves the aims of Transport.Run(). Detach and OnStart have no effect,
// since there is no local process.
func (s *SSH) Run(ctx context.Context, cmd Command) (int, error) {
	session, err := s.session()
	if err != nil {
		return -1, err
	}
	defer session.Close()

	files, err := sessionOutput(session, cmd)
	defer closeAll(files)

	if err != nil {
		return -1, err
	}

	line := remoteLine(cmd)
	s.Debug("running", "cmd", line)

	done := make(chan error, 1)

	go func() {
		done <- session.Run(line)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL) //nolint:errcheck

		return -1, ctx.Err()
	case err = <-done:
	}

	if err == nil {
		return 0, nil
	}

	var ee *ssh.ExitError
	if errors.As(err, &ee) {
		return ee.ExitStatus(), nil
	}

	s.closeClient()

	return -1, fmt.Errorf("failed to run [%s] on %s: %w", line, s, err)
}

// session returns a new session on our connection, connecting first if
// necessary.
func (s *SSH) session() (*ssh.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		session, err := s.client.NewSession()
		if err == nil {
			return session, nil
		}

		s.Debug("reconnecting after session failure", "err", err)
		s.client.Close()
		s.client = nil
	}

	client, err := s.connect()
	if err != nil {
		return nil, err
	}

	s.client = client

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create session on %s: %w", s, err)
	}

	return session, nil
}

// closeClient drops our connection so the next Run() makes a new one.
func (s *SSH) closeClient() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// connect connects to the remote host using the user's private key for
// authentication.
func (s *SSH) connect() (*ssh.Client, error) {
	signer, err := s.signer()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            s.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: s.hostKeyCallback(),
	}

	hostAndPort := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))

	client, err := ssh.Dial("tcp", hostAndPort, config)
	if err != nil {
		return nil, fmt.Errorf("failed to ssh to %s: %w", hostAndPort, err)
	}

	return client, nil
}

// signer reads the configured key, or the first of the user's default keys that
// can be parsed.
func (s *SSH) signer() (ssh.Signer, error) {
	if s.KeyPath != "" {
		return parseKeyFile(s.KeyPath)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("could not find your home dir for ssh keys: %w", err)
	}

	var lastErr error

	for _, keytype := range keyTypes {
		signer, errp := parseKeyFile(filepath.Join(home, ".ssh", "id_"+keytype))
		if errp == nil {
			return signer, nil
		}

		lastErr = errp
	}

	return nil, fmt.Errorf("failed to get your ssh key file: %w", lastErr)
}

func parseKeyFile(path string) (ssh.Signer, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ssh.ParsePrivateKey(buf)
}

// hostKeyCallback checks host keys against ~/.ssh/known_hosts when there is
// one.
func (s *SSH) hostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		if cb, errk := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts")); errk == nil {
			return cb
		}
	}

	s.Warn("no usable known_hosts file, host keys will not be verified")

	return ssh.InsecureIgnoreHostKey() // #nosec
}

// sessionOutput points the session's stdout and stderr at the files the cmd
// wants.
func sessionOutput(session *ssh.Session, cmd Command) ([]io.Closer, error) {
	var files []io.Closer

	for _, target := range []struct {
		path string
		w    *io.Writer
	}{
		{cmd.Stdout, &session.Stdout},
		{cmd.Stderr, &session.Stderr},
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
