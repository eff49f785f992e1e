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

import (
	"context"

	sync "github.com/sasha-s/go-deadlock"
)

// turnLock is a lock that is handed out in the order it was asked for, used
// where the holder runs batch system commands that can take a long time.
// Waiting for it can be abandoned by cancelling the context.
type turnLock struct {
	mu      sync.Mutex
	held    bool
	waiting []chan struct{}
}

// lock blocks until it is our turn, returning the context's error (and not
// holding the lock) if it is cancelled first.
func (l *turnLock) lock(ctx context.Context) error {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()

		return nil
	}

	turn := make(chan struct{})
	l.waiting = append(l.waiting, turn)
	l.mu.Unlock()

	select {
	case <-turn:
		return nil
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for i, w := range l.waiting {
		if w == turn {
			l.waiting = append(l.waiting[:i], l.waiting[i+1:]...)

			return ctx.Err()
		}
	}

	// it became our turn as we gave up
	l.next()

	return ctx.Err()
}

func (l *turnLock) unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next()
}

// next must be called with mu held.
func (l *turnLock) next() {
	if len(l.waiting) == 0 {
		l.held = false

		return
	}

	turn := l.waiting[0]
	l.waiting = l.waiting[1:]
	close(turn)
}
