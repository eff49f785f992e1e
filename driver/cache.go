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

// This file contains the per-driver cache of job states, which lets many
// concurrent polls share a single "list all jobs" query per refresh interval.

import (
	"context"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/patrickmn/go-cache"
	sync "github.com/sasha-s/go-deadlock"
)

// entryLifetime is how many refresh intervals a cached state lives for.
const entryLifetime = 10

// lister gets the current state of every job the batch system knows about.
type lister func(ctx context.Context) (map[string]jobState, error)

// historian finds the state of a single job that has dropped out of the
// batch system's list of current jobs. It always returns some state, using
// the batch system's unknown token if nothing better can be found.
type historian func(ctx context.Context, id string) jobState

// statusCache holds the last seen state of our own jobs.
type statusCache struct {
	entries     *cache.Cache
	lastRefresh time.Time
	pollMu      turnLock
	jobs        map[string]bool
	jobsMu      sync.RWMutex
	log15.Logger
}

func newStatusCache(logger log15.Logger) *statusCache {
	return &statusCache{
		entries: cache.New(cache.NoExpiration, time.Minute),
		jobs:    make(map[string]bool),
		Logger:  logger,
	}
}

// track means the job with the given id is one of ours, and will be included
// in future refreshes.
func (c *statusCache) track(id string) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	c.jobs[id] = true
}

// forget stops tracking the given job.
func (c *statusCache) forget(id string) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	delete(c.jobs, id)
	c.entries.Delete(id)
}

func (c *statusCache) tracking(id string) bool {
	c.jobsMu.RLock()
	defer c.jobsMu.RUnlock()

	return c.jobs[id]
}

// ids returns the ids of all tracked jobs.
func (c *statusCache) ids() []string {
	c.jobsMu.RLock()
	defer c.jobsMu.RUnlock()

	ids := make([]string, 0, len(c.jobs))
	for id := range c.jobs {
		ids = append(ids, id)
	}

	return ids
}

// state returns the state of the given job. If the interval has passed since
// the last refresh, or we have no state for the job, list is called and the
// states of all our jobs are replaced with what it returns. If the job is
// still unknown after that, history is called for it, without holding up
// other polls. States from either source are cached.
func (c *statusCache) state(ctx context.Context, id string, interval time.Duration, list lister, history historian) (jobState, error) {
	js, found, err := c.current(ctx, id, interval, list)
	if err != nil || found {
		return js, err
	}

	c.Warn("job not found in current job list, trying its history", "id", id)

	js = history(ctx, id)

	if err = c.pollMu.lock(ctx); err != nil {
		return js, err
	}
	defer c.pollMu.unlock()

	// a refresh while we were looking beats the history
	if newer, found := c.entries.Get(id); found {
		return newer.(jobState), nil
	}

	c.entries.Set(id, js, lifetime(interval))

	return js, nil
}

// current returns the cached state of the job, refreshing first if needed.
func (c *statusCache) current(ctx context.Context, id string, interval time.Duration, list lister) (jobState, bool, error) {
	if err := c.pollMu.lock(ctx); err != nil {
		return jobState{}, false, err
	}
	defer c.pollMu.unlock()

	_, cached := c.entries.Get(id)

	if !cached || time.Since(c.lastRefresh) >= interval {
		c.refresh(ctx, interval, list)
	}

	if js, found := c.entries.Get(id); found {
		return js.(jobState), true, nil
	}

	return jobState{}, false, nil
}

// refresh must be called with pollMu held.
func (c *statusCache) refresh(ctx context.Context, interval time.Duration, list lister) {
	states, err := list(ctx)
	c.lastRefresh = time.Now()

	if err != nil {
		c.Warn("listing jobs failed", "err", err)

		return
	}

	c.entries.Flush()

	life := lifetime(interval)

	for _, id := range c.ids() {
		if js, found := states[id]; found {
			c.entries.Set(id, js, life)
		}
	}
}

// lifetime is how long a state is kept for, given the refresh interval.
func lifetime(interval time.Duration) time.Duration {
	if interval <= 0 {
		return cache.NoExpiration
	}

	return entryLifetime * interval
}
