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
Package limiter provides a way of limiting how many jobs run at once in each of
a number of named groups, typically one group per batch system driver. It can
be used concurrently.

You first create a Limiter with a callback that provides the limit of each
group, where 0 means unlimited. Before submitting a job, Acquire() a slot in its
group, which blocks while the group is at its limit. When the job has finished,
Release() the slot so that another job can be submitted.

The callback is only called when a group is first used, or after the group's
count has fallen back to zero and it has been forgotten. Use SetLimit() to
change the limit of a group in use.

	import "github.com/VertebrateResequencing/jobdriver/limiter"

	l := limiter.New(func(name string) int {
	    return 2
	})

	err := l.Acquire(ctx, "lsf") // returns immediately
	err = l.Acquire(ctx, "lsf")  // returns immediately
	ok := l.TryAcquire("lsf")    // false
	l.Release("lsf")
	err = l.Acquire(ctx, "lsf")  // returns immediately
*/
package limiter
