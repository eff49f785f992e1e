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

// This file contains the canonical job states and the tables that translate
// each batch system's state tokens in to them.

import "strings"

// Status is the canonical state of a submitted job, whatever batch system it
// was submitted to.
type Status int

// Status* constants are the possible states of a job. Done and Exit are
// terminal.
const (
	NotActive Status = iota
	Pending
	Running
	Done
	Exit
	Unknown
)

var statusNames = [...]string{
	NotActive: "NOT_ACTIVE",
	Pending:   "PENDING",
	Running:   "RUNNING",
	Done:      "DONE",
	Exit:      "EXIT",
	Unknown:   "UNKNOWN",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return statusNames[Unknown]
	}

	return statusNames[s]
}

// IsTerminal tells you if a job in this state will never change state again.
func (s Status) IsTerminal() bool {
	return s == Done || s == Exit
}

// ParseStatus converts the output of String() back to a Status.
func ParseStatus(name string) (Status, bool) {
	for s, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(s), true
		}
	}

	return Unknown, false
}

// jobState is what a batch system told us about a job: its raw state token,
// the exit code if it reported one, and the hosts it is running on.
type jobState struct {
	Token   string
	Exit    int
	HasExit bool
	Hosts   []string
}

// statusTable maps a batch system's state tokens to canonical states.
type statusTable map[string]Status

// translate converts the raw state to a Status, returning an ErrUnknownStatus
// Error for tokens the table doesn't know.
func (t statusTable) translate(driver string, js jobState) (Status, error) {
	status, known := t[js.Token]
	if !known {
		return Unknown, Error{Driver: driver, Op: "Poll", Err: ErrUnknownStatus, Detail: js.Token}
	}

	return status, nil
}

const (
	lsfPending  = "PEND"
	lsfRunning  = "RUN"
	lsfDone     = "DONE"
	lsfUnknown  = "UNKWN"
	pbsUnknown  = "M"
	pbsFinished = "C"
)

var lsfStatuses = statusTable{
	lsfPending: Pending,
	"WAIT":     Pending,
	"PROV":     Pending,
	lsfRunning: Running,
	"PSUSP":    Running,
	"USUSP":    Running,
	"SSUSP":    Running,
	lsfDone:    Done,
	"PDONE":    Done,
	"EXIT":     Exit,
	"ZOMBI":    Exit,
	lsfUnknown: Unknown,
}

var pbsStatuses = statusTable{
	"Q":         Pending,
	"H":         Pending,
	"W":         Pending,
	"T":         Pending,
	"R":         Running,
	"S":         Running,
	"U":         Running,
	"B":         Running,
	"E":         Done,
	pbsFinished: Done,
	"F":         Done,
	"X":         Done,
	pbsUnknown:  Unknown,
}

var slurmStatuses = statusTable{
	"PENDING":       Pending,
	"CONFIGURING":   Pending,
	"REQUEUED":      Pending,
	"REQUEUE_HOLD":  Pending,
	"REQUEUE_FED":   Pending,
	"RESV_DEL_HOLD": Pending,
	"RUNNING":       Running,
	"COMPLETING":    Running,
	"SUSPENDED":     Running,
	"STOPPED":       Running,
	"RESIZING":      Running,
	"SIGNALING":     Running,
	"STAGE_OUT":     Running,
	"COMPLETED":     Done,
	"FAILED":        Exit,
	"CANCELLED":     Exit,
	"TIMEOUT":       Exit,
	"NODE_FAIL":     Exit,
	"OUT_OF_MEMORY": Exit,
	"BOOT_FAIL":     Exit,
	"DEADLINE":      Exit,
	"PREEMPTED":     Exit,
	"REVOKED":       Exit,
	"SPECIAL_EXIT":  Exit,
	slurmUnknown:    Unknown,
}

// slurmUnknown is our own token for jobs slurm no longer knows about.
const slurmUnknown = "UNKNOWN"

// translatePBS is like translate, but finished jobs with a non-zero exit code
// are Exit instead of Done.
func translatePBS(js jobState) (Status, error) {
	status, err := pbsStatuses.translate(pbsName, js)
	if err != nil {
		return status, err
	}

	if status == Done && js.HasExit && js.Exit != 0 {
		return Exit, nil
	}

	return status, nil
}
