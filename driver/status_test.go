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
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestStatus(t *testing.T) {
	Convey("Statuses have names and know if they're terminal", t, func() {
		So(Pending.String(), ShouldEqual, "PENDING")
		So(Status(99).String(), ShouldEqual, "UNKNOWN")
		So(Done.IsTerminal(), ShouldBeTrue)
		So(Exit.IsTerminal(), ShouldBeTrue)
		So(Running.IsTerminal(), ShouldBeFalse)
		So(Unknown.IsTerminal(), ShouldBeFalse)

		s, ok := ParseStatus("running")
		So(ok, ShouldBeTrue)
		So(s, ShouldEqual, Running)

		_, ok = ParseStatus("foo")
		So(ok, ShouldBeFalse)
	})

	Convey("LSF states translate", t, func() {
		for token, expected := range map[string]Status{
			"PEND":  Pending,
			"RUN":   Running,
			"SSUSP": Running,
			"DONE":  Done,
			"EXIT":  Exit,
			"ZOMBI": Exit,
			"UNKWN": Unknown,
		} {
			s, err := lsfStatuses.translate(lsfName, jobState{Token: token})
			So(err, ShouldBeNil)
			So(s, ShouldEqual, expected)
		}

		Convey("Unrecognised tokens are a fatal error", func() {
			s, err := lsfStatuses.translate(lsfName, jobState{Token: "WEIRD"})
			So(s, ShouldEqual, Unknown)
			So(err, ShouldNotBeNil)
			So(IsFatal(err), ShouldBeTrue)
			So(err.(Error).Err, ShouldEqual, ErrUnknownStatus)
			So(err.Error(), ShouldContainSubstring, "WEIRD")
		})
	})

	Convey("PBS finished states depend on the exit code", t, func() {
		s, err := translatePBS(jobState{Token: "C", Exit: 0, HasExit: true})
		So(err, ShouldBeNil)
		So(s, ShouldEqual, Done)

		s, err = translatePBS(jobState{Token: "E", Exit: 1, HasExit: true})
		So(err, ShouldBeNil)
		So(s, ShouldEqual, Exit)

		s, err = translatePBS(jobState{Token: "F"})
		So(err, ShouldBeNil)
		So(s, ShouldEqual, Done)

		s, err = translatePBS(jobState{Token: "R", Exit: 1, HasExit: true})
		So(err, ShouldBeNil)
		So(s, ShouldEqual, Running)

		s, err = translatePBS(jobState{Token: "M"})
		So(err, ShouldBeNil)
		So(s, ShouldEqual, Unknown)

		_, err = translatePBS(jobState{Token: "Z"})
		So(IsFatal(err), ShouldBeTrue)
	})

	Convey("SLURM states translate", t, func() {
		for token, expected := range map[string]Status{
			"PENDING":   Pending,
			"RUNNING":   Running,
			"COMPLETED": Done,
			"FAILED":    Exit,
			"CANCELLED": Exit,
			"TIMEOUT":   Exit,
			"UNKNOWN":   Unknown,
		} {
			s, err := slurmStatuses.translate(slurmName, jobState{Token: token})
			So(err, ShouldBeNil)
			So(s, ShouldEqual, expected)
		}
	})
}

func TestParsers(t *testing.T) {
	Convey("bjobs output can be parsed", t, func() {
		out := `JOBID   USER    STAT  QUEUE      FROM_HOST   EXEC_HOST   JOB_NAME   SUBMIT_TIME
1001    bob     RUN   normal     login1      4*node1:node2 myjob    Oct 14 10:00
1002    bob     PEND  normal     login1      myjob2     Oct 14 10:01
1003    bob     DONE  normal     login1      node3      myjob3     Oct 14 10:02
                                             node4
garbage
`
		states := parseBjobs(out)
		So(len(states), ShouldEqual, 3)
		So(states["1001"].Token, ShouldEqual, "RUN")
		So(states["1001"].Hosts, ShouldResemble, []string{"node1", "node2"})
		So(states["1002"].Token, ShouldEqual, "PEND")
		So(states["1002"].Hosts, ShouldBeNil)
		So(states["1003"].Token, ShouldEqual, "DONE")
		So(states["1003"].Hosts, ShouldResemble, []string{"node3"})

		So(parseBjobs("No job found\n"), ShouldBeEmpty)
	})

	Convey("bhist output can be parsed", t, func() {
		out := `Summary of time in seconds spent in various states:
JOBID   USER    JOB_NAME  PEND    PSUSP   RUN     USUSP   SSUSP   UNKWN   TOTAL
1001    bob     myjob     5       0       100     0       0       0       105
`
		pend, run, ok := parseBhist(out, "1001")
		So(ok, ShouldBeTrue)
		So(pend, ShouldEqual, 5)
		So(run, ShouldEqual, 100)

		Convey("Job names with spaces are handled", func() {
			out := "1001    bob     my job name  7   0   200   0   0   0   207\n"
			pend, run, ok := parseBhist(out, "1001")
			So(ok, ShouldBeTrue)
			So(pend, ShouldEqual, 7)
			So(run, ShouldEqual, 200)
		})

		Convey("Other jobs and bad output are not accepted", func() {
			_, _, ok := parseBhist(out, "1002")
			So(ok, ShouldBeFalse)

			_, _, ok = parseBhist("1001 bob myjob x 0 y\n", "1001")
			So(ok, ShouldBeFalse)
		})
	})

	Convey("qstat -f output can be parsed", t, func() {
		Convey("With tab separated ids", func() {
			states := parseQstat("Job Id:\t1\n    job_state = R\n")
			So(states["1"].Token, ShouldEqual, "R")
		})

		Convey("Ids with a server suffix are keyed on the number", func() {
			states := parseQstat("Job Id: 1.namespace\n    Job_Name = x\n    job_state = Q\n")
			So(states["1"].Token, ShouldEqual, "Q")
		})

		Convey("Job 11 is not job 1", func() {
			states := parseQstat("Job Id: 11\n    job_state = R\n")
			_, found := states["1"]
			So(found, ShouldBeFalse)
			So(states["11"].Token, ShouldEqual, "R")
		})

		Convey("Jobs without a state are left out", func() {
			states := parseQstat("Job Id: 1\n    Job_Name = x\nJob Id: 2\n    job_state = C\n    Exit_status = 1\n")
			_, found := states["1"]
			So(found, ShouldBeFalse)
			So(states["2"].Token, ShouldEqual, "C")
			So(states["2"].HasExit, ShouldBeTrue)
			So(states["2"].Exit, ShouldEqual, 1)

			s, err := translatePBS(states["2"])
			So(err, ShouldBeNil)
			So(s, ShouldEqual, Exit)
		})

		Convey("Garbage gives nothing", func() {
			So(parseQstat("qstat: Unknown Job Id 1.server\n"), ShouldBeEmpty)
		})
	})

	Convey("squeue output can be parsed", t, func() {
		states := parseSqueue("5678 RUNNING\n5679_3 PENDING\nbad line here\n\n")
		So(states["5678"].Token, ShouldEqual, "RUNNING")
		So(states["5679"].Token, ShouldEqual, "PENDING")
		So(len(states), ShouldEqual, 2)
	})

	Convey("scontrol output can be parsed", t, func() {
		js, found := parseScontrol("JobId=5678 JobName=x\n   JobState=FAILED Reason=NonZeroExitCode Dependency=(null)\n   ExitCode=2:0\n")
		So(found, ShouldBeTrue)
		So(js.Token, ShouldEqual, "FAILED")
		So(js.HasExit, ShouldBeTrue)
		So(js.Exit, ShouldEqual, 2)

		_, found = parseScontrol("slurm_load_jobs error: Invalid job id specified\n")
		So(found, ShouldBeFalse)
	})

	Convey("Exec host lists can be parsed", t, func() {
		So(parseExecHosts("4*node1:node2:2*node1"), ShouldResemble, []string{"node1", "node2"})
		So(parseExecHosts("node3"), ShouldResemble, []string{"node3"})
	})

	Convey("Durations are formatted for slurm", t, func() {
		So(slurmDuration(90061e9), ShouldEqual, "1-01:01:01")
		So(slurmDuration(59e9), ShouldEqual, "0-00:00:59")
	})
}
