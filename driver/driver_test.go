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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	. "github.com/smartystreets/goconvey/convey"
)

var testLogger = log15.New()

func init() {
	testLogger.SetHandler(log15.LvlFilterHandler(log15.LvlWarn, log15.StderrHandler))
}

// fakeBin writes a shell script standing in for a batch system command,
// returning its path. The script can refer to the directory it's in as $DIR.
func fakeBin(dir, name, body string) string {
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\nDIR=" + dir + "\n" + body + "\n"
	So(os.WriteFile(path, []byte(script), 0700), ShouldBeNil) // #nosec
	return path
}

// recordArgs is script text that writes each arg on its own line to
// $DIR/<name>.args, and counts calls in $DIR/<name>.calls.
func recordArgs(name string) string {
	return `for a in "$@"; do printf '%s\n' "$a"; done > $DIR/` + name + ".args\n" +
		"echo x >> $DIR/" + name + ".calls"
}

func readArgs(dir, name string) []string {
	b, err := os.ReadFile(filepath.Join(dir, name+".args"))
	So(err, ShouldBeNil)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func calls(dir, name string) int {
	b, err := os.ReadFile(filepath.Join(dir, name+".calls"))
	if err != nil {
		return 0
	}
	return strings.Count(string(b), "x")
}

func writeFile(dir, name, content string) {
	So(os.WriteFile(filepath.Join(dir, name), []byte(content), 0600), ShouldBeNil)
}

func TestLSF(t *testing.T) {
	ctx := context.Background()

	Convey("An LSF driver with no LSF_SERVER can't submit", t, func() {
		d, err := New(lsfName, nil, testLogger)
		So(err, ShouldBeNil)

		_, err = d.Submit(ctx, JobSpec{Executable: "true", RunPath: t.TempDir()})
		So(err, ShouldNotBeNil)
		So(IsFatal(err), ShouldBeTrue)
		So(IsRetryable(err), ShouldBeFalse)
		So(err.(Error).Err, ShouldEqual, ErrNoTransport)
		So(err.Error(), ShouldContainSubstring, "LSF_SERVER=LOCAL")
	})

	Convey("Given fake LSF commands and a driver using them locally", t, func() {
		bin := t.TempDir()
		run := t.TempDir()

		writeFile(bin, "next_id", "1001")
		bsub := fakeBin(bin, "bsub", recordArgs("bsub")+`
if [ -f $DIR/bsub.fail ]; then echo "Request aborted by esub. Job not submitted." 1>&2; exit 1; fi
echo "Job <$(cat $DIR/next_id)> is submitted to queue <normal>."`)
		bjobs := fakeBin(bin, "bjobs", recordArgs("bjobs")+`
echo "JOBID   USER    STAT  QUEUE      FROM_HOST   EXEC_HOST   JOB_NAME   SUBMIT_TIME"
cat $DIR/bjobs.out 2>/dev/null || true`)
		bkill := fakeBin(bin, "bkill", recordArgs("bkill")+`
if [ -f $DIR/bkill.out ]; then cat $DIR/bkill.out; exit 255; fi
echo "Job <$1> is being terminated"`)
		bhist := fakeBin(bin, "bhist", recordArgs("bhist")+`
n=$(cat $DIR/bhist.n 2>/dev/null || echo 0)
n=$((n+1))
echo $n > $DIR/bhist.n
cat $DIR/bhist.$n`)

		options := map[string]string{
			OptLSFServer:        LocalServer,
			OptBsubCmd:          bsub,
			OptBjobsCmd:         bjobs,
			OptBkillCmd:         bkill,
			OptBhistCmd:         bhist,
			OptLSFQueue:         "normal",
			OptLSFResource:      "span[host=1]",
			OptExcludeHost:      "bad1",
			OptSubmitErrorSleep: "0",
			OptBjobsTimeout:     "0",
		}

		d, err := New(lsfName, options, testLogger)
		So(err, ShouldBeNil)
		d.impl.(*lsf).historySleep = time.Millisecond

		spec := JobSpec{Executable: "myexe", Args: []string{"arg one", "it's"}, NumCPU: 2, RunPath: run, Name: "myjob"}

		Convey("Submit runs bsub with args passed through exactly", func() {
			h, err := d.Submit(ctx, spec)
			So(err, ShouldBeNil)
			So(h.ID, ShouldEqual, "1001")
			So(h.Name, ShouldEqual, "myjob")
			So(h.Status(), ShouldEqual, Pending)

			So(readArgs(bin, "bsub"), ShouldResemble, []string{
				"-o", filepath.Join(run, "myjob.LSF-stdout"),
				"-q", "normal",
				"-J", "myjob",
				"-n", "2",
				"-R", "span[host=1] select[hname!='bad1']",
				"myexe", "arg one", "it's",
			})

			Convey("A marker file is written to the run path", func() {
				m, err := readMarker(MarkerPath(lsfName, run))
				So(err, ShouldBeNil)
				So(m.JobID, ShouldEqual, "1001")
				So(m.Name, ShouldEqual, "myjob")
				So(m.Driver, ShouldEqual, lsfName)
				So(filepath.Base(MarkerPath(lsfName, run)), ShouldEqual, "lsf_info.json")
			})

			Convey("Poll uses bjobs, and terminal states stick", func() {
				writeFile(bin, "bjobs.out", "1001    me      RUN   normal     login1      4*node1:node2 myjob    Oct 14 10:00\n")
				s, err := d.Poll(ctx, h)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Running)
				So(h.ExecHosts(), ShouldResemble, []string{"node1", "node2"})
				So(readArgs(bin, "bjobs"), ShouldResemble, []string{"-a"})

				writeFile(bin, "bjobs.out", "1001    me      DONE  normal     login1      node1      myjob    Oct 14 10:00\n")
				s, err = d.Poll(ctx, h)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Done)
				So(h.Status(), ShouldEqual, Done)

				before := calls(bin, "bjobs")
				writeFile(bin, "bjobs.out", "1001    me      RUN   normal     login1      node1      myjob    Oct 14 10:00\n")
				s, err = d.Poll(ctx, h)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Done)
				So(calls(bin, "bjobs"), ShouldEqual, before)

				Convey("Killing a finished job does nothing", func() {
					So(d.Kill(ctx, h), ShouldBeNil)
					So(calls(bin, "bkill"), ShouldEqual, 0)
				})
			})

			Convey("Unrecognised bjobs states are a fatal error", func() {
				writeFile(bin, "bjobs.out", "1001    me      WEIRD normal     login1      node1      myjob    Oct 14 10:00\n")
				_, err := d.Poll(ctx, h)
				So(IsFatal(err), ShouldBeTrue)
				So(err.(Error).Err, ShouldEqual, ErrUnknownStatus)
			})

			Convey("Jobs bjobs forgot about are looked up with bhist", func() {
				header := "Summary of time in seconds spent in various states:\n" +
					"JOBID   USER    JOB_NAME  PEND    PSUSP   RUN     USUSP   SSUSP   UNKWN   TOTAL\n"
				writeFile(bin, "bhist.1", header+"1001    me      myjob     5       0       100     0       0       0       105\n")

				Convey("Unchanging times mean it finished", func() {
					writeFile(bin, "bhist.2", header+"1001    me      myjob     5       0       100     0       0       0       105\n")
					s, err := d.Poll(ctx, h)
					So(err, ShouldBeNil)
					So(s, ShouldEqual, Done)
					So(calls(bin, "bhist"), ShouldEqual, 2)
					So(readArgs(bin, "bhist"), ShouldResemble, []string{"1001"})
					So(d.debugOutput(), ShouldBeTrue)
				})

				Convey("Growing run time means it's running", func() {
					writeFile(bin, "bhist.2", header+"1001    me      myjob     5       0       104     0       0       0       109\n")
					s, err := d.Poll(ctx, h)
					So(err, ShouldBeNil)
					So(s, ShouldEqual, Running)
				})

				Convey("Growing pend time means it's pending", func() {
					writeFile(bin, "bhist.2", header+"1001    me      myjob     9       0       100     0       0       0       109\n")
					s, err := d.Poll(ctx, h)
					So(err, ShouldBeNil)
					So(s, ShouldEqual, Pending)
				})

				Convey("Unparseable bhist output means unknown", func() {
					writeFile(bin, "bhist.2", "No matching job found\n")
					s, err := d.Poll(ctx, h)
					So(err, ShouldBeNil)
					So(s, ShouldEqual, Unknown)
				})
			})

			Convey("Kill runs bkill", func() {
				So(d.Kill(ctx, h), ShouldBeNil)
				So(readArgs(bin, "bkill"), ShouldResemble, []string{"1001"})

				Convey("It's fine if the job already finished", func() {
					writeFile(bin, "bkill.out", "Job <1001>: Job has already finished\n")
					So(d.Kill(ctx, h), ShouldBeNil)
				})

				Convey("Other bkill failures are reported", func() {
					writeFile(bin, "bkill.out", "Job <1001>: No permission\n")
					err := d.Kill(ctx, h)
					So(err, ShouldNotBeNil)
					So(err.(Error).Err, ShouldEqual, ErrKillFailed)
					So(IsFatal(err), ShouldBeFalse)
				})
			})

			Convey("Another driver can reattach to the job", func() {
				d2, err := New(lsfName, options, testLogger)
				So(err, ShouldBeNil)

				h2, err := d2.Reattach(run)
				So(err, ShouldBeNil)
				So(h2.ID, ShouldEqual, "1001")
				So(h2.Name, ShouldEqual, "myjob")

				writeFile(bin, "bjobs.out", "1001    me      RUN   normal     login1      node1      myjob    Oct 14 10:00\n")
				s, err := d2.Poll(ctx, h2)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Running)

				Convey("But not where no job was submitted", func() {
					_, err = d2.Reattach(t.TempDir())
					So(IsFatal(err), ShouldBeTrue)
					So(err.(Error).Err, ShouldEqual, ErrNoMarker)
				})
			})

			Convey("Handles are checked", func() {
				_, err := d.Poll(ctx, nil)
				So(err.(Error).Err, ShouldEqual, ErrUnknownJob)

				_, err = d.Poll(ctx, &Handle{ID: "2002", Driver: lsfName})
				So(err.(Error).Err, ShouldEqual, ErrUnknownJob)

				d2, errn := New(slurmName, nil)
				So(errn, ShouldBeNil)
				_, err = d2.Poll(ctx, h)
				So(err.(Error).Err, ShouldEqual, ErrUnknownJob)

				d.Forget(h)
				_, err = d.Poll(ctx, h)
				So(err.(Error).Err, ShouldEqual, ErrUnknownJob)
			})

			Convey("Cleanup kills the jobs that haven't finished", func() {
				writeFile(bin, "next_id", "1002")
				h2, err := d.Submit(ctx, JobSpec{Executable: "other", RunPath: t.TempDir()})
				So(err, ShouldBeNil)
				So(h2.Name, ShouldStartWith, "jd_")

				writeFile(bin, "bjobs.out", "1001    me      EXIT  normal     login1      node1      myjob    Oct 14 10:00\n"+
					"1002    me      RUN   normal     login1      node1      other    Oct 14 10:00\n")
				s, err := d.Poll(ctx, h)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Exit)

				So(d.Cleanup(ctx), ShouldBeNil)
				So(calls(bin, "bkill"), ShouldEqual, 1)
				So(readArgs(bin, "bkill"), ShouldResemble, []string{"1002"})
			})
		})

		Convey("Resources are only given when there is one", func() {
			_, err := d.SetOption(OptLSFResource, "")
			So(err, ShouldBeNil)
			_, err = d.SetOption(OptExcludeHost, "")
			So(err, ShouldBeNil)
			_, err = d.SetOption(OptProjectCode, "proj1")
			So(err, ShouldBeNil)
			_, err = d.SetOption(OptLSFLoginShell, "/bin/bash")
			So(err, ShouldBeNil)

			_, err = d.Submit(ctx, spec)
			So(err, ShouldBeNil)
			So(readArgs(bin, "bsub"), ShouldResemble, []string{
				"-o", filepath.Join(run, "myjob.LSF-stdout"),
				"-q", "normal",
				"-J", "myjob",
				"-n", "2",
				"-L", "/bin/bash",
				"-P", "proj1",
				"myexe", "arg one", "it's",
			})
		})

		Convey("Failed submissions are retryable until there are too many in a row", func() {
			_, err := d.SetOption(OptMaxSubmitErrors, "3")
			So(err, ShouldBeNil)
			writeFile(bin, "bsub.fail", "")

			_, err = d.Submit(ctx, spec)
			So(IsRetryable(err), ShouldBeTrue)
			So(IsFatal(err), ShouldBeFalse)
			So(err.Error(), ShouldContainSubstring, "Job not submitted")
			So(d.debugOutput(), ShouldBeTrue)

			_, err = d.Submit(ctx, spec)
			So(IsRetryable(err), ShouldBeTrue)

			Convey("A success in between resets the count", func() {
				So(os.Remove(filepath.Join(bin, "bsub.fail")), ShouldBeNil)
				_, err = d.Submit(ctx, spec)
				So(err, ShouldBeNil)

				writeFile(bin, "bsub.fail", "")
				_, err = d.Submit(ctx, spec)
				So(IsRetryable(err), ShouldBeTrue)
				_, err = d.Submit(ctx, spec)
				So(IsRetryable(err), ShouldBeTrue)
			})

			Convey("Otherwise we give up", func() {
				_, err = d.Submit(ctx, spec)
				So(IsFatal(err), ShouldBeTrue)
				So(err.(Error).Err, ShouldEqual, ErrTooManyFailures)
			})
		})

		Convey("Specs without an executable are rejected", func() {
			_, err := d.Submit(ctx, JobSpec{RunPath: run})
			So(err, ShouldNotBeNil)
			So(calls(bin, "bsub"), ShouldEqual, 0)
		})

		Convey("A cancelled context stops submission", func() {
			_, err := d.SetOption(OptSubmitSleep, "10")
			So(err, ShouldBeNil)
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err = d.Submit(cctx, spec)
			So(err, ShouldEqual, context.Canceled)
			So(calls(bin, "bsub"), ShouldEqual, 0)
		})

		Convey("Many goroutines can poll while a slow bjobs runs", func() {
			slow := fakeBin(bin, "slowbjobs", recordArgs("bjobs")+`
sleep 0.2
echo "JOBID   USER    STAT  QUEUE      FROM_HOST   EXEC_HOST   JOB_NAME   SUBMIT_TIME"
cat $DIR/bjobs.out`)
			_, err := d.SetOption(OptBjobsCmd, slow)
			So(err, ShouldBeNil)

			var handles []*Handle
			var out strings.Builder
			for i := 0; i < 5; i++ {
				id := strconv.Itoa(2001 + i)
				writeFile(bin, "next_id", id)
				out.WriteString(id + "    me      RUN   normal     login1      node1      myjob    Oct 14 10:00\n")

				h, errs := d.Submit(ctx, JobSpec{Executable: "myexe", RunPath: t.TempDir(), Name: "job" + id})
				So(errs, ShouldBeNil)
				So(h.ID, ShouldEqual, id)
				handles = append(handles, h)
			}
			writeFile(bin, "bjobs.out", out.String())

			statuses := make(chan Status, 15)
			errs := make(chan error, 15)
			var wg sync.WaitGroup
			for _, h := range handles {
				for j := 0; j < 3; j++ {
					wg.Add(1)
					go func(h *Handle) {
						defer wg.Done()
						s, err := d.Poll(ctx, h)
						statuses <- s
						errs <- err
					}(h)
				}
			}
			wg.Wait()
			close(statuses)
			close(errs)

			for err := range errs {
				So(err, ShouldBeNil)
			}
			for s := range statuses {
				So(s, ShouldEqual, Running)
			}
			So(calls(bin, "bjobs"), ShouldEqual, 15)
		})
	})
}

func TestHandle(t *testing.T) {
	Convey("Once a handle has a terminal status it keeps it", t, func() {
		h := &Handle{ID: "1", status: Running}
		So(h.setStatus(Done), ShouldEqual, Done)
		So(h.setStatus(Running), ShouldEqual, Done)
		So(h.setStatus(Exit), ShouldEqual, Done)
		So(h.Status(), ShouldEqual, Done)
	})
}

func TestJobName(t *testing.T) {
	Convey("Default job names depend on the command and run path", t, func() {
		a := jobName(JobSpec{Executable: "exe", Args: []string{"a"}, RunPath: "/r"})
		So(a, ShouldStartWith, "jd_")
		So(len(a), ShouldEqual, 35)
		So(jobName(JobSpec{Executable: "exe", Args: []string{"a"}, RunPath: "/r"}), ShouldEqual, a)
		So(jobName(JobSpec{Executable: "exe", Args: []string{"b"}, RunPath: "/r"}), ShouldNotEqual, a)
		So(jobName(JobSpec{Executable: "exe", Args: []string{"a"}, RunPath: "/s"}), ShouldNotEqual, a)
	})

	Convey("Specs are normalised", t, func() {
		spec, err := normaliseSpec(JobSpec{Executable: "exe", NumCPU: -1})
		So(err, ShouldBeNil)
		So(spec.NumCPU, ShouldEqual, 1)
		wd, err := os.Getwd()
		So(err, ShouldBeNil)
		So(spec.RunPath, ShouldEqual, wd)
		So(spec.Name, ShouldNotBeEmpty)
	})
}

func TestTorque(t *testing.T) {
	ctx := context.Background()

	Convey("Given fake PBS commands and a torque driver using them", t, func() {
		bin := t.TempDir()
		run := t.TempDir()

		qsub := fakeBin(bin, "qsub", recordArgs("qsub")+`
echo "1234.server.example"`)
		qstat := fakeBin(bin, "qstat", recordArgs("qstat")+`
if [ "$1" = "-fx" ]; then cat $DIR/qstatx.out 2>/dev/null; else cat $DIR/qstat.out 2>/dev/null; fi; true`)
		qdel := fakeBin(bin, "qdel", recordArgs("qdel"))

		d, err := New("pbs", map[string]string{
			OptQsubCmd:      qsub,
			OptQstatCmd:     qstat,
			OptQdelCmd:      qdel,
			OptQstatTimeout: "0",
		}, testLogger)
		So(err, ShouldBeNil)

		spec := JobSpec{Executable: "myexe", Args: []string{"a b"}, NumCPU: 1, RunPath: run, Name: "myjob"}

		Convey("Resource strings are built from the options", func() {
			tr := d.impl.(*torque)
			So(tr.resourceString(1), ShouldResemble, []string{"-l", "select=1:ncpus=1"})

			_, err = d.SetOption(OptNumCPUsPerNode, "2")
			So(err, ShouldBeNil)
			_, err = d.SetOption(OptClusterLabel, "fancynodes")
			So(err, ShouldBeNil)
			So(tr.resourceString(1), ShouldResemble, []string{"-l", "select=1:ncpus=2", "-l", "fancynodes"})

			_, err = d.SetOption(OptClusterLabel, "")
			So(err, ShouldBeNil)
			_, err = d.SetOption(OptMemoryPerJob, "32gb")
			So(err, ShouldBeNil)
			So(tr.resourceString(1), ShouldResemble, []string{"-l", "select=1:ncpus=2:mem=32gb"})

			Convey("Jobs needing more cpus get them", func() {
				So(tr.resourceString(4), ShouldResemble, []string{"-l", "select=1:ncpus=4:mem=32gb"})
				_, err = d.SetOption(OptNumNodes, "2")
				So(err, ShouldBeNil)
				So(tr.resourceString(5), ShouldResemble, []string{"-l", "select=2:ncpus=3:mem=32gb"})
			})
		})

		Convey("Submit runs qsub and keeps the job number", func() {
			_, err = d.SetOption(OptQueue, "batch")
			So(err, ShouldBeNil)
			_, err = d.SetOption(OptJobPrefix, "jd-")
			So(err, ShouldBeNil)

			h, err := d.Submit(ctx, spec)
			So(err, ShouldBeNil)
			So(h.ID, ShouldEqual, "1234")
			So(readArgs(bin, "qsub"), ShouldResemble, []string{
				"-N", "jd-myjob",
				"-q", "batch",
				"-l", "select=1:ncpus=1",
				"-o", "/dev/null", "-e", "/dev/null",
				"--", "myexe", "a b",
			})

			m, err := readMarker(MarkerPath(pbsName, run))
			So(err, ShouldBeNil)
			So(m.JobID, ShouldEqual, "1234")

			Convey("Output is kept if asked for", func() {
				_, err = d.SetOption(OptKeepQsubOutput, "1")
				So(err, ShouldBeNil)
				_, err = d.Submit(ctx, spec)
				So(err, ShouldBeNil)
				So(readArgs(bin, "qsub"), ShouldNotContain, "/dev/null")
			})

			Convey("Poll uses qstat -f, then qstat -fx", func() {
				writeFile(bin, "qstat.out", "Job Id: 1234.server.example\n    Job_Name = jd-myjob\n    job_state = R\n")
				s, err := d.Poll(ctx, h)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Running)
				So(readArgs(bin, "qstat"), ShouldResemble, []string{"-f"})

				writeFile(bin, "qstat.out", "")
				writeFile(bin, "qstatx.out", "Job Id: 1234.server.example\n    job_state = F\n    Exit_status = 1\n")
				s, err = d.Poll(ctx, h)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Exit)
				So(readArgs(bin, "qstat"), ShouldResemble, []string{"-fx", "1234"})
			})

			Convey("Jobs qstat knows nothing about are unknown", func() {
				s, err := d.Poll(ctx, h)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Unknown)
			})

			Convey("Kill runs qdel", func() {
				So(d.Kill(ctx, h), ShouldBeNil)
				So(readArgs(bin, "qdel"), ShouldResemble, []string{"1234"})
			})
		})
	})
}

func TestSlurm(t *testing.T) {
	ctx := context.Background()

	Convey("Given fake SLURM commands and a slurm driver using them", t, func() {
		bin := t.TempDir()
		run := t.TempDir()

		sbatch := fakeBin(bin, "sbatch", recordArgs("sbatch")+`
echo "5678;cluster1"`)
		squeue := fakeBin(bin, "squeue", recordArgs("squeue")+`
cat $DIR/squeue.out 2>/dev/null || true`)
		scancel := fakeBin(bin, "scancel", recordArgs("scancel"))
		scontrol := fakeBin(bin, "scontrol", recordArgs("scontrol")+`
cat $DIR/scontrol.out 2>/dev/null || true`)

		d, err := New(slurmName, map[string]string{
			OptSbatch:        sbatch,
			OptSqueue:        squeue,
			OptScancel:       scancel,
			OptScontrol:      scontrol,
			OptSqueueTimeout: "0",
		}, testLogger)
		So(err, ShouldBeNil)

		spec := JobSpec{Executable: "myexe", Args: []string{"a b"}, NumCPU: 3, RunPath: run, Name: "myjob"}

		Convey("Submit runs sbatch with the options turned in to flags", func() {
			for key, val := range map[string]string{
				OptPartition:   "long",
				OptMemory:      "2G",
				OptExcludeHost: "n1",
				OptIncludeHost: "n5",
				OptMaxRuntime:  "90061",
			} {
				_, err = d.SetOption(key, val)
				So(err, ShouldBeNil)
			}
			_, err = d.SetOption(OptExcludeHost, "n2")
			So(err, ShouldBeNil)

			h, err := d.Submit(ctx, spec)
			So(err, ShouldBeNil)
			So(h.ID, ShouldEqual, "5678")
			So(readArgs(bin, "sbatch"), ShouldResemble, []string{
				"--parsable",
				"--job-name=myjob",
				"--chdir=" + run,
				"--output=myjob.stdout",
				"--error=myjob.stderr",
				"--partition=long",
				"--ntasks=3",
				"--mem=2048M",
				"--exclude=n1,n2",
				"--nodelist=n5",
				"--time=1-01:01:01",
				"--wrap=myexe 'a b'",
			})

			Convey("Poll uses squeue, then scontrol", func() {
				writeFile(bin, "squeue.out", "5678 RUNNING\n")
				s, err := d.Poll(ctx, h)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Running)

				writeFile(bin, "squeue.out", "")
				writeFile(bin, "scontrol.out", "JobId=5678 JobName=myjob\n   JobState=COMPLETED Reason=None\n   ExitCode=0:0\n")
				s, err = d.Poll(ctx, h)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Done)
				So(readArgs(bin, "scontrol"), ShouldResemble, []string{"show", "job", "5678"})
			})

			Convey("Without scontrol, vanished jobs are unknown", func() {
				_, err = d.SetOption(OptScontrol, "")
				So(err, ShouldBeNil)
				s, err := d.Poll(ctx, h)
				So(err, ShouldBeNil)
				So(s, ShouldEqual, Unknown)
				So(calls(bin, "scontrol"), ShouldEqual, 0)
			})

			Convey("Kill runs scancel", func() {
				So(d.Kill(ctx, h), ShouldBeNil)
				So(readArgs(bin, "scancel"), ShouldResemble, []string{"5678"})
			})
		})
	})
}

// waitForTerminal polls until the job finishes or a few seconds pass.
func waitForTerminal(ctx context.Context, d *Driver, h *Handle) Status {
	var s Status
	var err error

	for i := 0; i < 100; i++ {
		s, err = d.Poll(ctx, h)
		So(err, ShouldBeNil)
		if s.IsTerminal() {
			return s
		}
		<-time.After(50 * time.Millisecond)
	}

	return s
}

func TestLocal(t *testing.T) {
	ctx := context.Background()

	Convey("Given a local driver", t, func() {
		d, err := New(localName, map[string]string{OptSubmitErrorSleep: "0"}, testLogger)
		So(err, ShouldBeNil)
		run := t.TempDir()

		Convey("Successful jobs are Done, with their output in the run path", func() {
			h, err := d.Submit(ctx, JobSpec{Executable: "sh", Args: []string{"-c", "echo hi; pwd"}, RunPath: run, Name: "ok"})
			So(err, ShouldBeNil)
			So(h.ID, ShouldNotBeEmpty)
			So(waitForTerminal(ctx, d, h), ShouldEqual, Done)

			out, err := os.ReadFile(filepath.Join(run, "ok.stdout"))
			So(err, ShouldBeNil)
			So(string(out), ShouldStartWith, "hi\n")

			_, err = os.Stat(MarkerPath(localName, run))
			So(err, ShouldBeNil)
		})

		Convey("Failed jobs are Exit", func() {
			h, err := d.Submit(ctx, JobSpec{Executable: "sh", Args: []string{"-c", "exit 3"}, RunPath: run, Name: "bad"})
			So(err, ShouldBeNil)
			So(waitForTerminal(ctx, d, h), ShouldEqual, Exit)
		})

		Convey("Missing executables fail to submit", func() {
			_, err := d.Submit(ctx, JobSpec{Executable: "/no/such/exe", RunPath: run, Name: "missing"})
			So(IsRetryable(err), ShouldBeTrue)
		})

		Convey("Running jobs can be killed", func() {
			h, err := d.Submit(ctx, JobSpec{Executable: "sleep", Args: []string{"30"}, RunPath: run, Name: "sleeper"})
			So(err, ShouldBeNil)

			s, err := d.Poll(ctx, h)
			So(err, ShouldBeNil)
			So(s, ShouldEqual, Running)

			So(d.Kill(ctx, h), ShouldBeNil)
			So(waitForTerminal(ctx, d, h), ShouldEqual, Exit)
		})

		Convey("Another local driver can reattach to a running job", func() {
			h, err := d.Submit(ctx, JobSpec{Executable: "sleep", Args: []string{"30"}, RunPath: run, Name: "sleeper"})
			So(err, ShouldBeNil)

			d2, err := New(localName, nil, testLogger)
			So(err, ShouldBeNil)
			h2, err := d2.Reattach(run)
			So(err, ShouldBeNil)
			So(h2.ID, ShouldEqual, h.ID)

			s, err := d2.Poll(ctx, h2)
			So(err, ShouldBeNil)
			So(s, ShouldEqual, Running)

			So(d2.Kill(ctx, h2), ShouldBeNil)
			So(waitForTerminal(ctx, d, h), ShouldEqual, Exit)
			So(waitForTerminal(ctx, d2, h2), ShouldEqual, Done)
		})

		Convey("Cleanup kills everything still running", func() {
			h, err := d.Submit(ctx, JobSpec{Executable: "sleep", Args: []string{"30"}, RunPath: run, Name: "sleeper"})
			So(err, ShouldBeNil)
			So(d.Cleanup(ctx), ShouldBeNil)
			So(waitForTerminal(ctx, d, h), ShouldEqual, Exit)
		})
	})
}
