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
Package driver lets you submit commands to a batch system (LSF, PBS/Torque or
SLURM), or just run them on the local machine, then find out how they're
getting on and kill them, all without caring which batch system is in use.

The implementation of each supported batch system is in its own .go file. To
"register" a new one you implement the driveri interface and add a case for it
to New().

Drivers are configured with string key/value options (see Options() for the
keys a driver understands), so that a generic config file can be used to set up
any of them. Polling many jobs is cheap: a driver caches the state of all its
jobs, asking the batch system about all of them at most once per refresh
interval.

    import "github.com/VertebrateResequencing/jobdriver/driver"
    d, err := driver.New("lsf", map[string]string{"LSF_SERVER": "LOCAL", "LSF_QUEUE": "normal"})
    h, err := d.Submit(ctx, driver.JobSpec{Executable: "myexe", Args: []string{"-a"}, NumCPU: 1, RunPath: "/work/run1"})
    if driver.IsRetryable(err) {
        // try again later
    }
    status, err := d.Poll(ctx, h)
    // repeat until status.IsTerminal()
*/
package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/VertebrateResequencing/jobdriver/spawn"
	"github.com/dgryski/go-farm"
	"github.com/hashicorp/go-multierror"
	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
	sync "github.com/sasha-s/go-deadlock"
)

const (
	lsfName   = "lsf"
	pbsName   = "torque"
	slurmName = "slurm"
	localName = "local"
)

// Err* constants are found in the returned Errors under err.Err, so you can
// cast and check if it's a certain type of error.
var (
	ErrBadDriver       = "unknown driver name"
	ErrNoTransport     = "no way of running batch system commands has been configured"
	ErrUnknownStatus   = "unrecognised job state"
	ErrSubmitFailed    = "job submission failed"
	ErrTooManyFailures = "too many job submissions failed, giving up"
	ErrBadOption       = "invalid option value"
	ErrNoMarker        = "no usable job marker file"
	ErrUnknownJob      = "job was not submitted by this driver"
	ErrKillFailed      = "failed to kill job"
)

// fatalErrs are the Err* that mean carrying on is pointless.
var fatalErrs = map[string]bool{
	ErrBadDriver:       true,
	ErrNoTransport:     true,
	ErrUnknownStatus:   true,
	ErrTooManyFailures: true,
	ErrBadOption:       true,
	ErrNoMarker:        true,
}

// Error records an error and the operation and driver that caused it.
type Error struct {
	Driver string // the driver's Name
	Op     string // name of the method
	Err    string // one of our Err* vars
	Detail string // extra information, like the output of a failed command
}

func (e Error) Error() string {
	msg := "driver(" + e.Driver + ") " + e.Op + "(): " + e.Err
	if e.Detail != "" {
		msg += ": " + e.Detail
	}

	return msg
}

// IsFatal tells you if the given error means that no further progress can be
// made without changing the configuration, or that the batch system told us
// something we don't understand.
func IsFatal(err error) bool {
	var e Error

	return errors.As(err, &e) && fatalErrs[e.Err]
}

// IsRetryable tells you if the given error is from a submission that failed in
// a way that might not happen if you try again.
func IsRetryable(err error) bool {
	var e Error

	return errors.As(err, &e) && e.Err == ErrSubmitFailed
}

// JobSpec describes a command you want to run.
type JobSpec struct {
	// Executable and Args are the command to run; Args get passed through
	// exactly, without any shell interpretation.
	Executable string
	Args       []string

	// NumCPU is the number of cores the job needs; less than 1 means 1.
	NumCPU int

	// RunPath is the directory the job runs in, and where its marker and
	// output files are written. Empty means the current directory.
	RunPath string

	// Name is the job name used by the batch system. If empty, a name
	// derived from the other properties is used.
	Name string
}

// Handle is how you refer to a submitted job. Handles are only made by
// Driver.Submit() and Driver.Reattach().
type Handle struct {
	ID      string
	Name    string
	RunPath string
	Driver  string
	hosts   []string
	status  Status
	mu      sync.RWMutex
}

// ExecHosts returns the hosts the job was last seen running on, if the batch
// system reports them.
func (h *Handle) ExecHosts() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return append([]string(nil), h.hosts...)
}

// Status returns the last status observed by Driver.Poll().
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.status
}

// setStatus stores the status unless a terminal one is already stored, and
// returns whichever is now stored.
func (h *Handle) setStatus(s Status) Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.status.IsTerminal() {
		h.status = s
	}

	return h.status
}

func (h *Handle) setHosts(hosts []string) {
	if len(hosts) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.hosts = hosts
}

// driveri interface must be satisfied to add support for a particular batch
// system.
type driveri interface {
	initialize(d *Driver) error                               // do any initial set up, keeping d for its options, cache and logger
	rules() optionRules                                       // the option keys specific to this batch system
	ready() error                                             // return an ErrNoTransport Error if submission is currently impossible
	submit(ctx context.Context, spec JobSpec) (string, error) // submit the job, returning the batch system's id for it
	poll(ctx context.Context, h *Handle) (Status, error)      // achieve the aims of Poll() for a non-terminal job
	kill(ctx context.Context, h *Handle) error                // achieve the aims of Kill()
	reattach(h *Handle) error                                 // prepare to poll and kill a job submitted by an earlier Driver
}

// Driver gives you access to all of the methods you'll need to interact with
// a batch system.
type Driver struct {
	Name      string
	impl      driveri
	opts      *optionStore
	cache     *statusCache
	submitMu  turnLock
	failures  int
	backoff   *backoff.Backoff
	failureMu sync.Mutex
	handles   map[string]*Handle
	handlesMu sync.Mutex
	log15.Logger
}

// New creates a new Driver to interact with the named batch system. Possible
// names are "lsf", "torque" (or "pbs" or "openpbs"), "slurm" and "local".
//
// The given options are set in key order, as if by SetOption(). Keys the
// driver doesn't handle are ignored. If any option values are invalid, you get
// back a usable Driver and an error listing every bad value.
//
// Providing a logger allows for debug messages to be logged somewhere, along
// with any "harmless" or unreturnable errors. If not supplied, we use a default
// logger that discards all log messages.
func New(name string, options map[string]string, logger ...log15.Logger) (*Driver, error) {
	var impl driveri

	canonical := strings.ToLower(name)

	switch canonical {
	case lsfName:
		impl = new(lsf)
	case pbsName, "pbs", "openpbs":
		canonical = pbsName
		impl = new(torque)
	case slurmName:
		impl = new(slurm)
	case localName:
		impl = new(local)
	default:
		return nil, Error{name, "New", ErrBadDriver, ""}
	}

	var l log15.Logger
	if len(logger) == 1 {
		l = logger[0].New("driver", canonical)
	} else {
		l = log15.New()
		l.SetHandler(log15.DiscardHandler())
	}

	d := &Driver{
		Name:    canonical,
		impl:    impl,
		opts:    newOptionStore(commonRules, impl.rules()),
		cache:   newStatusCache(l),
		backoff: &backoff.Backoff{Factor: 2},
		handles: make(map[string]*Handle),
		Logger:  l,
	}

	if err := impl.initialize(d); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	var merr *multierror.Error

	for _, key := range keys {
		handled, err := d.SetOption(key, options[key])
		if !handled {
			d.Debug("ignoring option not handled by this driver", "key", key)
		}

		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	return d, merr.ErrorOrNil()
}

// SetOption sets one of the driver's options. It returns false (and no error)
// if the key isn't one this driver understands. Otherwise if the value is
// invalid an ErrBadOption Error is returned and the option's current value is
// unchanged.
func (d *Driver) SetOption(key, value string) (bool, error) {
	handled, err := d.opts.set(key, value)
	if err != nil {
		return true, Error{d.Name, "SetOption", ErrBadOption, key + "=" + value + ": " + err.Error()}
	}

	return handled, nil
}

// GetOption returns the current value of an option, and false if it isn't
// set. Options with defaults are always set.
func (d *Driver) GetOption(key string) (string, bool) {
	return d.opts.get(key)
}

// Options returns all the option keys this driver understands, sorted.
func (d *Driver) Options() []string {
	return d.opts.keys()
}

// Submit submits the job to the batch system. The returned error will either
// be retryable (IsRetryable()), in which case you can try submitting the same
// spec again, or fatal (IsFatal()), after which further submissions will also
// fail. Submissions are paced by the SUBMIT_SLEEP option, and failed ones are
// followed by a SUBMIT_ERROR_SLEEP delay.
func (d *Driver) Submit(ctx context.Context, spec JobSpec) (*Handle, error) {
	if err := d.impl.ready(); err != nil {
		return nil, err
	}

	spec, err := normaliseSpec(spec)
	if err != nil {
		return nil, Error{d.Name, "Submit", ErrSubmitFailed, err.Error()}
	}

	if err = sleepCtx(ctx, d.opts.duration(OptSubmitSleep)); err != nil {
		return nil, err
	}

	id, err := d.impl.submit(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, d.submitFailed(ctx, spec, err)
	}

	d.submitSucceeded()

	h := &Handle{ID: id, Name: spec.Name, RunPath: spec.RunPath, Driver: d.Name, status: Pending}

	if errm := writeMarker(MarkerPath(d.Name, spec.RunPath), marker{JobID: id, Name: spec.Name, Driver: d.Name}); errm != nil {
		d.Warn("could not write job marker file", "id", id, "err", errm)
	}

	d.cache.track(id)
	d.addHandle(h)
	d.Debug("submitted", "id", id, "name", spec.Name)

	return h, nil
}

// normaliseSpec fills in the blanks in the JobSpec.
func normaliseSpec(spec JobSpec) (JobSpec, error) {
	if spec.Executable == "" {
		return spec, errors.New("no executable")
	}

	if spec.NumCPU < 1 {
		spec.NumCPU = 1
	}

	if spec.RunPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return spec, err
		}

		spec.RunPath = wd
	}

	if spec.Name == "" {
		spec.Name = jobName(spec)
	}

	return spec, nil
}

// jobName returns a constant-width name unique to the JobSpec's command and run
// path.
func jobName(spec JobSpec) string {
	key := spec.RunPath + "\x00" + spec.Executable + "\x00" + strings.Join(spec.Args, "\x00")
	l, h := farm.Hash128([]byte(key))

	return fmt.Sprintf("jd_%016x%016x", l, h)
}

// submitFailed counts the failure and either gives up or sleeps before
// returning a retryable error.
func (d *Driver) submitFailed(ctx context.Context, spec JobSpec, cause error) error {
	d.failureMu.Lock()
	d.failures++
	failures := d.failures
	delay := d.errorSleep()
	d.failureMu.Unlock()

	if limit := d.opts.integer(OptMaxSubmitErrors); failures >= limit {
		d.Crit("giving up on submissions", "failures", failures, "err", cause)

		return Error{d.Name, "Submit", ErrTooManyFailures, fmt.Sprintf("%d failures, last: %s", failures, cause)}
	}

	d.Error("submission failed, will try again", "name", spec.Name, "failures", failures, "err", cause)

	if err := sleepCtx(ctx, delay); err != nil {
		return err
	}

	return Error{d.Name, "Submit", ErrSubmitFailed, cause.Error()}
}

// submitSucceeded resets the failure count, since only consecutive failures
// lead to giving up.
func (d *Driver) submitSucceeded() {
	d.failureMu.Lock()
	defer d.failureMu.Unlock()
	d.failures = 0
	d.backoff.Reset()
}

// errorSleep must be called with failureMu held.
func (d *Driver) errorSleep() time.Duration {
	lo := d.opts.duration(OptSubmitErrorSleep)

	hi := lo
	if _, set := d.opts.get(OptSubmitErrorSleepMax); set {
		hi = d.opts.duration(OptSubmitErrorSleepMax)
	}

	if hi < lo {
		hi = lo
	}

	if hi <= 0 {
		return 0
	}

	d.backoff.Min = lo
	d.backoff.Max = hi

	return d.backoff.Duration()
}

// Poll returns the current status of the job. Once a job has been seen to be
// Done or Exit, that status is returned without asking the batch system again.
func (d *Driver) Poll(ctx context.Context, h *Handle) (Status, error) {
	if err := d.check(h, "Poll"); err != nil {
		return Unknown, err
	}

	if s := h.Status(); s.IsTerminal() {
		return s, nil
	}

	s, err := d.impl.poll(ctx, h)
	if err != nil {
		return Unknown, err
	}

	s = h.setStatus(s)

	if s.IsTerminal() {
		d.removeHandle(h)
	}

	return s, nil
}

// Kill asks the batch system to kill the job. It does not wait for the job to
// die; keep polling to see it become Exit. Jobs that have already finished are
// ignored.
func (d *Driver) Kill(ctx context.Context, h *Handle) error {
	if err := d.check(h, "Kill"); err != nil {
		return err
	}

	if h.Status().IsTerminal() {
		return nil
	}

	if err := d.impl.kill(ctx, h); err != nil {
		d.Warn("kill failed", "id", h.ID, "err", err)

		return Error{d.Name, "Kill", ErrKillFailed, err.Error()}
	}

	return nil
}

// check makes sure the handle is one of ours.
func (d *Driver) check(h *Handle, op string) error {
	if h == nil {
		return Error{d.Name, op, ErrUnknownJob, "nil handle"}
	}

	if h.Driver != d.Name || !d.cache.tracking(h.ID) {
		return Error{d.Name, op, ErrUnknownJob, h.ID}
	}

	return nil
}

// Reattach gives you a Handle for a job previously submitted with the given
// run path, possibly by a different process, using the marker file Submit()
// wrote there.
func (d *Driver) Reattach(runPath string) (*Handle, error) {
	path := MarkerPath(d.Name, runPath)

	m, err := readMarker(path)
	if err != nil {
		return nil, Error{d.Name, "Reattach", ErrNoMarker, err.Error()}
	}

	if m.JobID == "" || (m.Driver != "" && m.Driver != d.Name) {
		return nil, Error{d.Name, "Reattach", ErrNoMarker, path + " is not for this driver"}
	}

	h := &Handle{ID: m.JobID, Name: m.Name, RunPath: runPath, Driver: d.Name, status: Pending}

	if err = d.impl.reattach(h); err != nil {
		return nil, err
	}

	d.cache.track(h.ID)
	d.addHandle(h)

	return h, nil
}

// Cleanup kills all the jobs this driver submitted (or reattached to) that
// have not yet been seen to finish.
func (d *Driver) Cleanup(ctx context.Context) error {
	d.handlesMu.Lock()
	live := make([]*Handle, 0, len(d.handles))

	for _, h := range d.handles {
		live = append(live, h)
	}
	d.handlesMu.Unlock()

	var merr *multierror.Error

	for _, h := range live {
		if err := d.Kill(ctx, h); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	return merr.ErrorOrNil()
}

// Forget stops tracking the job, so that its state is no longer kept and
// Cleanup() won't kill it. Further use of the handle gets an ErrUnknownJob
// Error.
func (d *Driver) Forget(h *Handle) {
	if h == nil {
		return
	}

	d.removeHandle(h)
	d.cache.forget(h.ID)
}

func (d *Driver) addHandle(h *Handle) {
	d.handlesMu.Lock()
	defer d.handlesMu.Unlock()
	d.handles[h.ID] = h
}

func (d *Driver) removeHandle(h *Handle) {
	d.handlesMu.Lock()
	defer d.handlesMu.Unlock()
	delete(d.handles, h.ID)
}

// debugOutput tells you if we should log the commands we run and their
// output at Info level instead of Debug.
func (d *Driver) debugOutput() bool {
	return d.opts.boolean(OptDebugOutput)
}

func (d *Driver) enableDebugOutput() {
	if d.debugOutput() {
		return
	}

	if _, err := d.opts.set(OptDebugOutput, "1"); err == nil {
		d.Info("turned debug output on")
	}
}

// runCmd runs a batch system command, capturing its output.
func (d *Driver) runCmd(ctx context.Context, t spawn.Transport, cmd spawn.Command) (string, string, int, error) {
	log := d.Debug
	if d.debugOutput() {
		log = d.Info
	}

	log("running", "via", t.String(), "cmd", cmd.Line())

	stdout, stderr, code, err := spawn.Output(ctx, t, cmd)

	log("ran", "cmd", cmd.Name, "exit", code, "stdout", stdout, "stderr", stderr, "err", err)

	return stdout, stderr, code, err
}

// submitCmd is runCmd for submission commands, holding the submission lock
// while the command runs. Submitters get the lock in the order they asked for
// it.
func (d *Driver) submitCmd(ctx context.Context, t spawn.Transport, cmd spawn.Command) (string, string, int, error) {
	if err := d.submitMu.lock(ctx); err != nil {
		return "", "", -1, err
	}
	defer d.submitMu.unlock()

	return d.runCmd(ctx, t, cmd)
}

// commandFailure describes a batch system command that didn't work.
func commandFailure(cmd spawn.Command, stdout, stderr string, code int) error {
	return fmt.Errorf("[%s] exited %d; stdout: %s; stderr: %s",
		cmd.Line(), code, strings.TrimSpace(stdout), strings.TrimSpace(stderr))
}

// sleepCtx sleeps for the given duration, returning early with an error if
// the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
