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

// This file contains the option keys every driver understands, and the
// machinery for validating and storing option values.

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/VertebrateResequencing/jobdriver/bsubresource"
	sync "github.com/sasha-s/go-deadlock"
)

// Option keys understood by every driver.
const (
	OptSubmitSleep         = "SUBMIT_SLEEP"
	OptSubmitErrorSleep    = "SUBMIT_ERROR_SLEEP"
	OptSubmitErrorSleepMax = "SUBMIT_ERROR_SLEEP_MAX"
	OptMaxSubmitErrors     = "MAX_SUBMIT_ERRORS"
	OptMaxRunning          = "MAX_RUNNING"
	OptDebugOutput         = "DEBUG_OUTPUT"
)

const (
	defaultSubmitErrorSleep = "2"
	defaultMaxSubmitErrors  = "100"
	defaultRefreshInterval  = "10"
)

var (
	errNotNumber   = errors.New("not a number")
	errNegative    = errors.New("must not be negative")
	errNotPositive = errors.New("must be greater than 0")
	errNotBool     = errors.New("not a boolean")
)

// optionRule describes how values for an option key are validated and stored.
type optionRule struct {
	def    string
	hasDef bool

	// norm validates a new value given the current one (empty when unset),
	// returning what should be stored. keep false means the key becomes
	// unset.
	norm func(current, value string) (stored string, keep bool, err error)
}

type optionRules map[string]optionRule

func withDefault(def string, r optionRule) optionRule {
	r.def = def
	r.hasDef = true

	return r
}

var (
	anyValue = optionRule{norm: func(_, v string) (string, bool, error) {
		return v, true, nil
	}}

	// unsetIfEmpty values are stored as given, but "" unsets the key.
	unsetIfEmpty = optionRule{norm: func(_, v string) (string, bool, error) {
		return v, v != "", nil
	}}

	seconds = optionRule{norm: func(_, v string) (string, bool, error) {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return "", false, errNotNumber
		}

		if f < 0 {
			return "", false, errNegative
		}

		return v, true, nil
	}}

	counter = optionRule{norm: func(_, v string) (string, bool, error) {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return "", false, errNotNumber
		}

		if i < 0 {
			return "", false, errNegative
		}

		return v, true, nil
	}}

	positive = optionRule{norm: func(_, v string) (string, bool, error) {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return "", false, errNotNumber
		}

		if i < 1 {
			return "", false, errNotPositive
		}

		return v, true, nil
	}}

	flag = optionRule{norm: func(_, v string) (string, bool, error) {
		if _, err := strconv.ParseBool(strings.TrimSpace(v)); err != nil {
			return "", false, errNotBool
		}

		return v, true, nil
	}}

	// memory values are things like "32gb" or "500M"; a plain number is MB.
	memory = optionRule{norm: func(_, v string) (string, bool, error) {
		if v == "" {
			return "", false, nil
		}

		if _, err := memoryMB(v); err != nil {
			return "", false, err
		}

		return v, true, nil
	}}

	// hostList values are added to the current list; "" clears it.
	hostList = optionRule{norm: func(current, v string) (string, bool, error) {
		if strings.TrimSpace(v) == "" {
			return "", false, nil
		}

		hosts := bsubresource.ParseHostList(current + "," + v)

		return strings.Join(hosts, ","), true, nil
	}}
)

// commonRules are the keys every driver handles. MAX_RUNNING is only stored
// for whatever decides how many jobs to submit; "" resets it to "0".
var commonRules = optionRules{
	OptSubmitSleep:         seconds,
	OptSubmitErrorSleep:    withDefault(defaultSubmitErrorSleep, seconds),
	OptSubmitErrorSleepMax: seconds,
	OptMaxSubmitErrors:     withDefault(defaultMaxSubmitErrors, positive),
	OptMaxRunning: withDefault("0", optionRule{norm: func(current, v string) (string, bool, error) {
		if v == "" {
			return "0", true, nil
		}

		return counter.norm(current, v)
	}}),
	OptDebugOutput: withDefault("0", flag),
}

// memoryMB converts a memory option value to whole megabytes.
func memoryMB(v string) (uint64, error) {
	v = strings.TrimSpace(v)

	if n, err := strconv.ParseUint(v, 10, 64); err == nil {
		return n, nil
	}

	mb, err := bytefmt.ToMegabytes(v)
	if err != nil {
		return 0, fmt.Errorf("bad memory value: %w", err)
	}

	return mb, nil
}

// optionStore holds the current option values of a driver.
type optionStore struct {
	rules  optionRules
	values map[string]string
	mu     sync.RWMutex
}

// newOptionStore creates a store that accepts the keys of all the given rule
// sets, with their defaults already set.
func newOptionStore(ruleSets ...optionRules) *optionStore {
	o := &optionStore{rules: make(optionRules), values: make(map[string]string)}

	for _, rules := range ruleSets {
		for key, rule := range rules {
			o.rules[key] = rule

			if rule.hasDef {
				o.values[key] = rule.def
			}
		}
	}

	return o
}

// set returns false if the key isn't one we know. A non-nil error means the
// value was bad and the current value is unchanged.
func (o *optionStore) set(key, value string) (bool, error) {
	rule, known := o.rules[key]
	if !known {
		return false, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	stored, keep, err := rule.norm(o.values[key], value)
	if err != nil {
		return true, err
	}

	if keep {
		o.values[key] = stored
	} else {
		delete(o.values, key)
	}

	return true, nil
}

func (o *optionStore) get(key string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	v, set := o.values[key]

	return v, set
}

// keys returns all the keys we accept, sorted.
func (o *optionStore) keys() []string {
	keys := make([]string, 0, len(o.rules))
	for key := range o.rules {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}

// str is get() without the set indicator.
func (o *optionStore) str(key string) string {
	v, _ := o.get(key)

	return v
}

// integer returns the integer value of the key, or 0 if unset.
func (o *optionStore) integer(key string) int {
	i, err := strconv.Atoi(strings.TrimSpace(o.str(key)))
	if err != nil {
		return 0
	}

	return i
}

// boolean returns the boolean value of the key, false if unset.
func (o *optionStore) boolean(key string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(o.str(key)))

	return err == nil && b
}

// duration treats the key's value as (fractional) seconds.
func (o *optionStore) duration(key string) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(o.str(key)), 64)
	if err != nil {
		return 0
	}

	return time.Duration(f * float64(time.Second))
}

// hosts returns a comma separated host list value as a slice.
func (o *optionStore) hosts(key string) []string {
	return bsubresource.ParseHostList(o.str(key))
}
