// File: internal/concurrency/cron.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Periodic work dispatched once per loop iteration.

package concurrency

import "time"

// Job is a periodic task registered with Cron.
type Job struct {
	name     string
	interval time.Duration
	next     time.Time
	fn       func()
	active   bool
	runs     uint64
}

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// Next returns the next scheduled run.
func (j *Job) Next() time.Time { return j.next }

// Runs returns how many times the job ran.
func (j *Job) Runs() uint64 { return j.runs }

// Cron runs jobs at fixed intervals. A job that falls behind runs once and
// is re-armed relative to the dispatch time, so missed periods are dropped.
type Cron struct {
	jobs []*Job
	now  func() time.Time
}

// NewCron creates an empty Cron reading time from now; nil means time.Now.
func NewCron(now func() time.Time) *Cron {
	if now == nil {
		now = time.Now
	}
	return &Cron{now: now}
}

// Every registers fn to run each interval, first after one interval.
func (c *Cron) Every(name string, interval time.Duration, fn func()) *Job {
	if interval <= 0 {
		interval = time.Second
	}
	j := &Job{name: name, interval: interval, fn: fn, active: true, next: c.now().Add(interval)}
	c.jobs = append(c.jobs, j)
	return j
}

// Cancel removes j. A second call returns false.
func (c *Cron) Cancel(j *Job) bool {
	if j == nil || !j.active {
		return false
	}
	j.active = false
	for i, cur := range c.jobs {
		if cur == j {
			c.jobs = append(c.jobs[:i], c.jobs[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of registered jobs.
func (c *Cron) Len() int { return len(c.jobs) }

// Dispatch runs every job due at now through run, in registration order,
// and returns how many were due. run is expected to call the job function;
// the job is re-armed before run so a panic does not stall it.
func (c *Cron) Dispatch(now time.Time, run func(j *Job, fn func())) int {
	due := 0
	for _, j := range append([]*Job(nil), c.jobs...) {
		if !j.active || now.Before(j.next) {
			continue
		}
		due++
		j.runs++
		j.next = now.Add(j.interval)
		run(j, j.fn)
	}
	return due
}
