// Package runners claims queued jobs and runs their tasks.
package runners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/stevecastle/haploscope/jobqueue"
	"github.com/stevecastle/haploscope/tasks"
)

// Runners starts every claimable job as soon as the queue signals it.
// The queue's lane limits bound how many run at once.
type Runners struct {
	queue   *jobqueue.Queue
	mu      sync.Mutex
	running int
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	jobs    sync.WaitGroup
	lookup  func(command string) (tasks.TaskFunc, bool)
	Logger  *slog.Logger
}

func registered(command string) (tasks.TaskFunc, bool) {
	t, ok := tasks.GetTasks()[command]
	return t.Fn, ok
}

// New creates a Runners instance listening on the queue's signal channel.
func New(queue *jobqueue.Queue) *Runners {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runners{
		queue:  queue,
		ctx:    ctx,
		cancel: cancel,
		lookup: registered,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-r.queue.Signal:
				r.CheckForJobs()
			}
		}
	}()
	return r
}

func (r *Runners) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Shutdown stops claiming new jobs. Running jobs keep going; jobs still in
// progress when the process exits are resumed by the next queue load.
func (r *Runners) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until no job started by r is running.
func (r *Runners) Wait() {
	r.jobs.Wait()
}

// Running returns the number of jobs in flight.
func (r *Runners) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// CheckForJobs claims and starts every job that can run now.
func (r *Runners) CheckForJobs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchAndRunLocked()
}

func (r *Runners) fetchAndRunLocked() {
	for r.ctx.Err() == nil {
		job, err := r.queue.ClaimJob()
		if err != nil {
			r.log().Error("claim job", "error", err)
			return
		}
		if job == nil {
			return
		}
		r.runJobLocked(job)
	}
}

func (r *Runners) runJobLocked(j *jobqueue.Job) {
	r.running++
	r.jobs.Add(1)
	go func() {
		defer r.jobs.Done()
		defer func() {
			r.mu.Lock()
			r.running--
			r.fetchAndRunLocked()
			r.mu.Unlock()
		}()
		r.execute(j)
	}()
}

// execute runs the task and records the outcome. A panicking task fails its
// job instead of the process.
func (r *Runners) execute(j *jobqueue.Job) {
	log := r.log().With("job", j.ID, "command", j.Command)
	fn, ok := r.lookup(j.Command)
	if !ok {
		r.queue.PushJobStdout(j.ID, "Task not found: "+j.Command)
		r.queue.ErrorJob(j.ID)
		log.Warn("no task for command")
		return
	}

	log.Info("job started", "args", j.Arguments, "input", j.Input)
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task panicked: %v", p)
			}
		}()
		return fn(j, r.queue)
	}()

	switch {
	case err == nil:
		if cerr := r.queue.CompleteJob(j.ID); cerr != nil {
			// cancelled while finishing
			log.Debug("job not completed", "reason", cerr)
			return
		}
		log.Info("job completed")
	case j.Ctx.Err() != nil || errors.Is(err, context.Canceled):
		_ = r.queue.CancelJob(j.ID)
		log.Info("job cancelled")
	default:
		r.queue.PushJobStdout(j.ID, "Error: "+err.Error())
		_ = r.queue.ErrorJob(j.ID)
		log.Error("job failed", "error", err)
	}
}
