package runners

import (
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stevecastle/haploscope/jobqueue"
	"github.com/stevecastle/haploscope/tasks"
)

func setupTestQueue(t *testing.T) *jobqueue.Queue {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return jobqueue.NewQueueWithDB(db)
}

// newTestRunners wires r to the given commands only.
func newTestRunners(t *testing.T, q *jobqueue.Queue, fns map[string]tasks.TaskFunc) *Runners {
	t.Helper()
	r := New(q)
	r.mu.Lock()
	r.lookup = func(command string) (tasks.TaskFunc, bool) {
		fn, ok := fns[command]
		return fn, ok
	}
	r.mu.Unlock()
	t.Cleanup(r.Shutdown)
	return r
}

func waitForState(t *testing.T, q *jobqueue.Queue, id string, want jobqueue.JobState) jobqueue.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := q.Snapshot(id); ok && job.State == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := q.Snapshot(id)
	t.Fatalf("job %s state = %v; want %v", id, job.State, want)
	return job
}

func TestNewRunners(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q)
	if r.queue != q || r.ctx == nil || r.cancel == nil || r.lookup == nil {
		t.Error("Runners not initialized")
	}
	r.Shutdown()
	// Second shutdown must not panic or block.
	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Shutdown did not complete in time")
	}
}

func TestRunnerCompletesJob(t *testing.T) {
	q := setupTestQueue(t)
	newTestRunners(t, q, map[string]tasks.TaskFunc{
		"ok": func(j *jobqueue.Job, q *jobqueue.Queue) error {
			q.PushJobStdout(j.ID, "hello")
			return nil
		},
	})
	id, _ := q.AddJob("ok", nil, "", nil)
	job := waitForState(t, q, id, jobqueue.StateCompleted)
	if len(job.Stdout) != 1 || job.Stdout[0] != "hello" {
		t.Errorf("stdout = %v", job.Stdout)
	}
}

func TestRunnerRecordsErrors(t *testing.T) {
	q := setupTestQueue(t)
	newTestRunners(t, q, map[string]tasks.TaskFunc{
		"fail":  func(j *jobqueue.Job, q *jobqueue.Queue) error { return errors.New("disk full") },
		"panic": func(j *jobqueue.Job, q *jobqueue.Queue) error { panic("boom") },
	})
	q.SetLaneLimit(jobqueue.LaneLocal, 3)

	failID, _ := q.AddJob("fail", nil, "", nil)
	panicID, _ := q.AddJob("panic", nil, "", nil)
	unknownID, _ := q.AddJob("this-task-does-not-exist", nil, "", nil)

	job := waitForState(t, q, failID, jobqueue.StateError)
	if job.Stdout[len(job.Stdout)-1] != "Error: disk full" {
		t.Errorf("stdout = %v", job.Stdout)
	}
	job = waitForState(t, q, panicID, jobqueue.StateError)
	if job.Stdout[len(job.Stdout)-1] != "Error: task panicked: boom" {
		t.Errorf("stdout = %v", job.Stdout)
	}
	job = waitForState(t, q, unknownID, jobqueue.StateError)
	if job.Stdout[0] != "Task not found: this-task-does-not-exist" {
		t.Errorf("stdout = %v", job.Stdout)
	}
}

func TestRunnerCancellation(t *testing.T) {
	q := setupTestQueue(t)
	started := make(chan struct{})
	newTestRunners(t, q, map[string]tasks.TaskFunc{
		"block": func(j *jobqueue.Job, q *jobqueue.Queue) error {
			close(started)
			<-j.Ctx.Done()
			return j.Ctx.Err()
		},
	})
	id, _ := q.AddJob("block", nil, "", nil)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	if err := q.CancelJob(id); err != nil {
		t.Fatal(err)
	}
	waitForState(t, q, id, jobqueue.StateCancelled)
}

func TestRunnerDependencies(t *testing.T) {
	q := setupTestQueue(t)
	var order []string
	record := func(j *jobqueue.Job, q *jobqueue.Queue) error {
		order = append(order, j.Input)
		return nil
	}
	newTestRunners(t, q, map[string]tasks.TaskFunc{"rec": record})

	parent, _ := q.AddJob("rec", nil, "parent", nil)
	child, _ := q.AddJob("rec", nil, "child", []string{parent})
	waitForState(t, q, child, jobqueue.StateCompleted)
	if len(order) != 2 || order[0] != "parent" || order[1] != "child" {
		t.Errorf("order = %v", order)
	}
}

func TestRunnerRespectsLaneLimit(t *testing.T) {
	q := setupTestQueue(t)
	var active, peak atomic.Int32
	release := make(chan struct{})
	newTestRunners(t, q, map[string]tasks.TaskFunc{
		"generate-pool": func(j *jobqueue.Job, q *jobqueue.Queue) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			return nil
		},
	})

	var ids []string
	for range 3 {
		id, _ := q.AddJob("generate-pool", nil, "", nil)
		ids = append(ids, id)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	for _, id := range ids {
		waitForState(t, q, id, jobqueue.StateCompleted)
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d; want 1 on the render lane", peak.Load())
	}
}

func TestRunnerWaitTask(t *testing.T) {
	q := setupTestQueue(t)
	r := New(q)
	t.Cleanup(r.Shutdown)
	id, _ := q.AddJob("wait", []string{"--seconds", "1"}, "", nil)
	job := waitForState(t, q, id, jobqueue.StateCompleted)
	if job.Progress.Done != 1 {
		t.Errorf("progress = %+v", job.Progress)
	}
	r.Wait()
	if r.Running() != 0 {
		t.Errorf("Running() = %d after Wait", r.Running())
	}
}
