// Package jobqueue runs long stimulus operations (pool generation, import,
// publish) one after another with dependencies, persisting them in sqlite so
// a restart resumes unfinished work.
package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stevecastle/haploscope/stream"
)

// ErrJobNotFound is returned for unknown job IDs.
var ErrJobNotFound = errors.New("job not found")

// JobState represents the current state of a job in the queue.
type JobState int

const (
	StatePending JobState = iota
	StateInProgress
	StateCompleted
	StateCancelled
	StateError
)

var stateNames = map[JobState][2]string{
	StatePending:    {"Pending", "pending"},
	StateInProgress: {"InProgress", "in_progress"},
	StateCompleted:  {"Completed", "completed"},
	StateCancelled:  {"Cancelled", "cancelled"},
	StateError:      {"Error", "error"},
}

func (s JobState) String() string {
	if n, ok := stateNames[s]; ok {
		return n[0]
	}
	return "Unknown"
}

// Finished reports whether the job will not run again.
func (s JobState) Finished() bool {
	return s == StateCompleted || s == StateCancelled || s == StateError
}

// MarshalJSON serializes JobState as a lowercase string for JSON.
func (s JobState) MarshalJSON() ([]byte, error) {
	if n, ok := stateNames[s]; ok {
		return json.Marshal(n[1])
	}
	return json.Marshal("unknown")
}

// UnmarshalJSON deserializes JobState from a string. Unknown names map to
// pending.
func (s *JobState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StatePending
	for st, n := range stateNames {
		if n[1] == str {
			*s = st
		}
	}
	return nil
}

// Lanes group jobs that compete for the same resource. Each lane runs at
// most its limit of jobs at once.
const (
	LaneRender  = "render"  // CPU-bound pool rendering
	LaneNetwork = "network" // uploads to object storage
	LaneLocal   = "local"
)

// LaneFor assigns a command to its lane.
func LaneFor(command string) string {
	switch command {
	case "generate-pool", "import-pool":
		return LaneRender
	case "publish-pool":
		return LaneNetwork
	}
	return LaneLocal
}

// Progress is the latest done/total report of a running job.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Job represents an individual task in the queue.
type Job struct {
	ID           string             `json:"id"`
	Command      string             `json:"command"`
	Arguments    []string           `json:"arguments"`
	Input        string             `json:"input"`
	Lane         string             `json:"lane"`
	Stdout       []string           `json:"-"`
	Dependencies []string           `json:"dependencies"` // IDs of jobs that must complete before this one
	State        JobState           `json:"state"`
	Progress     Progress           `json:"progress"`
	Result       json.RawMessage    `json:"result,omitempty"`
	Ctx          context.Context    `json:"-"`
	Cancel       context.CancelFunc `json:"-"`

	CreatedAt   time.Time `json:"created_at"`
	ClaimedAt   time.Time `json:"claimed_at"`
	CompletedAt time.Time `json:"completed_at"`
	ErroredAt   time.Time `json:"errored_at"`
}

// Workflow is a tree of commands; children run before their parent.
type Workflow struct {
	Command   string     `json:"command"`
	Arguments []string   `json:"arguments"`
	Input     string     `json:"input"`
	Children  []Workflow `json:"children"`
}

// Queue is a thread-safe structure that manages Jobs with dependencies.
type Queue struct {
	mu            sync.Mutex
	Jobs          map[string]*Job
	JobOrder      []string // insertion order
	Signal        chan string
	Db            *sql.DB
	LaneLimits    map[string]int
	RunningCounts map[string]int
	Logger        *slog.Logger
}

// NewQueue initializes and returns a new in-memory Queue.
func NewQueue() *Queue {
	return &Queue{
		Jobs:          make(map[string]*Job),
		Signal:        make(chan string, 100),
		LaneLimits:    make(map[string]int),
		RunningCounts: make(map[string]int),
	}
}

// NewQueueWithDB returns a Queue persisted in db. Jobs that were running
// when the process stopped go back to pending.
func NewQueueWithDB(db *sql.DB) *Queue {
	q := NewQueue()
	q.Db = db
	if err := q.createJobsTable(); err != nil {
		q.log().Error("failed to create jobs table", "error", err)
	}
	if err := q.loadJobsFromDB(); err != nil {
		q.log().Error("failed to load jobs from database", "error", err)
	}
	return q
}

func (q *Queue) log() *slog.Logger {
	if q.Logger != nil {
		return q.Logger
	}
	return slog.Default()
}

func (q *Queue) createJobsTable() error {
	_, err := q.Db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		arguments TEXT, -- JSON array
		input TEXT,
		lane TEXT,
		stdout TEXT, -- JSON array
		dependencies TEXT, -- JSON array
		state INTEGER NOT NULL,
		progress_done INTEGER NOT NULL DEFAULT 0,
		progress_total INTEGER NOT NULL DEFAULT 0,
		result TEXT,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		completed_at DATETIME,
		errored_at DATETIME,
		job_order_position INTEGER
	)`)
	return err
}

func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil
	}
	argumentsJSON, _ := json.Marshal(job.Arguments)
	stdoutJSON, _ := json.Marshal(job.Stdout)
	dependenciesJSON, _ := json.Marshal(job.Dependencies)
	position := slices.Index(q.JobOrder, job.ID)

	_, err := q.Db.Exec(`
	INSERT OR REPLACE INTO jobs (
		id, command, arguments, input, lane, stdout, dependencies, state,
		progress_done, progress_total, result,
		created_at, claimed_at, completed_at, errored_at, job_order_position
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Command, string(argumentsJSON), job.Input, job.Lane,
		string(stdoutJSON), string(dependenciesJSON), int(job.State),
		job.Progress.Done, job.Progress.Total, string(job.Result),
		job.CreatedAt, job.ClaimedAt, job.CompletedAt, job.ErroredAt, position,
	)
	return err
}

func (q *Queue) loadJobsFromDB() error {
	rows, err := q.Db.Query(`
	SELECT id, command, arguments, input, COALESCE(lane, ''), stdout, dependencies, state,
		   progress_done, progress_total, COALESCE(result, ''),
		   created_at, claimed_at, completed_at, errored_at
	FROM jobs
	ORDER BY job_order_position`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumed []string
	for rows.Next() {
		var job Job
		var argumentsJSON, stdoutJSON, dependenciesJSON, result string
		var state int
		err := rows.Scan(
			&job.ID, &job.Command, &argumentsJSON, &job.Input, &job.Lane,
			&stdoutJSON, &dependenciesJSON, &state,
			&job.Progress.Done, &job.Progress.Total, &result,
			&job.CreatedAt, &job.ClaimedAt, &job.CompletedAt, &job.ErroredAt,
		)
		if err != nil {
			q.log().Warn("skipping unreadable job row", "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(argumentsJSON), &job.Arguments); err != nil {
			job.Arguments = []string{}
		}
		if err := json.Unmarshal([]byte(stdoutJSON), &job.Stdout); err != nil {
			job.Stdout = []string{}
		}
		if err := json.Unmarshal([]byte(dependenciesJSON), &job.Dependencies); err != nil {
			job.Dependencies = []string{}
		}
		if result != "" {
			job.Result = json.RawMessage(result)
		}
		job.State = JobState(state)
		if job.Lane == "" {
			job.Lane = LaneFor(job.Command)
		}
		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumed = append(resumed, job.ID)
		}
		job.Ctx, job.Cancel = context.WithCancel(context.Background())

		q.Jobs[job.ID] = &job
		q.JobOrder = append(q.JobOrder, job.ID)
	}

	if len(resumed) > 0 {
		q.log().Info("resumed interrupted jobs", "count", len(resumed), "ids", resumed)
		for _, id := range resumed {
			select {
			case q.Signal <- id:
			default:
			}
		}
	}
	return rows.Err()
}

func (q *Queue) removeJobFromDB(jobID string) error {
	if q.Db == nil {
		return nil
	}
	_, err := q.Db.Exec("DELETE FROM jobs WHERE id = ?", jobID)
	return err
}

// persist saves job and broadcasts updateType. Callers hold q.mu.
func (q *Queue) persist(updateType string, job *Job) {
	if err := q.saveJobToDB(job); err != nil {
		q.log().Error("failed to save job", "id", job.ID, "state", job.State.String(), "error", err)
	}
	broadcastJob(updateType, job)
}

// SaveAllJobsToDB saves all current jobs to the database.
func (q *Queue) SaveAllJobsToDB() error {
	if q.Db == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var errs []error
	for _, job := range q.Jobs {
		if err := q.saveJobToDB(job); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}
	return errors.Join(errs...)
}

// AddJob adds a pending job and returns its generated ID.
func (q *Queue) AddJob(command string, arguments []string, input string, dependencies []string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	if _, exists := q.Jobs[id]; exists {
		return "", errors.New("job with given ID already exists")
	}
	for _, dep := range dependencies {
		if _, ok := q.Jobs[dep]; !ok {
			return "", fmt.Errorf("dependency %s: %w", dep, ErrJobNotFound)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:           id,
		Command:      command,
		Arguments:    arguments,
		Input:        input,
		Lane:         LaneFor(command),
		Dependencies: dependencies,
		State:        StatePending,
		Ctx:          ctx,
		Cancel:       cancel,
		CreatedAt:    time.Now(),
	}
	q.Jobs[id] = job
	q.JobOrder = append(q.JobOrder, id)
	q.persist("create", job)
	q.notify(id)
	return id, nil
}

// notify wakes the runners without blocking when they are busy.
func (q *Queue) notify(id string) {
	select {
	case q.Signal <- id:
	default:
	}
}

// AddWorkflow adds the tree bottom up, making each parent depend on its
// children, and returns the root job's ID.
func (q *Queue) AddWorkflow(w Workflow) (string, error) {
	var dependencies []string
	for _, child := range w.Children {
		id, err := q.AddWorkflow(child)
		if err != nil {
			return "", err
		}
		dependencies = append(dependencies, id)
	}
	return q.AddJob(w.Command, w.Arguments, w.Input, dependencies)
}

// CopyJob queues a fresh pending copy of job id.
func (q *Queue) CopyJob(id string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return "", ErrJobNotFound
	}
	newJob := *job
	newJob.ID = uuid.NewString()
	newJob.Stdout = []string{}
	newJob.State = StatePending
	newJob.Progress = Progress{}
	newJob.Result = nil
	newJob.CreatedAt = time.Now()
	newJob.ClaimedAt = time.Time{}
	newJob.CompletedAt = time.Time{}
	newJob.ErroredAt = time.Time{}
	newJob.Ctx, newJob.Cancel = context.WithCancel(context.Background())

	q.Jobs[newJob.ID] = &newJob
	q.JobOrder = append(q.JobOrder, newJob.ID)
	q.persist("create", &newJob)
	q.notify(newJob.ID)
	return newJob.ID, nil
}

// ClaimJob returns the oldest pending job whose dependencies are complete
// and whose lane has room, marking it in progress. It returns nil when
// nothing can run.
func (q *Queue) ClaimJob() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, jobID := range q.JobOrder {
		job := q.Jobs[jobID]
		if job.State != StatePending || !q.canClaim(job) {
			continue
		}
		if q.RunningCounts[job.Lane] >= q.laneLimitLocked(job.Lane) {
			continue
		}
		job.State = StateInProgress
		job.ClaimedAt = time.Now()
		q.RunningCounts[job.Lane]++
		q.persist("update", job)
		return job, nil
	}
	return nil, nil
}

// canClaim checks if a job's dependencies are all completed.
func (q *Queue) canClaim(job *Job) bool {
	for _, dep := range job.Dependencies {
		depJob, exists := q.Jobs[dep]
		if !exists || depJob.State != StateCompleted {
			return false
		}
	}
	return true
}

// finish moves an in-progress job to state.
func (q *Queue) finish(id string, state JobState) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StateInProgress {
		return fmt.Errorf("job is %s, not in progress", job.State)
	}
	job.State = state
	now := time.Now()
	if state == StateError {
		job.ErroredAt = now
	} else {
		job.CompletedAt = now
	}
	q.RunningCounts[job.Lane]--
	q.persist("update", job)
	return nil
}

// ErrorJob marks an in-progress job as failed.
func (q *Queue) ErrorJob(id string) error {
	return q.finish(id, StateError)
}

// CompleteJob marks an in-progress job as completed.
func (q *Queue) CompleteJob(id string) error {
	return q.finish(id, StateCompleted)
}

// CancelJob cancels a pending or running job. A running job's context is
// cancelled so its task stops at the next check.
func (q *Queue) CancelJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != StatePending && job.State != StateInProgress {
		return fmt.Errorf("job is %s, cannot cancel", job.State)
	}
	job.Cancel()
	if job.State == StateInProgress {
		q.RunningCounts[job.Lane]--
	}
	job.State = StateCancelled
	job.CompletedAt = time.Now()
	q.persist("update", job)
	return nil
}

// PushJobStdout appends a line to the job's log.
func (q *Queue) PushJobStdout(id string, line string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Stdout = append(job.Stdout, line)
	if err := q.saveJobToDB(job); err != nil {
		q.log().Error("failed to save job stdout", "id", id, "error", err)
	}
	stream.BroadcastJSON("stdout-"+id, map[string]string{"updateType": "stdout", "line": line})
	return nil
}

// UpdateProgress records done of total. Progress is broadcast on every call
// and persisted with the next state change.
func (q *Queue) UpdateProgress(id string, done, total int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Progress = Progress{Done: done, Total: total}
	stream.BroadcastJSON("progress-"+id, map[string]any{"updateType": "progress", "id": id, "progress": job.Progress})
	return nil
}

// SetResult stores the task's JSON summary.
func (q *Queue) SetResult(id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	job.Result = data
	return q.saveJobToDB(job)
}

// GetJobs returns a copy of every job, newest first.
func (q *Queue) GetJobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]Job, 0, len(q.JobOrder))
	for i := len(q.JobOrder) - 1; i >= 0; i-- {
		jobs = append(jobs, *q.Jobs[q.JobOrder[i]])
	}
	return jobs
}

// GetJob returns the job, or nil when id is unknown.
func (q *Queue) GetJob(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Jobs[id]
}

// Snapshot returns a copy of the job safe to read while it runs.
func (q *Queue) Snapshot(id string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.Jobs[id]
	if !ok {
		return Job{}, false
	}
	cp := *job
	cp.Stdout = slices.Clone(job.Stdout)
	return cp, true
}

// RemoveJob deletes a job, cancelling it first if it runs.
func (q *Queue) RemoveJob(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, exists := q.Jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State == StateInProgress {
		job.Cancel()
		q.RunningCounts[job.Lane]--
	}
	q.removeLocked(id)
	return nil
}

func (q *Queue) removeLocked(id string) {
	delete(q.Jobs, id)
	if i := slices.Index(q.JobOrder, id); i >= 0 {
		q.JobOrder = slices.Delete(q.JobOrder, i, i+1)
	}
	if err := q.removeJobFromDB(id); err != nil {
		q.log().Error("failed to remove job from database", "id", id, "error", err)
	}
	broadcastJob("delete", &Job{ID: id})
}

// ClearNonRunningJobs removes every job that is not in progress and returns
// how many were removed.
func (q *Queue) ClearNonRunningJobs() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var remove []string
	for _, id := range q.JobOrder {
		if q.Jobs[id].State != StateInProgress {
			remove = append(remove, id)
		}
	}
	for _, id := range remove {
		q.removeLocked(id)
	}
	return len(remove), nil
}

// SerializedJob is the payload of job list events.
type SerializedJob struct {
	UpdateType string `json:"updateType"`
	Job        Job    `json:"job"`
}

func broadcastJob(updateType string, job *Job) {
	stream.BroadcastJSON(updateType, SerializedJob{UpdateType: updateType, Job: *job})
}

func (q *Queue) laneLimitLocked(lane string) int {
	if limit, ok := q.LaneLimits[lane]; ok {
		return limit
	}
	return 1
}

// SetLaneLimit allows limit concurrent jobs in lane. The default is 1.
func (q *Queue) SetLaneLimit(lane string, limit int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.LaneLimits[lane] = limit
}
