// Package tasks binds job commands to the pool, catalog, archive, publish
// and calibration operations.
package tasks

import (
	"sort"

	"github.com/stevecastle/haploscope/jobqueue"
)

// TaskFunc runs one claimed job. A nil return completes the job; the runner
// records errors and cancellation.
type TaskFunc func(j *jobqueue.Job, q *jobqueue.Queue) error

// Task represents a runnable unit bound to the jobqueue.
type Task struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Fn   TaskFunc `json:"-"`
}

type TaskMap map[string]Task

var tasks = make(TaskMap)

func init() {
	RegisterTask("wait", "Wait", waitFn)
	RegisterTask("generate-pool", "Generate Stimulus Pool", generatePoolTask)
	RegisterTask("index-pool", "Index Pool", indexPoolTask)
	RegisterTask("import-pool", "Import Pool Archive", importPoolTask)
	RegisterTask("publish-pool", "Publish Pool", publishPoolTask)
	RegisterTask("calibrate", "Calibrate Haploscope", calibrateTask)
}

func RegisterTask(id, name string, fn TaskFunc) {
	tasks[id] = Task{
		ID:   id,
		Name: name,
		Fn:   fn,
	}
}

func GetTasks() TaskMap {
	return tasks
}

// List returns the registered tasks sorted by ID.
func List() []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}
