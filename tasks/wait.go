package tasks

import (
	"fmt"
	"time"

	"github.com/stevecastle/haploscope/jobqueue"
)

// waitFn sleeps for --seconds (default 5), reporting each second. It is
// used to hold a workflow step and to exercise the queue.
func waitFn(j *jobqueue.Job, q *jobqueue.Queue) error {
	fs := newFlags(j.Command)
	seconds := fs.Int("seconds", 5, "")
	if err := fs.Parse(j.Arguments); err != nil {
		return err
	}
	for i := 0; i < *seconds; i++ {
		select {
		case <-j.Ctx.Done():
			q.PushJobStdout(j.ID, "Task was canceled")
			return j.Ctx.Err()
		case <-time.After(time.Second):
			q.PushJobStdout(j.ID, fmt.Sprintf("Waiting %d/%d", i+1, *seconds))
			q.UpdateProgress(j.ID, i+1, *seconds)
		}
	}
	return nil
}
