package tasks

import (
	"errors"

	"github.com/stevecastle/haploscope/appconfig"
	"github.com/stevecastle/haploscope/calibration"
	"github.com/stevecastle/haploscope/jobqueue"
)

// calibrateTask computes carriage and mirror positions. --iod is in mm;
// the focal distance is --focal in mm or --viewing in cm.
func calibrateTask(j *jobqueue.Job, q *jobqueue.Queue) error {
	fs := newFlags(j.Command)
	iod := fs.Float64("iod", 0, "")
	focal := fs.Float64("focal", 0, "")
	viewing := fs.Float64("viewing", 0, "")
	profileName := fs.String("profile", "", "")
	if err := fs.Parse(j.Arguments); err != nil {
		return err
	}
	if *focal == 0 && *viewing != 0 {
		*focal = calibration.FocalDistanceFromViewing(*viewing)
	}
	if *iod == 0 || *focal == 0 {
		return errors.New("calibrate needs --iod and --focal or --viewing")
	}

	profile, err := appconfig.Get().Profile(*profileName)
	if err != nil {
		return err
	}
	c := profile.Calibrate(*iod, *focal)
	for _, line := range c.Lines() {
		q.PushJobStdout(j.ID, line)
	}
	return q.SetResult(j.ID, c)
}
