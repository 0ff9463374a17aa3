package jobs

import "github.com/upb/adgen/models"

// Progress lets a running job report how far it got
type Progress interface {
	// Step records that step n of the job's total has been reached
	Step(n int, label string)
}

type reporter struct {
	engine *Engine
	entry  *entry
}

// Step updates progress only while the job is RUNNING and never moves it backwards
func (r *reporter) Step(n int, label string) {
	r.entry.mu.Lock()
	job := r.entry.job
	if job.Status != models.JobStatusRunning {
		r.entry.mu.Unlock()
		return
	}
	previous := job.Progress
	job.SetProgress(n, label)
	if job.Progress < previous {
		job.Progress = previous
	}
	snap, seq := r.entry.stageLocked()
	r.entry.mu.Unlock()

	r.engine.persist(r.entry, snap, seq)
}

// NopProgress discards progress reports
type NopProgress struct{}

// Step implements Progress
func (NopProgress) Step(int, string) {}
