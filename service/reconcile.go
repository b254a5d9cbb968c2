package service

import (
	"context"
	"fmt"
	"time"

	"SceneForge-server/models"
	"SceneForge-server/provider"
)

// ReconcileReport counts what one reconciliation pass did.
type ReconcileReport struct {
	Checked      int      `json:"checked"`
	Completed    int      `json:"completed"`
	Failed       int      `json:"failed"`
	StillRunning int      `json:"still_running"`
	Skipped      int      `json:"skipped"`
	Errors       []string `json:"errors,omitempty"`
}

// ReconcileRunningJobs queries the provider once for every running job
// that no worker in this process owns and lands terminal results. Running
// it again is harmless: finished jobs are no longer listed and a job is
// only finished once.
func (o *Orchestrator) ReconcileRunningJobs(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	jobs, err := o.store.ListRunningJobs(ctx)
	if err != nil {
		return report, err
	}
	for i := range jobs {
		job := &jobs[i]
		if o.active.Holds(job.ID) {
			report.Skipped++
			continue
		}
		u := unitOf(job)
		report.Checked++

		if job.TaskID == "" {
			// Never submitted: the process that created it died first.
			if time.Since(job.RequestedAt) > o.opts.Generation.PollTimeout() {
				o.fail(ctx, u, job, "", "job abandoned before submission")
				report.Failed++
			} else {
				report.StillRunning++
			}
			continue
		}
		if job.DryRun() || o.provider == nil {
			report.Skipped++
			continue
		}

		st, err := o.provider.GetStatus(ctx, job.TaskID)
		if err != nil {
			o.logger.Warn("reconcile status fetch failed", "job_id", job.ID, "task_id", job.TaskID, "error", err)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", job.ID, err))
			continue
		}
		switch st.State {
		case provider.StateSucceeded:
			url, err := provider.ChoosePrimaryURL(st.Outputs, u.stage)
			if err != nil {
				o.fail(ctx, u, job, job.TaskID, err.Error())
				report.Failed++
				continue
			}
			o.land(ctx, u, job, Result{TaskID: job.TaskID, URL: url})
			report.Completed++
		case provider.StateFailed:
			msg := st.Error
			if msg == "" {
				msg = fmt.Sprintf("task %s ended with status %s", job.TaskID, st.RawStatus)
			}
			o.fail(ctx, u, job, job.TaskID, msg)
			report.Failed++
		default:
			report.StillRunning++
		}
	}
	if report.Checked > 0 {
		o.logger.Info("reconciled running jobs",
			"checked", report.Checked, "completed", report.Completed, "failed", report.Failed,
			"running", report.StillRunning, "skipped", report.Skipped)
	}
	return report, nil
}

// Job returns one job row.
func (o *Orchestrator) Job(ctx context.Context, id string) (*models.Job, error) {
	return o.store.GetJob(ctx, id)
}
