// Package scheduler is the trigger engine: durable job entries keyed by
// domain.JobKey, cron triggers keyed by domain.TriggerKey and grouped by
// schedule, with group- and job-level pause.
//
// The scheduler only decides when something fires. Each firing gets a fresh
// fire-instance id and is handed to the task engine; execution happens there.
package scheduler
