package scheduler

import "marketwatch/watcher-service/internal/model"

// Fire runs the cron callback for key synchronously.
func (s *Scheduler) Fire(key model.JobKey) { s.fire(key) }
