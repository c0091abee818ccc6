package versions

import (
	"gorm.io/gorm"
)

// Job logs are always read for a single (model, job) pair.
const jobLogIndex = "idx_job_logs_model_job"

func Migration_1_job_log_index(txn *gorm.DB) error {
	return txn.Exec("CREATE INDEX IF NOT EXISTS " + jobLogIndex + " ON job_logs (model_id, job)").Error
}

func Rollback_1_job_log_index(txn *gorm.DB) error {
	return txn.Exec("DROP INDEX IF EXISTS " + jobLogIndex).Error
}
