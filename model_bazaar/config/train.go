package config

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// TrainConfig is written to shared storage and read by the train job. The
// model specific sections are passed through to the job as they were received.
type TrainConfig struct {
	ModelId             uuid.UUID  `json:"model_id"`
	ModelType           string     `json:"model_type"`
	ModelSubType        string     `json:"model_sub_type,omitempty"`
	ModelBazaarDir      string     `json:"model_bazaar_dir"`
	ModelBazaarEndpoint string     `json:"model_bazaar_endpoint"`
	JobAuthToken        string     `json:"job_auth_token"`
	LicenseKey          string     `json:"license_key"`
	BaseModelId         *uuid.UUID `json:"base_model_id"`

	UserId uuid.UUID `json:"user_id"`

	ModelOptions json.RawMessage `json:"model_options,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	TrainOptions json.RawMessage `json:"train_options,omitempty"`

	JobOptions JobOptions `json:"job_options"`

	IsRetraining bool `json:"is_retraining"`
}

type JobOptions struct {
	AllocationCores     int `json:"allocation_cores"`
	AllocationMemory    int `json:"allocation_memory"`
	AllocationMemoryMax int `json:"allocation_memory_max"`
}

// Validate fills in defaults: at least one core, 6800Mb of memory if less
// than 500Mb is requested, and a memory limit no lower than the request.
func (opts *JobOptions) Validate() error {
	if opts.AllocationCores < 0 || opts.AllocationMemory < 0 || opts.AllocationMemoryMax < 0 {
		return fmt.Errorf("job allocations cannot be negative")
	}
	opts.AllocationCores = max(opts.AllocationCores, 1)
	if opts.AllocationMemory < 500 {
		opts.AllocationMemory = 6800
	}
	opts.AllocationMemoryMax = max(opts.AllocationMemoryMax, opts.AllocationMemory)
	return nil
}

func (opts *JobOptions) CpuUsageMhz() int {
	return opts.AllocationCores * 2400
}
