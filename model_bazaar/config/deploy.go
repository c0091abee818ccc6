package config

import (
	"fmt"

	"github.com/google/uuid"
)

type DeployConfig struct {
	ModelId             uuid.UUID         `json:"model_id"`
	UserId              uuid.UUID         `json:"user_id"`
	ModelType           string            `json:"model_type"`
	ModelBazaarDir      string            `json:"model_bazaar_dir"`
	HostDir             string            `json:"host_dir"`
	ModelBazaarEndpoint string            `json:"model_bazaar_endpoint"`
	LicenseKey          string            `json:"license_key"`
	JobAuthToken        string            `json:"job_auth_token"`
	Autoscaling         bool              `json:"autoscaling_enabled"`
	Options             map[string]string `json:"options"`
}

type AutoscalingOptions struct {
	Enabled bool `json:"autoscaling_enabled"`
	Min     int  `json:"autoscaling_min"`
	Max     int  `json:"autoscaling_max"`
}

func (opts *AutoscalingOptions) Validate() error {
	if !opts.Enabled {
		return nil
	}
	if opts.Min == 0 {
		opts.Min = 1
	}
	if opts.Max == 0 {
		opts.Max = opts.Min
	}
	if opts.Min < 1 {
		return fmt.Errorf("autoscaling_min must be at least 1")
	}
	if opts.Max < opts.Min {
		return fmt.Errorf("autoscaling_max (%d) must be >= autoscaling_min (%d)", opts.Max, opts.Min)
	}
	return nil
}
