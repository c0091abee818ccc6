package schema

import (
	"fmt"
	"slices"
)

const (
	NotStarted = "not_started"
	Starting   = "starting"
	InProgress = "in_progress"
	Stopped    = "stopped"
	Complete   = "complete"
	Failed     = "failed"
)

func CheckValidStatus(status string) error {
	if !slices.Contains([]string{NotStarted, Starting, InProgress, Stopped, Complete, Failed}, status) {
		return fmt.Errorf("%w: invalid status '%v', must be one of not_started, starting, in_progress, stopped, complete, failed", ErrValidationFailed, status)
	}
	return nil
}

const (
	Private   = "private"
	Protected = "protected"
	Public    = "public"
)

func CheckValidAccess(access string) error {
	if access != Private && access != Protected && access != Public {
		return fmt.Errorf("%w: invalid access '%v', must be 'private', 'protected', or 'public'", ErrValidationFailed, access)
	}
	return nil
}

const (
	ReadPerm  = "read"
	WritePerm = "write"
)

func CheckValidPermission(permission string) error {
	if permission != ReadPerm && permission != WritePerm {
		return fmt.Errorf("%w: invalid permission '%v', must be 'read' or 'write'", ErrValidationFailed, permission)
	}
	return nil
}

const (
	NdbModel            = "ndb"
	NlpTokenModel       = "nlp-token"
	NlpTextModel        = "nlp-text"
	EnterpriseSearch    = "enterprise-search"
	KnowledgeExtraction = "knowledge-extraction"
)

// Job kinds double as the prefix of backend job names and the name of the
// status field they drive.
const (
	TrainJob  = "train"
	DeployJob = "deploy"
)

func CheckValidJob(job string) error {
	if job != TrainJob && job != DeployJob {
		return fmt.Errorf("%w: invalid job '%v', must be 'train' or 'deploy'", ErrValidationFailed, job)
	}
	return nil
}

const (
	LogWarning = "warning"
	LogError   = "error"
)

func CheckValidLogLevel(level string) error {
	if level != LogWarning && level != LogError {
		return fmt.Errorf("%w: invalid log level '%v', must be 'warning' or 'error'", ErrValidationFailed, level)
	}
	return nil
}
