package storage

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

var (
	ErrInsufficientStorage = errors.New("insufficient disk space available")
	ErrConfigNotFound      = errors.New("job config not found")
)

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

// Storage is the shared filesystem that the engine and the jobs it starts can
// both read. The engine only writes job configs into it and removes a model's
// directory when the model is deleted. Everything else under a model directory
// belongs to the jobs.
type Storage interface {
	WriteJobConfig(modelId uuid.UUID, job string, config any) error

	ReadJobConfig(modelId uuid.UUID, job string, config any) error

	DeleteModel(modelId uuid.UUID) error

	Usage() (UsageStats, error)

	// Location is the path jobs mount the storage at.
	Location() string
}

func ModelPath(modelId uuid.UUID) string {
	return filepath.Join("models", modelId.String())
}

// JobConfigPath is where the config for a job of the given kind is written for
// the model, relative to Location().
func JobConfigPath(modelId uuid.UUID, job string) string {
	return filepath.Join(ModelPath(modelId), fmt.Sprintf("%v_config.json", job))
}

const oneMib = uint64(1024 * 1024)

// CheckDiskUsage fails if less than 20% of the disk, or 20Gb for very large
// disks, is free.
func CheckDiskUsage(s Storage) error {
	stats, err := s.Usage()
	if err != nil {
		return fmt.Errorf("unable to get disk usage: %w", err)
	}

	threshold := min(stats.TotalBytes/5, 20*1024*oneMib)
	if stats.FreeBytes < threshold {
		used := (stats.TotalBytes - stats.FreeBytes) / oneMib
		total := stats.TotalBytes / oneMib
		delta := (threshold - stats.FreeBytes) / oneMib
		return fmt.Errorf("%w: usage %d/%d Mib, please clear %d Mib", ErrInsufficientStorage, used, total, delta)
	}
	return nil
}
