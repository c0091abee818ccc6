package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// SharedDiskStorage is a Storage on a directory every node mounts, nfs in a
// cluster or a local directory for the local driver.
type SharedDiskStorage struct {
	basepath string
}

func NewSharedDisk(basepath string) *SharedDiskStorage {
	slog.Info("using shared disk storage", "basepath", basepath)
	return &SharedDiskStorage{basepath: basepath}
}

// WriteJobConfig encodes the config to a temporary file next to the target and
// renames it into place, so a job that starts concurrently sees either the old
// config or the new one.
func (s *SharedDiskStorage) WriteJobConfig(modelId uuid.UUID, job string, config any) error {
	data, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return fmt.Errorf("error encoding %v config for model %v: %w", job, modelId, err)
	}

	path := filepath.Join(s.basepath, JobConfigPath(modelId, job))
	dir := filepath.Dir(path)

	if err := os.MkdirAll(dir, 0777); err != nil {
		slog.Error("error creating model directory", "path", dir, "error", err)
		return fmt.Errorf("error creating directory for model %v: %w", modelId, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		slog.Error("error creating temporary config file", "path", path, "error", err)
		return fmt.Errorf("error writing %v config for model %v: %w", job, modelId, err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		// Jobs may run as a different user than the engine.
		err = os.Chmod(tmp.Name(), 0666)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		slog.Error("error writing job config", "path", path, "error", err)
		return fmt.Errorf("error writing %v config for model %v: %w", job, modelId, err)
	}

	return nil
}

func (s *SharedDiskStorage) ReadJobConfig(modelId uuid.UUID, job string, config any) error {
	path := filepath.Join(s.basepath, JobConfigPath(modelId, job))

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: no %v config for model %v", ErrConfigNotFound, job, modelId)
		}
		slog.Error("error reading job config", "path", path, "error", err)
		return fmt.Errorf("error reading %v config for model %v: %w", job, modelId, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("error decoding %v config for model %v: %w", job, modelId, err)
	}
	return nil
}

// DeleteModel removes everything stored for the model. It is not an error if
// the model never had a directory.
func (s *SharedDiskStorage) DeleteModel(modelId uuid.UUID) error {
	path := filepath.Join(s.basepath, ModelPath(modelId))
	if err := os.RemoveAll(path); err != nil {
		slog.Error("error deleting model directory", "path", path, "error", err)
		return fmt.Errorf("error deleting storage for model %v: %w", modelId, err)
	}
	return nil
}

func (s *SharedDiskStorage) Usage() (UsageStats, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(s.basepath, &stat); err != nil {
		slog.Error("error getting disk usage for shared storage", "path", s.basepath, "error", err)
		return UsageStats{}, fmt.Errorf("error getting disk usage stats: %w", err)
	}

	return UsageStats{
		TotalBytes: stat.Blocks * uint64(stat.Bsize),
		FreeBytes:  stat.Bavail * uint64(stat.Bsize),
	}, nil
}

func (s *SharedDiskStorage) Location() string {
	return s.basepath
}
