package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	ModelId uuid.UUID `json:"model_id"`
	Epochs  int       `json:"epochs"`
}

func TestSharedDiskJobConfigs(t *testing.T) {
	s := NewSharedDisk(t.TempDir())

	modelId := uuid.New()
	assert.Equal(t, "models/"+modelId.String()+"/train_config.json", JobConfigPath(modelId, "train"))

	var cfg testConfig
	err := s.ReadJobConfig(modelId, "train", &cfg)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	require.NoError(t, s.WriteJobConfig(modelId, "train", testConfig{ModelId: modelId, Epochs: 1}))
	require.NoError(t, s.WriteJobConfig(modelId, "train", testConfig{ModelId: modelId, Epochs: 2}))
	require.NoError(t, s.WriteJobConfig(modelId, "deploy", map[string]string{"model_id": modelId.String()}))

	require.NoError(t, s.ReadJobConfig(modelId, "train", &cfg))
	assert.Equal(t, testConfig{ModelId: modelId, Epochs: 2}, cfg)

	// Jobs read the file directly, so it must be plain json at the known path
	// with no temporary files left beside it.
	data, err := os.ReadFile(filepath.Join(s.Location(), JobConfigPath(modelId, "train")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"model_id": "`+modelId.String()+`", "epochs": 2}`, string(data))

	entries, err := os.ReadDir(filepath.Join(s.Location(), ModelPath(modelId)))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"train_config.json", "deploy_config.json"}, names)

	assert.Error(t, s.WriteJobConfig(modelId, "train", map[string]any{"bad": make(chan int)}))
	require.NoError(t, s.ReadJobConfig(modelId, "train", &cfg))
	assert.Equal(t, 2, cfg.Epochs)
}

func TestSharedDiskDeleteModel(t *testing.T) {
	s := NewSharedDisk(t.TempDir())

	keep, remove := uuid.New(), uuid.New()
	require.NoError(t, s.WriteJobConfig(keep, "train", testConfig{ModelId: keep}))
	require.NoError(t, s.WriteJobConfig(remove, "train", testConfig{ModelId: remove}))

	require.NoError(t, s.DeleteModel(remove))
	require.NoError(t, s.DeleteModel(uuid.New()))

	var cfg testConfig
	assert.ErrorIs(t, s.ReadJobConfig(remove, "train", &cfg), ErrConfigNotFound)
	require.NoError(t, s.ReadJobConfig(keep, "train", &cfg))
	assert.Equal(t, keep, cfg.ModelId)

	usage, err := s.Usage()
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, uint64(0))
	assert.LessOrEqual(t, usage.FreeBytes, usage.TotalBytes)
}

type fixedUsage struct {
	SharedDiskStorage
	stats UsageStats
}

func (f *fixedUsage) Usage() (UsageStats, error) {
	return f.stats, nil
}

type failingUsage struct {
	SharedDiskStorage
}

func (f *failingUsage) Usage() (UsageStats, error) {
	return UsageStats{}, errors.New("statfs failed")
}

func TestCheckDiskUsage(t *testing.T) {
	gib := 1024 * oneMib

	assert.NoError(t, CheckDiskUsage(&fixedUsage{stats: UsageStats{TotalBytes: 100 * gib, FreeBytes: 30 * gib}}))

	err := CheckDiskUsage(&fixedUsage{stats: UsageStats{TotalBytes: 100 * gib, FreeBytes: 10 * gib}})
	assert.ErrorIs(t, err, ErrInsufficientStorage)

	// Very large disks only need 20Gb free.
	assert.NoError(t, CheckDiskUsage(&fixedUsage{stats: UsageStats{TotalBytes: 1000 * gib, FreeBytes: 25 * gib}}))

	assert.Error(t, CheckDiskUsage(&failingUsage{}))
}
