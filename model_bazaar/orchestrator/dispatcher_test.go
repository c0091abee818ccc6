package orchestrator

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/config"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/licensing"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/storage"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testBoltKey = "236C00-47457C-4641C5-52E3BB-3D1F34-V3"

type fakeClient struct {
	mu        sync.Mutex
	jobs      map[string]JobState
	submitted []JobSpec
	stopped   []string
	submitErr error
	cpuUsage  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{jobs: map[string]JobState{}}
}

func (c *fakeClient) RenderSpec(job Job) (JobSpec, error) {
	if err := job.Validate(); err != nil {
		return JobSpec{}, err
	}
	return JobSpec{Name: job.GetJobName(), Template: job.JobTemplatePath(), Body: fmt.Sprintf("%+v", job)}, nil
}

func (c *fakeClient) Submit(ctx context.Context, spec JobSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return c.submitErr
	}
	c.submitted = append(c.submitted, spec)
	c.jobs[spec.Name] = JobPending
	return nil
}

func (c *fakeClient) Stop(ctx context.Context, jobName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, jobName)
	if _, ok := c.jobs[jobName]; ok {
		c.jobs[jobName] = JobStopped
	}
	return nil
}

func (c *fakeClient) Status(ctx context.Context, jobName string) (JobInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.jobs[jobName]
	if !ok {
		return JobInfo{}, ErrJobNotFound
	}
	return JobInfo{Name: jobName, State: state}, nil
}

func (c *fakeClient) Logs(ctx context.Context, jobName string) ([]JobLog, error) {
	return []JobLog{{Stdout: "logs for " + jobName}}, nil
}

func (c *fakeClient) TotalCpuUsage(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cpuUsage, nil
}

func (c *fakeClient) IngressHostname() string {
	return "example.com"
}

func (c *fakeClient) setState(name string, state JobState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[name] = state
}

func (c *fakeClient) remove(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, name)
}

func (c *fakeClient) submissions() []JobSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]JobSpec(nil), c.submitted...)
}

func writeTestLicense(t *testing.T, path string, key *rsa.PrivateKey) {
	payload := licensing.LicensePayload{
		CpuMhzLimit:    "24000",
		ExpiryDate:     time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		BoltLicenseKey: testBoltKey,
	}
	message, err := json.Marshal(payload)
	require.NoError(t, err)
	hash := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	require.NoError(t, err)

	data, err := json.Marshal(licensing.PlatformLicense{License: payload, Signature: base64.StdEncoding.EncodeToString(sig)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
}

type testEnv struct {
	client     *fakeClient
	store      *store.Store
	storage    *storage.SharedDiskStorage
	jobAuth    *auth.JobTokenManager
	dispatcher *Dispatcher
	userId     uuid.UUID
}

func setupDispatcher(t *testing.T) *testEnv {
	dir := t.TempDir()

	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "dispatch.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDb, err := db.DB()
	require.NoError(t, err)
	sqlDb.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(schema.AllTables()...))

	user := schema.User{Id: uuid.New(), Username: "alice", Email: "alice@mail.com"}
	require.NoError(t, db.Create(&user).Error)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	licensePath := filepath.Join(dir, "license.json")
	writeTestLicense(t, licensePath, key)
	verifier, err := licensing.NewVerifier(licensePath, licensing.WithPublicKey(&key.PublicKey))
	require.NoError(t, err)
	gate, err := licensing.NewGate(verifier)
	require.NoError(t, err)

	env := &testEnv{
		client:  newFakeClient(),
		store:   store.New(db, nil),
		storage: storage.NewSharedDisk(filepath.Join(dir, "share")),
		jobAuth: auth.NewJobTokenManager([]byte("job-secret")),
		userId:  user.Id,
	}
	env.dispatcher = NewDispatcher(env.client, env.store, env.storage, gate, env.jobAuth, Environment{
		Driver:              DockerDriver{ImageName: "thirdai_platform_jobs", Tag: "v2.1.0", DockerEnv: DockerEnv{Registry: "thirdai.azurecr.io", ShareDir: "/share"}},
		ModelBazaarEndpoint: "http://localhost:8000",
	})
	return env
}

func (e *testEnv) createModel(t *testing.T, name string, deps ...uuid.UUID) schema.Model {
	model, err := e.store.CreateModel(context.Background(), store.ModelSpec{Name: name, Type: schema.NdbModel}, e.userId, deps)
	require.NoError(t, err)
	return model
}

func (e *testEnv) setStatus(t *testing.T, modelId uuid.UUID, job string, statuses ...string) {
	for _, status := range statuses {
		require.NoError(t, e.store.UpdateStatus(context.Background(), modelId, job, status))
	}
}

func (e *testEnv) model(t *testing.T, modelId uuid.UUID) schema.Model {
	model, err := e.store.GetModel(context.Background(), modelId, false, false)
	require.NoError(t, err)
	return model
}

func (e *testEnv) readConfig(t *testing.T, modelId uuid.UUID, job string, into interface{}) {
	require.NoError(t, e.storage.ReadJobConfig(modelId, job, into))
}

func trainRequest(modelId, userId uuid.UUID) DispatchRequest {
	return DispatchRequest{
		Job:          schema.TrainJob,
		ModelId:      modelId,
		UserId:       userId,
		Resources:    config.JobOptions{AllocationCores: 2, AllocationMemory: 1000},
		TrainOptions: json.RawMessage(`{"epochs":3}`),
	}
}

func TestDispatchTrainJob(t *testing.T) {
	env := setupDispatcher(t)
	model := env.createModel(t, "model")

	handle, err := env.dispatcher.Dispatch(context.Background(), trainRequest(model.Id, env.userId))
	require.NoError(t, err)
	assert.False(t, handle.Existing)
	assert.Equal(t, model.TrainJobName(), handle.Name)

	submitted := env.client.submissions()
	require.Len(t, submitted, 1)
	assert.Equal(t, "train", submitted[0].Template)

	assert.Equal(t, schema.Starting, env.model(t, model.Id).TrainStatus)

	var cfg config.TrainConfig
	env.readConfig(t, model.Id, schema.TrainJob, &cfg)
	assert.Equal(t, model.Id, cfg.ModelId)
	assert.Equal(t, env.userId, cfg.UserId)
	assert.Equal(t, testBoltKey, cfg.LicenseKey)
	assert.Equal(t, "http://localhost:8000", cfg.ModelBazaarEndpoint)
	assert.Equal(t, 2, cfg.JobOptions.AllocationCores)
	assert.Equal(t, 1000, cfg.JobOptions.AllocationMemoryMax)
	assert.JSONEq(t, `{"epochs":3}`, string(cfg.TrainOptions))

	claims, err := env.jobAuth.Verify(cfg.JobAuthToken)
	require.NoError(t, err)
	assert.Equal(t, model.Id.String(), claims.ModelId)
	assert.Equal(t, schema.TrainJob, claims.Job)
}

func TestDispatchIsIdempotent(t *testing.T) {
	env := setupDispatcher(t)
	model := env.createModel(t, "model")

	var wg sync.WaitGroup
	handles := make([]JobHandle, 8)
	errs := make([]error, 8)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = env.dispatcher.Dispatch(context.Background(), trainRequest(model.Id, env.userId))
		}(i)
	}
	wg.Wait()

	submitted := 0
	for i := range handles {
		require.NoError(t, errs[i])
		assert.Equal(t, model.TrainJobName(), handles[i].Name)
		if !handles[i].Existing {
			submitted++
		}
	}
	assert.Equal(t, 1, submitted)
	assert.Len(t, env.client.submissions(), 1)

	// Once running the job is still reused.
	env.client.setState(model.TrainJobName(), JobRunning)
	handle, err := env.dispatcher.Dispatch(context.Background(), trainRequest(model.Id, env.userId))
	require.NoError(t, err)
	assert.True(t, handle.Existing)
	assert.Len(t, env.client.submissions(), 1)
}

func TestDispatchAfterFailureResubmits(t *testing.T) {
	env := setupDispatcher(t)
	model := env.createModel(t, "model")
	ctx := context.Background()

	_, err := env.dispatcher.Dispatch(ctx, trainRequest(model.Id, env.userId))
	require.NoError(t, err)

	env.client.setState(model.TrainJobName(), JobFailed)
	require.NoError(t, env.dispatcher.Sync(ctx))
	assert.Equal(t, schema.Failed, env.model(t, model.Id).TrainStatus)

	handle, err := env.dispatcher.Dispatch(ctx, trainRequest(model.Id, env.userId))
	require.NoError(t, err)
	assert.False(t, handle.Existing)
	assert.Len(t, env.client.submissions(), 2)
	assert.Equal(t, schema.Starting, env.model(t, model.Id).TrainStatus)
}

func TestDispatchValidation(t *testing.T) {
	env := setupDispatcher(t)
	model := env.createModel(t, "model")
	ctx := context.Background()

	req := trainRequest(model.Id, env.userId)
	req.Job = "evaluate"
	_, err := env.dispatcher.Dispatch(ctx, req)
	assert.ErrorIs(t, err, schema.ErrValidationFailed)

	req = trainRequest(model.Id, env.userId)
	req.Resources.AllocationCores = -1
	_, err = env.dispatcher.Dispatch(ctx, req)
	assert.ErrorIs(t, err, schema.ErrValidationFailed)

	_, err = env.dispatcher.Dispatch(ctx, trainRequest(uuid.New(), env.userId))
	assert.ErrorIs(t, err, schema.ErrModelNotFound)

	// Deploying requires a trained model.
	_, err = env.dispatcher.Dispatch(ctx, DispatchRequest{Job: schema.DeployJob, ModelId: model.Id, UserId: env.userId})
	assert.ErrorIs(t, err, schema.ErrInvalidTransition)

	assert.Empty(t, env.client.submissions())
	assert.Equal(t, schema.NotStarted, env.model(t, model.Id).TrainStatus)
}

func TestDispatchRespectsLicenseCapacity(t *testing.T) {
	env := setupDispatcher(t)
	model := env.createModel(t, "model")

	env.client.cpuUsage = 20000

	_, err := env.dispatcher.Dispatch(context.Background(), trainRequest(model.Id, env.userId))
	assert.ErrorIs(t, err, licensing.ErrCpuLimitExceeded)
	assert.Empty(t, env.client.submissions())
	assert.Equal(t, schema.NotStarted, env.model(t, model.Id).TrainStatus)
}

func TestDispatchSubmitFailure(t *testing.T) {
	env := setupDispatcher(t)
	model := env.createModel(t, "model")
	ctx := context.Background()

	env.client.submitErr = fmt.Errorf("%w: connection refused", ErrBackendUnavailable)

	_, err := env.dispatcher.Dispatch(ctx, trainRequest(model.Id, env.userId))
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.Equal(t, schema.Failed, env.model(t, model.Id).TrainStatus)

	logs, err := env.store.ListJobLogs(ctx, model.Id, schema.TrainJob)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, schema.LogError, logs[0].Level)
	assert.Contains(t, logs[0].Message, "connection refused")
}

func TestDispatchDeployJob(t *testing.T) {
	env := setupDispatcher(t)
	model := env.createModel(t, "model")
	ctx := context.Background()

	env.setStatus(t, model.Id, schema.TrainJob, schema.Starting, schema.Complete)
	require.NoError(t, env.store.SetAttribute(ctx, model.Id, "llm_provider", "openai"))

	handle, err := env.dispatcher.Dispatch(ctx, DispatchRequest{
		Job:            schema.DeployJob,
		ModelId:        model.Id,
		UserId:         env.userId,
		DeploymentName: "support-search",
		Autoscaling:    config.AutoscalingOptions{Enabled: true, Min: 2},
		Options:        map[string]string{"genai_key": "key"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.DeployJobName(), handle.Name)
	assert.Equal(t, schema.Starting, env.model(t, model.Id).DeployStatus)

	submitted := env.client.submissions()
	require.Len(t, submitted, 1)
	assert.Equal(t, "deploy", submitted[0].Template)
	assert.Contains(t, submitted[0].Body, "AutoscalingMax:2")

	var cfg config.DeployConfig
	env.readConfig(t, model.Id, schema.DeployJob, &cfg)
	assert.True(t, cfg.Autoscaling)
	assert.Equal(t, map[string]string{"llm_provider": "openai", "genai_key": "key"}, cfg.Options)
	assert.Equal(t, filepath.Join("/thirdai_platform", "host_dir"), cfg.HostDir)

	claims, err := env.jobAuth.Verify(cfg.JobAuthToken)
	require.NoError(t, err)
	assert.Equal(t, schema.DeployJob, claims.Job)
}

func TestStopDeploymentWithDependents(t *testing.T) {
	env := setupDispatcher(t)
	ctx := context.Background()

	base := env.createModel(t, "base")
	env.setStatus(t, base.Id, schema.TrainJob, schema.Starting, schema.Complete)
	env.setStatus(t, base.Id, schema.DeployJob, schema.Starting, schema.Complete)

	child := env.createModel(t, "child", base.Id)
	env.setStatus(t, child.Id, schema.TrainJob, schema.Starting, schema.Complete)
	env.setStatus(t, child.Id, schema.DeployJob, schema.Starting, schema.Complete)

	err := env.dispatcher.Stop(ctx, schema.DeployJob, base.Id)
	assert.ErrorIs(t, err, schema.ErrHasDependents)
	assert.Equal(t, schema.Complete, env.model(t, base.Id).DeployStatus)

	require.NoError(t, env.dispatcher.Stop(ctx, schema.DeployJob, child.Id))
	assert.Equal(t, schema.Stopped, env.model(t, child.Id).DeployStatus)

	require.NoError(t, env.dispatcher.Stop(ctx, schema.DeployJob, base.Id))
	assert.Equal(t, schema.Stopped, env.model(t, base.Id).DeployStatus)

	// Stopping again is a no-op.
	require.NoError(t, env.dispatcher.Stop(ctx, schema.DeployJob, base.Id))
	assert.Equal(t, schema.Stopped, env.model(t, base.Id).DeployStatus)
}

func TestStopTrainJob(t *testing.T) {
	env := setupDispatcher(t)
	model := env.createModel(t, "model")
	ctx := context.Background()

	_, err := env.dispatcher.Dispatch(ctx, trainRequest(model.Id, env.userId))
	require.NoError(t, err)

	require.NoError(t, env.dispatcher.Stop(ctx, schema.TrainJob, model.Id))
	assert.Equal(t, schema.Stopped, env.model(t, model.Id).TrainStatus)

	info, err := env.client.Status(ctx, model.TrainJobName())
	require.NoError(t, err)
	assert.Equal(t, JobStopped, info.State)

	logs, err := env.dispatcher.Logs(ctx, schema.TrainJob, model.Id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "logs for "+model.TrainJobName(), logs[0].Stdout)
}

func TestSyncStatus(t *testing.T) {
	env := setupDispatcher(t)
	ctx := context.Background()

	training := env.createModel(t, "training")
	_, err := env.dispatcher.Dispatch(ctx, trainRequest(training.Id, env.userId))
	require.NoError(t, err)

	lost := env.createModel(t, "lost")
	_, err = env.dispatcher.Dispatch(ctx, trainRequest(lost.Id, env.userId))
	require.NoError(t, err)

	deployed := env.createModel(t, "deployed")
	env.setStatus(t, deployed.Id, schema.TrainJob, schema.Starting, schema.Complete)
	env.setStatus(t, deployed.Id, schema.DeployJob, schema.Starting, schema.InProgress, schema.Complete)
	env.client.setState(deployed.DeployJobName(), JobRunning)

	require.NoError(t, env.dispatcher.Sync(ctx))
	assert.Equal(t, schema.Starting, env.model(t, training.Id).TrainStatus)
	assert.Equal(t, schema.Complete, env.model(t, deployed.Id).DeployStatus)

	env.client.setState(training.TrainJobName(), JobRunning)
	env.client.remove(lost.TrainJobName())
	require.NoError(t, env.dispatcher.Sync(ctx))
	assert.Equal(t, schema.InProgress, env.model(t, training.Id).TrainStatus)
	assert.Equal(t, schema.Failed, env.model(t, lost.Id).TrainStatus)

	logs, err := env.store.ListJobLogs(ctx, lost.Id, schema.TrainJob)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "no longer exists")

	env.client.setState(training.TrainJobName(), JobSucceeded)
	env.client.setState(deployed.DeployJobName(), JobSucceeded)
	require.NoError(t, env.dispatcher.Sync(ctx))
	assert.Equal(t, schema.Complete, env.model(t, training.Id).TrainStatus)
	assert.Equal(t, schema.Stopped, env.model(t, deployed.Id).DeployStatus)

	// Models in a terminal status are no longer polled.
	env.client.setState(training.TrainJobName(), JobFailed)
	require.NoError(t, env.dispatcher.Sync(ctx))
	assert.Equal(t, schema.Complete, env.model(t, training.Id).TrainStatus)
}

func TestNextStatus(t *testing.T) {
	assert.Equal(t, schema.InProgress, nextStatus(schema.TrainJob, schema.Starting, JobRunning))
	assert.Equal(t, "", nextStatus(schema.TrainJob, schema.InProgress, JobRunning))
	assert.Equal(t, "", nextStatus(schema.DeployJob, schema.Starting, JobPending))
	assert.Equal(t, schema.Complete, nextStatus(schema.TrainJob, schema.InProgress, JobSucceeded))
	assert.Equal(t, schema.Stopped, nextStatus(schema.DeployJob, schema.Complete, JobSucceeded))
	assert.Equal(t, schema.Failed, nextStatus(schema.DeployJob, schema.Complete, JobFailed))
	assert.Equal(t, schema.Stopped, nextStatus(schema.TrainJob, schema.Starting, JobStopped))
}

func TestWaitForCompletion(t *testing.T) {
	env := setupDispatcher(t)
	model := env.createModel(t, "model")

	handle, err := env.dispatcher.Dispatch(context.Background(), trainRequest(model.Id, env.userId))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.client.setState(handle.Name, JobSucceeded)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := env.dispatcher.WaitForCompletion(ctx, handle, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, JobSucceeded, info.State)
}

func TestWaitForCompletionCancelled(t *testing.T) {
	env := setupDispatcher(t)
	model := env.createModel(t, "model")

	handle, err := env.dispatcher.Dispatch(context.Background(), trainRequest(model.Id, env.userId))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = env.dispatcher.WaitForCompletion(ctx, handle, 10*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
