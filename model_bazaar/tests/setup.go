package tests

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/config"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/licensing"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/schema"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/services"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/storage"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/store"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	modelBazaar *services.ModelBazaar
	api         chi.Router
	store       *store.Store
	storage     storage.Storage
	dispatcher  *orchestrator.Dispatcher
	backend     *backendStub
	auditLog    *bytes.Buffer
}

const (
	adminUsername = "admin123"
	adminEmail    = "admin123@mail.com"
	adminPassword = "admin_password123"
)

const testBoltKey = "236C00-47457C-4641C5-52E3BB-3D1F34-V3"

func writeTestLicense(t *testing.T, path string, key *rsa.PrivateKey) {
	payload := licensing.LicensePayload{
		CpuMhzLimit:    "100000000",
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

func setupTestEnv(t *testing.T) *testEnv {
	tmpDir := t.TempDir()

	db, err := gorm.Open(sqlite.Open(filepath.Join(tmpDir, "model_bazaar.db")), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDb, err := db.DB()
	require.NoError(t, err)
	sqlDb.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(schema.AllTables()...))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	licensePath := filepath.Join(tmpDir, "platform_license")
	writeTestLicense(t, licensePath, key)
	verifier, err := licensing.NewVerifier(licensePath, licensing.WithPublicKey(&key.PublicKey))
	require.NoError(t, err)
	gate, err := licensing.NewGate(verifier)
	require.NoError(t, err)

	storagePath := filepath.Join(tmpDir, "storage")
	require.NoError(t, os.MkdirAll(storagePath, 0777))
	sharedStorage := storage.NewSharedDisk(storagePath)

	secret := []byte("290zcv02ai249")

	userAuth, err := auth.NewBasicIdentityProvider(
		db,
		auth.BasicProviderArgs{
			Secret:        secret,
			AdminUsername: adminUsername,
			AdminEmail:    adminEmail,
			AdminPassword: adminPassword,
		},
	)
	require.NoError(t, err)

	variables := services.Variables{
		BackendDriver:       orchestrator.LocalDriver{PythonPath: "python3", PlatformDir: "/platform"},
		ShareDir:            storagePath,
		ModelBazaarEndpoint: "http://localhost:8000",
		LlmProviders:        map[string]string{"openai": "sk-test-key"},
	}

	modelStore := store.New(db, nil)
	backend := newBackendStub()
	jobAuth := auth.NewJobTokenManager(slices.Concat(secret, []byte("job")))

	dispatcher := orchestrator.NewDispatcher(backend, modelStore, sharedStorage, gate, jobAuth, variables.Environment())

	auditLog := new(bytes.Buffer)
	modelBazaar := services.NewModelBazaar(db, modelStore, dispatcher, sharedStorage, gate, userAuth, jobAuth, auth.NewAuditLogger(auditLog), variables)

	return &testEnv{
		modelBazaar: modelBazaar,
		api:         modelBazaar.Routes(),
		store:       modelStore,
		storage:     sharedStorage,
		dispatcher:  dispatcher,
		backend:     backend,
		auditLog:    auditLog,
	}
}

func (t *testEnv) newClient() client {
	return client{api: t.api}
}

func (t *testEnv) newUser(username string) (client, error) {
	c := t.newClient()
	login, err := c.signup(username, username+"@mail.com", username+"_password")
	if err != nil {
		return client{}, err
	}

	err = c.login(login)
	if err != nil {
		return client{}, err
	}

	return c, nil
}

func (t *testEnv) adminClient() (client, error) {
	c := t.newClient()
	err := c.login(loginInfo{Email: adminEmail, Password: adminPassword})
	return c, err
}

// jobToken returns the token the dispatcher handed to the job for the model.
func (t *testEnv) jobToken(modelId string, job string) (string, error) {
	id, err := uuid.Parse(modelId)
	if err != nil {
		return "", err
	}

	var cfg struct {
		JobAuthToken string `json:"job_auth_token"`
	}
	if err := t.storage.ReadJobConfig(id, job, &cfg); err != nil {
		return "", err
	}
	return cfg.JobAuthToken, nil
}

func (t *testEnv) trainConfig(modelId string) (config.TrainConfig, error) {
	id, err := uuid.Parse(modelId)
	if err != nil {
		return config.TrainConfig{}, err
	}

	var cfg config.TrainConfig
	err = t.storage.ReadJobConfig(id, schema.TrainJob, &cfg)
	return cfg, err
}

func (t *testEnv) deployConfig(modelId string) (config.DeployConfig, error) {
	id, err := uuid.Parse(modelId)
	if err != nil {
		return config.DeployConfig{}, err
	}

	var cfg config.DeployConfig
	err = t.storage.ReadJobConfig(id, schema.DeployJob, &cfg)
	return cfg, err
}

func (t *testEnv) jobClient(modelId string, job string) (jobClient, error) {
	token, err := t.jobToken(modelId, job)
	if err != nil {
		return jobClient{}, err
	}
	return jobClient{api: t.api, job: job, token: token}, nil
}
