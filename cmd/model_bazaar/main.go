package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/cmd/migration/versions"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/jobs"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/licensing"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/locking"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator/kubernetes"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator/nomad"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/services"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/storage"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/store"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
)

func newServeCmd(envFile *string) *cobra.Command {
	var port int
	var skipDispatch bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the model bazaar api server and status sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnv(*envFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), env, port, skipDispatch)
		},
	}

	cmd.Flags().IntVar(&port, "port", 8000, "Port to run server on")
	cmd.Flags().BoolVar(&skipDispatch, "skip_dispatch", false, "If specified will not restart the llm-dispatch job.")

	return cmd
}

func newMigrateCmd(envFile *string) *cobra.Command {
	var rollbackTo string
	var printLatest bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema to the latest version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if printLatest {
				fmt.Println(versions.LatestVersion())
				return nil
			}

			env, err := loadDbEnv(*envFile)
			if err != nil {
				return err
			}
			logging.Init(nil, env.Verbose)

			db, err := openDb(env.DatabaseUri)
			if err != nil {
				return err
			}

			if rollbackTo != "" {
				return versions.RollbackTo(db, rollbackTo)
			}
			return versions.Migrate(db)
		},
	}

	cmd.Flags().StringVar(&rollbackTo, "rollback_to", "", "Instead of updating the schema, roll it back to the given version.")
	cmd.Flags().BoolVar(&printLatest, "print_latest", false, "Just print out the latest version and return.")

	return cmd
}

func newVerifyLicenseCmd() *cobra.Command {
	var licensePath string

	cmd := &cobra.Command{
		Use:   "verify-license",
		Short: "Verify a platform license file and print its contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			if licensePath == "" {
				licensePath = os.Getenv("LICENSE_PATH")
			}
			if licensePath == "" {
				return errors.New("must specify --license or LICENSE_PATH")
			}

			verifier, err := licensing.NewVerifier(licensePath)
			if err != nil {
				return err
			}
			license, err := verifier.Verify()
			if err != nil {
				return fmt.Errorf("license is not valid: %w", err)
			}

			fmt.Printf("license is valid\n  expires: %v\n  cpu mhz limit: %v\n", license.ExpiryDate, license.CpuMhzLimit)
			return nil
		},
	}

	cmd.Flags().StringVar(&licensePath, "license", "", "Path to the license file, defaults to LICENSE_PATH.")

	return cmd
}

func openLogFile(shareDir, name string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Join(shareDir, "logs/"), 0777); err != nil {
		return nil, fmt.Errorf("error creating log dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(shareDir, "logs", name), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("error opening log file %v: %w", name, err)
	}
	return file, nil
}

func newBackend(env *ModelBazaarEnv) (orchestrator.Client, error) {
	if env.NomadEndpoint != "" {
		return nomad.NewNomadClient(env.NomadEndpoint, env.NomadToken, env.IngressHostname), nil
	}
	client, err := kubernetes.NewInClusterClient(env.KubernetesNamespace, env.IngressHostname)
	if err != nil {
		return nil, fmt.Errorf("error creating kubernetes client: %w", err)
	}
	return client, nil
}

func newLocker(env *ModelBazaarEnv) (locking.Locker, func(), error) {
	if env.RedisAddr == "" {
		return nil, func() {}, nil
	}
	locker, err := locking.NewRedisLocker(env.RedisAddr, env.RedisPassword, env.RedisDb)
	if err != nil {
		return nil, nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return locker, func() { locker.Close() }, nil
}

func serve(ctx context.Context, env *ModelBazaarEnv, port int, skipDispatch bool) error {
	logFile, err := openLogFile(env.ShareDir, "model_bazaar.log")
	if err != nil {
		return err
	}
	defer logFile.Close()

	auditLog, err := openLogFile(env.ShareDir, "audit.log")
	if err != nil {
		return err
	}
	defer auditLog.Close()

	logging.Init(logFile, env.Verbose, slog.String("service", "model-bazaar"))

	db, err := openDb(env.DatabaseUri)
	if err != nil {
		return err
	}
	if err := versions.Migrate(db); err != nil {
		return err
	}

	verifier, err := licensing.NewVerifier(env.LicensePath)
	if err != nil {
		return err
	}
	gate, err := licensing.NewGate(verifier)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := gate.Watch(ctx, env.LicenseCheckInterval); err != nil {
		return err
	}

	backend, err := newBackend(env)
	if err != nil {
		return err
	}

	locker, closeLocker, err := newLocker(env)
	if err != nil {
		return err
	}
	defer closeLocker()

	sharedStorage := storage.NewSharedDisk(env.ShareDir)
	modelStore := store.New(db, locker)

	secret := []byte(env.JwtSecret)
	jobAuth := auth.NewJobTokenManager(slices.Concat(secret, []byte("job")))

	userAuth, err := auth.NewBasicIdentityProvider(
		db,
		auth.BasicProviderArgs{
			Secret:        secret,
			AdminUsername: env.AdminUsername,
			AdminEmail:    env.AdminEmail,
			AdminPassword: env.AdminPassword,
		},
	)
	if err != nil {
		return fmt.Errorf("error creating identity provider: %w", err)
	}

	variables := services.Variables{
		BackendDriver: env.BackendDriver(),
		DockerRegistry: services.DockerRegistry{
			Registry:       env.DockerRegistry,
			DockerUsername: env.DockerUsername,
			DockerPassword: env.DockerPassword,
		},
		ShareDir:            env.ShareDir,
		ModelBazaarEndpoint: env.PrivateModelBazaarEndpoint,
		CloudCredentials:    env.CloudCredentials.credentials(),
		LlmProviders:        env.llmProviders(),
	}

	dispatcher := orchestrator.NewDispatcher(backend, modelStore, sharedStorage, gate, jobAuth, variables.Environment())

	modelBazaar := services.NewModelBazaar(db, modelStore, dispatcher, sharedStorage, gate, userAuth, jobAuth, auth.NewAuditLogger(auditLog), variables)

	if !skipDispatch {
		err := jobs.StartLlmDispatchJob(ctx, backend, env.BackendDriver(), env.PrivateModelBazaarEndpoint, env.ShareDir, env.LicensePath)
		if err != nil {
			return fmt.Errorf("failed to start llm dispatch job: %w", err)
		}
	}

	go modelBazaar.JobStatusSync(env.StatusSyncInterval)
	defer modelBazaar.StopJobStatusSync()

	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{env.IngressHostname},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/api/v2", modelBazaar.Routes())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		slog.Info("shutdown signal received", "code", logging.SYSTEM)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown", "error", err)
		}
		close(idleConnsClosed)
	}()

	slog.Info("starting server", "port", port, "code", logging.SYSTEM)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve returned error: %w", err)
	}

	<-idleConnsClosed
	return nil
}

func main() {
	var envFile string

	root := &cobra.Command{
		Use:           "model_bazaar",
		Short:         "Model orchestration and dispatch engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")

	root.AddCommand(newServeCmd(&envFile), newMigrateCmd(&envFile), newVerifyLicenseCmd())

	if err := root.Execute(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}
