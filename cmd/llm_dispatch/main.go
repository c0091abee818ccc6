package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/llm_dispatch"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/licensing"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"github.com/caarlos0/env/v10"
)

type DispatchEnv struct {
	LicensePath          string        `env:"LICENSE_PATH,required"`
	LicenseCheckInterval time.Duration `env:"LICENSE_CHECK_INTERVAL" envDefault:"1m"`
	ModelBazaarEndpoint  string        `env:"MODEL_BAZAAR_ENDPOINT"`
	OpenAIKey            string        `env:"OPENAI_KEY"`
	CohereKey            string        `env:"COHERE_KEY"`
	OpenAIBaseURL        string        `env:"OPENAI_BASE_URL"`
	CohereEndpoint       string        `env:"COHERE_ENDPOINT"`
	RateLimit            int           `env:"GENERATE_RATE_LIMIT" envDefault:"120"`
	LogDir               string        `env:"LOG_DIR"`
	Verbose              bool          `env:"VERBOSE"`
}

func runApp() error {
	port := flag.Int("port", 8000, "Port to run server on")

	flag.Parse()

	var cfg DispatchEnv
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0777); err != nil {
			return fmt.Errorf("error creating log dir: %w", err)
		}
		logFile, err := os.OpenFile(filepath.Join(cfg.LogDir, "llm_dispatch.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
		if err != nil {
			return fmt.Errorf("error opening log file: %w", err)
		}
		defer logFile.Close()
		logging.Init(logFile, cfg.Verbose, slog.String("service", "llm-dispatch"))
	} else {
		logging.Init(nil, cfg.Verbose)
	}

	verifier, err := licensing.NewVerifier(cfg.LicensePath)
	if err != nil {
		return err
	}
	gate, err := licensing.NewGate(verifier)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gate.Watch(ctx, cfg.LicenseCheckInterval); err != nil {
		return err
	}

	factory := llm_dispatch.NewProviderFactory(llm_dispatch.ProviderConfig{
		ModelBazaarEndpoint: cfg.ModelBazaarEndpoint,
		OpenAIBaseURL:       cfg.OpenAIBaseURL,
		CohereEndpoint:      cfg.CohereEndpoint,
	})
	server := llm_dispatch.NewServer(factory, gate, cfg.OpenAIKey, cfg.CohereKey, cfg.RateLimit)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: server.Routes(),
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutdown signal received", "code", logging.SYSTEM)
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("http server shutdown", "error", err)
		}
		close(idleConnsClosed)
	}()

	slog.Info("starting llm dispatch service", "port", *port, "code", logging.SYSTEM)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve returned error: %w", err)
	}

	<-idleConnsClosed
	return nil
}

func main() {
	if err := runApp(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}
