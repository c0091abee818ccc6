package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"
)

// StartLlmDispatchJob submits the generation gateway as a long running job on
// the cluster.
func StartLlmDispatchJob(ctx context.Context, client orchestrator.Client, driver orchestrator.Driver, modelBazaarEndpoint, shareDir, licensePath string) error {
	slog.Info("starting llm-dispatch job", "code", logging.JOB_DISPATCH)

	job := orchestrator.LlmDispatchJob{
		ModelBazaarEndpoint: modelBazaarEndpoint,
		Driver:              driver,
		ShareDir:            shareDir,
		LicensePath:         licensePath,
		IngressHostname:     client.IngressHostname(),
	}

	if driver != nil && driver.DriverType() == "local" {
		// With docker the image version changes on upgrade, which the backend
		// detects as a job change. Local jobs have no such signal so the job is
		// restarted explicitly.
		err := orchestrator.StopJobIfExists(ctx, client, job.GetJobName())
		if err != nil {
			slog.Error("error stopping existing llm-dispatch job", "error", err)
			return fmt.Errorf("error stopping existing llm-dispatch job: %w", err)
		}
	}

	if err := orchestrator.StartJob(ctx, client, job); err != nil {
		slog.Error("error starting llm-dispatch job", "error", err)
		return fmt.Errorf("error starting llm-dispatch job: %w", err)
	}

	slog.Info("llm-dispatch job started successfully", "code", logging.JOB_DISPATCH)
	return nil
}
