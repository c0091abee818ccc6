package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

func JobExists(ctx context.Context, client Client, jobName string) (bool, error) {
	_, err := client.Status(ctx, jobName)
	if errors.Is(err, ErrJobNotFound) {
		return false, nil
	}
	if err == nil {
		return true, nil
	}
	return false, err
}

func StopJobIfExists(ctx context.Context, client Client, jobName string) error {
	exists, err := JobExists(ctx, client, jobName)
	if err != nil {
		return fmt.Errorf("error checking if job %v exists: %w", jobName, err)
	}

	if exists {
		err := client.Stop(ctx, jobName)
		if err != nil {
			return fmt.Errorf("error stopping job: %w", err)
		}
	}

	return nil
}

// ReplaceHyphen is used by the job templates for identifiers that cannot
// contain hyphens.
func ReplaceHyphen(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}
