package licensing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils"

	"github.com/fsnotify/fsnotify"
)

// Gate holds the result of the most recent license verification. Work is only
// accepted while the last verification succeeded.
type Gate struct {
	verifier *LicenseVerifier

	mu      sync.RWMutex
	license LicensePayload
	err     error

	debounce time.Duration
}

// NewGate verifies the license once and fails if it is not valid, so that a
// process without a valid license never starts serving.
func NewGate(verifier *LicenseVerifier) (*Gate, error) {
	g := &Gate{verifier: verifier, debounce: 500 * time.Millisecond}
	if err := g.Refresh(); err != nil {
		return nil, fmt.Errorf("must have valid license for initialization: %w", err)
	}
	return g, nil
}

func (g *Gate) Verifier() *LicenseVerifier {
	return g.verifier
}

// Refresh re-verifies the license and updates the gate.
func (g *Gate) Refresh() error {
	license, err := g.verifier.Verify()

	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil {
		if g.err == nil {
			slog.Error("license verification failed, rejecting new work", "error", err)
		}
		g.err = err
		return err
	}

	if g.err != nil {
		slog.Info("license verification succeeded, accepting new work")
	}
	g.license = license
	g.err = nil
	return nil
}

// Check returns the result of the last verification.
func (g *Gate) Check() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.err
}

func (g *Gate) License() (LicensePayload, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.license, g.err
}

// CheckCapacity checks that cpuMhz fits under the licensed limit. The gate must
// be open.
func (g *Gate) CheckCapacity(cpuMhz int) (LicensePayload, error) {
	if err := g.Check(); err != nil {
		return LicensePayload{}, err
	}
	return g.verifier.CheckCapacity(cpuMhz)
}

func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(); err != nil {
			utils.WriteError(w, fmt.Sprintf("platform license check failed: %v", err), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Watch re-verifies the license whenever the license file changes and on
// every tick of interval, until ctx is done. The directory is watched rather
// than the file since the file is usually replaced, not edited in place.
func (g *Gate) Watch(ctx context.Context, interval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("error creating license watcher: %w", err)
	}

	licensePath, err := filepath.Abs(g.verifier.Path())
	if err != nil {
		watcher.Close()
		return fmt.Errorf("error resolving license path: %w", err)
	}

	if err := watcher.Add(filepath.Dir(licensePath)); err != nil {
		watcher.Close()
		return fmt.Errorf("error watching license directory: %w", err)
	}

	slog.Info("watching platform license", "path", licensePath, "interval", interval)

	go g.watchLoop(ctx, watcher, licensePath, interval)
	return nil
}

func (g *Gate) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, licensePath string, interval time.Duration) {
	defer watcher.Close()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			eventPath, err := filepath.Abs(event.Name)
			if err != nil || eventPath != licensePath {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			slog.Debug("license file event", "event", event.Op.String())

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(g.debounce, func() {
				_ = g.Refresh()
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("license watcher error", "error", err)

		case <-ticker.C:
			_ = g.Refresh()

		case <-ctx.Done():
			slog.Info("license watcher stopped")
			return
		}
	}
}
