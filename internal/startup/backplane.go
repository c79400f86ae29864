package startup

import (
	"context"
	"os"
	"time"

	"github.com/chatrelay/internal/backplane"
	"github.com/chatrelay/internal/config"
	"github.com/chatrelay/internal/logger"
)

// ConnectBackplaneWithRetry builds the configured backplane adapter with
// retries. The inproc adapter never fails; the networked ones retry until
// their transport answers or maxWait runs out.
func ConnectBackplaneWithRetry(cfg *config.Config, maxWait time.Duration) backplane.Adapter {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		adapter, err := backplane.New(ctx, cfg)
		cancel()
		if err == nil {
			return adapter
		}
		if time.Now().After(deadline) {
			logger.Errorf("backplane %s (gave up after %v): %v", cfg.Backplane, maxWait, err)
			os.Exit(1)
		}
		logger.Errorf("backplane %s connect failed, retry in %v: %v", cfg.Backplane, backoff, err)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
