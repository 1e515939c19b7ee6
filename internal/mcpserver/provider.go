package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/grovehq/grove/internal/common/config"
	"github.com/grovehq/grove/internal/common/logger"
)

// Provide starts the MCP control server and returns a cleanup function
// that stops it. A disabled config yields a nil server and no-op
// cleanup.
func Provide(ctx context.Context, deps Deps, cfg config.MCPConfig, log *logger.Logger) (*Server, func() error, error) {
	if !cfg.Enabled {
		return nil, func() error { return nil }, nil
	}

	srv := New(deps, cfg, log)
	if err := srv.Start(ctx); err != nil {
		return nil, nil, err
	}

	var stopOnce sync.Once
	cleanup := func() error {
		var stopErr error
		stopOnce.Do(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stopErr = srv.Stop(stopCtx)
		})
		return stopErr
	}
	return srv, cleanup, nil
}
