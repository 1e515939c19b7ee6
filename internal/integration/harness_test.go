// Package integration holds end-to-end tests for the grove pipeline.
// Each test starts a real server over a temporary SQLite store and an
// in-memory bus, drives it through the HTTP API or a WebSocket client,
// and watches runs execute on the scripted mock engine.
package integration

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/grovehq/grove/internal/agentcfg"
	"github.com/grovehq/grove/internal/api"
	"github.com/grovehq/grove/internal/channels"
	"github.com/grovehq/grove/internal/coalesce"
	"github.com/grovehq/grove/internal/common/config"
	"github.com/grovehq/grove/internal/common/logger"
	"github.com/grovehq/grove/internal/engine"
	"github.com/grovehq/grove/internal/engine/mock"
	"github.com/grovehq/grove/internal/events/bus"
	gateways "github.com/grovehq/grove/internal/gateway/websocket"
	"github.com/grovehq/grove/internal/orchestrator"
	"github.com/grovehq/grove/internal/router"
	"github.com/grovehq/grove/internal/run"
	"github.com/grovehq/grove/internal/scheduler"
	"github.com/grovehq/grove/internal/session"
	"github.com/grovehq/grove/internal/statestore"
)

const testAccount = "acme"

// TestServer is the assembled pipeline behind one httptest server.
type TestServer struct {
	Server *httptest.Server
	Mock   *mock.Engine
	Runs   *run.Registry
	Meta   *session.MetaStore
	Bus    bus.EventBus
	Router *router.Router
	Logger *logger.Logger
}

// NewTestServer wires store, bus, engines, scheduler, orchestrator,
// router and gateway the way the grove binary does, sized for tests:
// mock is the only engine and the stream coalescer flushes fast.
func NewTestServer(t *testing.T) *TestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := statestore.OpenSQLiteStore(t.TempDir() + "/grove.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	meta := session.NewMetaStore(store)
	policies := session.NewPolicyStore(store)

	engines := engine.NewRegistry()
	mockEng := mock.New()
	require.NoError(t, engines.Register(mockEng))

	profiles := agentcfg.NewRegistry(log)
	require.NoError(t, profiles.Load(t.TempDir()+"/agents.yaml"))

	runs := run.NewRegistry()
	supervisor := run.NewSupervisor(16, log)
	coalescers := coalesce.NewRegistry()
	channelReg := channels.NewRegistry()

	params := run.DefaultParams()
	params.Stream = coalesce.StreamParams{
		MinChars:    1,
		Idle:        10 * time.Millisecond,
		MaxLatency:  25 * time.Millisecond,
		MaxFullText: 100_000,
	}

	sched := scheduler.NewScheduler(scheduler.Deps{
		Engines:    engines,
		Channels:   channelReg,
		Profiles:   profiles,
		Runs:       runs,
		Coalescers: coalescers,
		Meta:       meta,
		Supervisor: supervisor,
		Bus:        eventBus,
	}, log, scheduler.Config{MaxConcurrentRuns: 4, Run: params})
	require.NoError(t, sched.Start(ctx))
	t.Cleanup(func() { _ = sched.Stop() })

	orch := orchestrator.New(orchestrator.Deps{
		Scheduler: sched,
		Profiles:  profiles,
		Engines:   engines,
		Meta:      meta,
		Policies:  policies,
		Bus:       eventBus,
	}, log, orchestrator.Config{
		DefaultEngine: "mock",
		DefaultModel:  "mock-1",
		CallerCwd:     t.TempDir(),
	})

	rtr := router.New(router.Deps{
		Orchestrator: orch,
		Profiles:     profiles,
		Runs:         runs,
		Channels:     channelReg,
		Meta:         meta,
	}, log, router.Config{
		Bindings:       []config.BindingConfig{{Channel: gateways.ChannelID, Agent: agentcfg.DefaultAgentID}},
		CompactionTTL:  time.Hour,
		DefaultChannel: "api",
	})

	gateway := gateways.NewGateway(rtr, log)
	go gateway.Hub.Run(ctx)
	gateways.RegisterRunEventNotifications(ctx, eventBus, gateway.Hub, log)

	for _, ch := range []string{gateways.ChannelID, "api"} {
		limiter := rate.NewLimiter(rate.Inf, 0)
		require.NoError(t, channelReg.Register(channels.NewEditable(ch, gateway.Hub, limiter, log)))
	}

	apiServer := api.NewServer(api.Deps{
		Sender:     rtr,
		Submitter:  orch,
		Runs:       runs,
		Supervisor: supervisor,
		Scheduler:  sched,
		Engines:    engines,
		Meta:       meta,
		WS:         gateway.Endpoint(),
	}, log, config.HTTPConfig{})

	srv := httptest.NewServer(apiServer.Handler())
	t.Cleanup(srv.Close)

	return &TestServer{
		Server: srv,
		Mock:   mockEng,
		Runs:   runs,
		Meta:   meta,
		Bus:    eventBus,
		Router: rtr,
		Logger: log,
	}
}
