package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pagetrail/recorder/config"
	"github.com/pagetrail/recorder/internal/backend"
	"github.com/pagetrail/recorder/internal/background"
	"github.com/pagetrail/recorder/internal/capture"
	"github.com/pagetrail/recorder/internal/control"
	"github.com/pagetrail/recorder/internal/middleware"
	"github.com/pagetrail/recorder/internal/recorder"
	"github.com/pagetrail/recorder/internal/relay"
	"github.com/pagetrail/recorder/internal/session"
	"github.com/pagetrail/recorder/internal/upload"
	"github.com/pagetrail/recorder/pkg/kv"
	"github.com/pagetrail/recorder/pkg/response"
)

// Agent is one assembled recorder agent: the privileged coordinator, the
// recorder context and the local control surface, joined by a relay bus.
type Agent struct {
	cfg     config.AgentConfig
	rdb     *goredis.Client
	bus     *relay.Bus
	index   *recorder.Index
	tracker *session.Tracker
	machine *recorder.Machine
	router  *gin.Engine
	cleanup []func()
	logger  *zap.Logger
}

// NewAgent wires every agent component on top of rdb.
func NewAgent(cfg config.AgentConfig, rdb *goredis.Client, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	cookies, err := session.NewJarSource(jar, cfg.CookieURL)
	if err != nil {
		return nil, fmt.Errorf("cookie source: %w", err)
	}

	store := kv.NewRedisStore(rdb, cfg.KeyPrefix, logger)
	index := recorder.NewIndex(store, cfg.MaxPendingRecordings, logger)
	bus := relay.NewBus(logger)

	api := backend.NewClient(cfg.BackendURL, jar, cfg.HTTPTimeout, logger)
	tracker := session.NewTracker(cookies, store, bus, cfg.CookiePollInterval, logger)
	coordinator := background.NewCoordinator(api, tracker, store, bus, logger)

	pages := capture.NewWSSource(logger)
	drainer := upload.NewCoordinator(index, upload.NewRelayTransport(bus, relay.ContextRecorder), logger)
	machine := recorder.NewMachine(index, pages, drainer, recorder.Config{
		FlushDebounce:   cfg.FlushDebounce,
		TeardownTimeout: cfg.TeardownTimeout,
	}, logger)
	endpoint := recorder.NewEndpoint(machine, drainer, bus, logger)
	drainer.SkipLive(machine.LiveRecordingID)
	pages.OnDetach(func(h capture.Handle) { machine.TeardownHandle(context.Background(), h) })

	a := &Agent{
		cfg:     cfg,
		rdb:     rdb,
		bus:     bus,
		index:   index,
		tracker: tracker,
		machine: machine,
		logger:  logger,
	}
	a.cleanup = append(a.cleanup, coordinator.Register(), endpoint.Register())

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger, "/health", "/capture"))
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	control.NewHandler(bus, index, drainer, store, pages.ServeWS, logger).Register(router)
	a.router = router
	return a, nil
}

// Handler returns the control surface.
func (a *Agent) Handler() http.Handler { return a.router }

// Start begins cookie polling and, when configured, mirrors relay broadcasts
// over Redis. Polling stops when ctx is done.
func (a *Agent) Start(ctx context.Context) error {
	if a.cfg.RelayChannel != "" {
		cancel, err := relay.NewRedisBridge(a.rdb, a.cfg.RelayChannel, a.logger).Attach(a.bus)
		if err != nil {
			return fmt.Errorf("relay bridge: %w", err)
		}
		a.cleanup = append(a.cleanup, cancel)
	}
	go a.tracker.Run(ctx)
	return nil
}

// Close tears down an active recording and unregisters every context.
func (a *Agent) Close(ctx context.Context) {
	a.machine.Teardown(ctx)
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
