package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pagetrail/recorder/pkg/redis"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent and its local control API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		return err
	}
	defer rdb.Close()

	agent, err := NewAgent(cfg.Agent, rdb.Client, logger)
	if err != nil {
		return err
	}
	if err := agent.Start(ctx); err != nil {
		return err
	}

	addr := cfg.Agent.ListenAddr
	if controlAddr != "" {
		addr = controlAddr
	}
	srv := &http.Server{Addr: addr, Handler: agent.Handler()}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent listening", zap.String("addr", addr), zap.String("backend", cfg.Agent.BackendURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("agent shutdown", zap.Error(err))
	}
	agent.Close(shutdownCtx)
	logger.Info("agent stopped")
	return nil
}
