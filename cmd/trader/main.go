// Command trader runs one trading session: backtest, paper or live.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/autotrader/internal/config"
	"github.com/coachpo/autotrader/internal/logging"
	"github.com/coachpo/autotrader/internal/telemetry"
	"github.com/coachpo/autotrader/internal/webhook"
)

const (
	defaultConfigPath        = "config/app.yaml"
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath, iterations := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPath))
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if iterations > 0 {
		appCfg.Engine.Iterations = iterations
	}

	logger, err := logging.New(appCfg.Logging.Level, appCfg.Logging.Format)
	if err != nil {
		logrus.WithError(err).Fatal("initialise logger")
	}
	if !loadedFromFile {
		logger.Info("configuration file not found, using defaults")
	}
	logger.WithFields(logrus.Fields{
		"mode":     appCfg.Engine.Mode,
		"symbols":  appCfg.Engine.Symbols,
		"feed":     appCfg.Feed.Name,
		"strategy": appCfg.Strategy.Name,
		"risk":     appCfg.Risk.Manager,
	}).Info("configuration initialised")

	provider, err := telemetry.NewProvider(ctx, telemetryConfig(appCfg.Telemetry))
	if err != nil {
		logger.WithError(err).Fatal("initialise telemetry")
	}

	eng, err := buildEngine(appCfg, provider, logger)
	if err != nil {
		logger.WithError(err).Error("initialise engine")
		shutdownTelemetry(logger, provider)
		cancel()
		os.Exit(1)
	}

	var lifecycle conc.WaitGroup
	serveCtx, stopServe := context.WithCancel(ctx)
	if appCfg.Webhook.Enabled {
		adapter := webhook.NewAdapter(appCfg.Webhook.Secret,
			webhook.WithDedupWindow(appCfg.Webhook.DedupWindow),
			webhook.WithLogger(logger.WithField("component", "webhook")),
		)
		handler := webhook.NewHandler(adapter, eng)
		lifecycle.Go(func() {
			logger.WithField("addr", appCfg.Webhook.Addr).Info("webhook listening")
			if err := webhook.Serve(serveCtx, appCfg.Webhook.Addr, handler); err != nil {
				logger.WithError(err).Error("webhook server")
			}
		})
	}

	runErr := eng.Run(ctx)
	stopServe()
	lifecycle.Wait()

	portfolio := eng.Portfolio()
	report := eng.Report()
	logger.WithFields(logrus.Fields{
		"cash":       portfolio.Cash.String(),
		"positions":  len(portfolio.Positions),
		"tripped":    eng.Tripped(),
		"iterations": report.Iterations,
		"orders":     report.TotalOrders,
		"filled":     report.FilledOrders,
		"failed":     report.FailedOrders,
		"volume":     report.TotalVolume.String(),
		"fees":       report.Fees.StringFixed(2),
		"equity":     report.Equity.StringFixed(2),
		"net_pnl":    report.NetPnL().StringFixed(2),
	}).Info("session finished")
	if code := finish(logger, provider, runErr); code != 0 {
		cancel()
		os.Exit(code)
	}
}

type flusher interface {
	Shutdown(ctx context.Context) error
}

// finish flushes telemetry, then reports the session outcome as an exit code.
func finish(logger logrus.FieldLogger, provider flusher, runErr error) int {
	shutdownTelemetry(logger, provider)
	if runErr != nil {
		logger.WithError(runErr).Error("trading session failed")
		return 1
	}
	return 0
}

// shutdownTelemetry flushes pending metrics.
func shutdownTelemetry(logger logrus.FieldLogger, provider flusher) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("shutdown telemetry")
	}
}

func parseFlags() (string, int) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	iterations := flag.Int("iterations", 0, "Stop after this many iterations (0 keeps the configured value)")
	flag.Parse()
	return *cfgPath, *iterations
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
