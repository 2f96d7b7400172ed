package monitoring

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/referent-cli/internal/config"
	"github.com/sells-group/referent-cli/internal/lock"
)

// Checker evaluates run health on a fixed interval and posts alerts.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	pid       int
}

// NewChecker creates a Checker for this process.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		pid:       os.Getpid(),
	}
}

// Run checks once immediately, then every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: run health checker started",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Bool("webhook", c.cfg.WebhookURL != ""),
	)

	if ctx.Err() == nil {
		c.check(ctx, log)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: run health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

// check collects one snapshot and reports it. It returns the number of
// alerts delivered.
func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: collect run health", zap.Error(err))
		return 0
	}

	alerts := c.alerter.Evaluate(snap)
	log.Info("monitoring: run health",
		zap.Int("runs", snap.RunsTotal),
		zap.Int("failed", snap.RunsFailed),
		zap.Int("running", snap.RunsRunning),
		zap.Float64("fail_rate", snap.FailRate),
		zap.Int("degraded", snap.DegradedRuns),
		zap.Int("new_records", snap.NewRecords),
		zap.Bool("lock_held", snap.LockHeld),
		zap.String("lock_kind", snap.LockKind),
		zap.String("lock_holder", snap.LockHolder),
		zap.Int("alerts", len(alerts)),
	)
	if len(alerts) == 0 {
		return 0
	}

	if c.runningHere(snap) {
		log.Info("monitoring: alerts held while this process runs the pipeline",
			zap.String("lock_holder", snap.LockHolder),
			zap.Int("alerts", len(alerts)),
		)
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alerts delivered",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}

// runningHere reports whether the pipeline lock belongs to this process.
func (c *Checker) runningHere(snap *MetricsSnapshot) bool {
	return snap.LockHeld && snap.LockKind == lock.KindPipeline && snap.LockPID == c.pid
}
