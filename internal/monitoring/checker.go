package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/config"
	"github.com/sells-group/company-search/internal/resilience"
)

// BreakerObserver receives circuit breaker states on every check.
// *metrics.Recorder implements it.
type BreakerObserver interface {
	ObserveBreakers(states map[string]resilience.State)
}

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	breakers *resilience.Breakers
	observer BreakerObserver
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// WithBreakers publishes the breakers' states to observer on every check.
func (c *Checker) WithBreakers(breakers *resilience.Breakers, observer BreakerObserver) *Checker {
	c.breakers = breakers
	c.observer = observer
	return c
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check runs one collection and alert evaluation.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) {
	if c.breakers != nil && c.observer != nil {
		c.observer.ObserveBreakers(c.breakers.States())
	}

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
}
