package main

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/kv"
)

// startJanitor schedules periodic purges of expired kv entries. The returned
// function stops the schedule and waits for a running purge.
func startJanitor(ctx context.Context, store kv.Store, schedule string) (func(), error) {
	if schedule == "" {
		return func() {}, nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { purgeExpired(ctx, store) }); err != nil {
		return nil, eris.Wrapf(err, "janitor: parse schedule %q", schedule)
	}
	c.Start()
	zap.L().Info("janitor scheduled", zap.String("schedule", schedule))
	return func() { <-c.Stop().Done() }, nil
}

func purgeExpired(ctx context.Context, store kv.Store) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := store.PurgeExpired(ctx)
	if err != nil {
		zap.L().Error("janitor: purge expired", zap.Error(err))
		return
	}
	zap.L().Info("janitor: purged expired entries", zap.Int64("removed", n))
}
