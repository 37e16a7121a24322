package utils

import (
	"context"
	"fmt"

	"etserver/models"
	"etserver/pubsub"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// StatsSource is implemented by the services that expose periodic
// counters (connected clients, received messages, instance pool).
type StatsSource interface {
	Snapshot() models.ServiceStats
}

// CronStats publishes each source's counters on the stats channel at
// the configured interval.
func CronStats(config models.Config, bus pubsub.Bus, logger *zap.Logger, sources ...StatsSource) *cron.Cron {
	c := cron.New()

	interval := config.StatsInterval
	if interval <= 0 {
		interval = 60
	}

	spec := fmt.Sprintf("@every %ds", interval)
	c.AddFunc(spec, func() {
		for _, src := range sources {
			stats := src.Snapshot()
			if err := bus.Publish(context.Background(), pubsub.ChannelStats, stats); err != nil {
				logger.Error("failed to publish service stats",
					zap.String("service", stats.Service), zap.Error(err))
			}
		}
	})

	c.Start()
	return c
}
