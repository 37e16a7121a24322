package instances

import (
	"context"
	"fmt"

	"etserver/models"
	"etserver/pubsub"

	"go.uber.org/zap"
)

// CloseHunged repairs state left behind by an unclean process exit:
// every persisted instance that never reached a terminal state is
// marked hunged and one hunged event is published for it. An
// unreadable stash makes process start fail; a single bad record does
// not.
func CloseHunged(ctx context.Context, store *Store, bus pubsub.Bus, logger *zap.Logger) error {
	ids, err := store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("hunged-instance scan failed: %w", err)
	}

	for _, id := range ids {
		inst, err := store.Get(ctx, id)
		if err != nil {
			logger.Error("skipping unreadable instance record", zap.String("iId", id), zap.Error(err))
			continue
		}
		if inst.Ended() {
			continue
		}
		if _, err := store.Advance(ctx, id, models.StateHunged); err != nil {
			logger.Error("failed to close hunged instance", zap.String("iId", id), zap.Error(err))
			continue
		}
		logger.Warn("closed hunged instance", zap.String("iId", id), zap.Int64("eId", inst.EID))
		bus.Publish(ctx, pubsub.ChannelInstanceHunged, models.Event{
			EID:  inst.EID,
			IID:  inst.ID,
			UIDs: inst.UIDs(),
		})
	}
	return nil
}
