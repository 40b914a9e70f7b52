package sync

import (
	"context"

	"github.com/matheus3301/chanmirror/internal/shardmap"
)

// channelLocks serializes metadata-mutating work per channel. Each channel
// gets a one-slot semaphore so waiters can give up when their context ends.
type channelLocks struct {
	sems *shardmap.Map[chan struct{}]
}

func newChannelLocks() *channelLocks {
	return &channelLocks{sems: shardmap.New[chan struct{}](0)}
}

func (l *channelLocks) acquire(ctx context.Context, channelID string) (func(), error) {
	sem := l.sems.GetOrCreate(channelID, func() chan struct{} {
		return make(chan struct{}, 1)
	})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// busy reports whether a pass currently holds the channel.
func (l *channelLocks) busy(channelID string) bool {
	sem, ok := l.sems.Get(channelID)
	return ok && len(sem) == 1
}
