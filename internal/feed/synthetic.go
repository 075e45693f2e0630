package feed

import (
	"context"
	"time"

	"orderbookintel/internal/bookstate"
)

// SyntheticFeed replays a fixed sequence of depth events at a configurable
// pace, for exercising the collector pipeline without a network dependency.
type SyntheticFeed struct {
	Events []bookstate.DepthEvent
	Pace   time.Duration
}

// Run sends each event from Events in order, then blocks until ctx is
// canceled, mirroring a live feed that keeps its connection open after the
// last message.
func (f *SyntheticFeed) Run(ctx context.Context, out chan<- bookstate.DepthEvent) error {
	for _, ev := range f.Events {
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		if f.Pace > 0 {
			select {
			case <-time.After(f.Pace):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	<-ctx.Done()
	return ctx.Err()
}
