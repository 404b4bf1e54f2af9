package transport

import (
	"context"
	"math"
	"time"
)

// Simulate feeds channel with synthetic traffic until ctx is done: each of ids
// carries a slow sine wave scaled into one byte, phase-shifted per ID.
func Simulate(ctx context.Context, bus *VirtualBus, channel string, ids []uint32, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for step := 0; ; step++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i, id := range ids {
			phase := float64(step)/20 + float64(i)
			v := byte(127 + 127*math.Sin(phase))
			bus.Send(ctx, channel, Frame{ID: id, Data: []byte{v}})
		}
	}
}
