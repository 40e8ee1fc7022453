package progress

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const dropLogInterval = 5 * time.Second

// dropCounter counts discarded events and logs them at most once per interval.
type dropCounter struct {
	interval time.Duration
	last     atomic.Int64
	dropped  atomic.Int64
}

func (d *dropCounter) record(logger *zap.Logger, msg string, fields ...zap.Field) {
	d.dropped.Add(1)
	now := time.Now().UnixNano()
	last := d.last.Load()
	if d.interval > 0 && now-last < d.interval.Nanoseconds() {
		return
	}
	if !d.last.CompareAndSwap(last, now) {
		return
	}
	logger.Warn(msg, append(fields, zap.Int64("dropped", d.dropped.Swap(0)))...)
}
