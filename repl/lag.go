package repl

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/atedra-pmawrick/migrate-mongo-cluster/log"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/metrics"
	"github.com/atedra-pmawrick/migrate-mongo-cluster/oplog"
)

// LatestEntrySource returns the newest source oplog entry.
type LatestEntrySource interface {
	LatestEntry(ctx context.Context) (*oplog.Entry, error)
}

// LagMonitor reports how far the applied position is behind the source oplog,
// at most once per interval.
type LagMonitor struct {
	source   LatestEntrySource
	interval time.Duration
	now      func() time.Time

	lastReport time.Time
	lag        atomic.Int64
}

func NewLagMonitor(source LatestEntrySource, interval time.Duration) *LagMonitor {
	m := &LagMonitor{
		source:   source,
		interval: interval,
		now:      time.Now,
	}
	m.lastReport = m.now()

	return m
}

// Observe records e as the latest applied entry and reports the lag when the
// interval has passed since the previous report. Fetch failures are not reported.
func (m *LagMonitor) Observe(ctx context.Context, e *oplog.Entry) {
	now := m.now()
	if now.Sub(m.lastReport) <= m.interval {
		return
	}

	m.lastReport = now

	latest, err := m.source.LatestEntry(ctx)
	if err != nil {
		log.Ctx(ctx).Debugf("Lag check: %v", err)

		return
	}

	lag := Lag(latest.TS, e.TS)
	m.lag.Store(lag)
	metrics.SetLagTimeSeconds(uint32(min(max(lag, 0), math.MaxUint32))) //nolint:gosec

	log.Ctx(ctx).With(
		log.String("source", formatTS(latest.TS)),
		log.String("target", formatTS(e.TS)),
	).Infof("Target is behind by %d seconds", lag)
}

// Last returns the last reported lag in seconds.
func (m *LagMonitor) Last() int64 {
	return m.lag.Load()
}

// Lag returns the seconds between the latest source entry and the applied one.
func Lag(latest, applied bson.Timestamp) int64 {
	return int64(latest.T) - int64(applied.T)
}
