// Package rollup implements the PMD aggregation pipeline.
//
// It periodically folds raw ping logs into per-minute rollup rows and those
// into per-hour rows, which the insights engine reads as its fast path. The
// pipeline is the only writer of rollups; everything else treats them as
// read-only. Each pass re-reads a trailing lookback window behind the
// newest bucket so samples written late into a current bucket are folded in
// on the next pass (the upsert replaces the stale row).
package rollup

import (
	"context"
	"log"
	"time"

	"github.com/Poutchouli/PMD/internal/models"
)

// initialBackfill bounds the first pass on an empty rollup table.
const initialBackfill = 24 * time.Hour

// Store is the persistence slice the pipeline needs.
type Store interface {
	ListTargets(ctx context.Context) ([]models.Target, error)
	QueryPings(ctx context.Context, targetID uint, start, end time.Time, limit int, mostRecentFirst bool) ([]models.PingLog, error)
	QueryRollups(ctx context.Context, targetID uint, granularity string, start, end time.Time) ([]models.PingRollup, error)
	UpsertRollups(ctx context.Context, rows []models.PingRollup) error
	RollupWatermark(ctx context.Context, granularity string) (time.Time, error)
}

// Aggregator recomputes rollups on a fixed interval.
type Aggregator struct {
	store    Store
	interval time.Duration
	lookback time.Duration
}

// New creates an aggregator. interval defaults to 30s, lookback to 5m.
func New(store Store, interval, lookback time.Duration) *Aggregator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if lookback <= 0 {
		lookback = 5 * time.Minute
	}
	return &Aggregator{store: store, interval: interval, lookback: lookback}
}

// Run executes passes until the context is cancelled. A failed pass is
// logged and retried on the next tick.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	log.Printf("[rollup] pipeline started (every %s, lookback %s)", a.interval, a.lookback)
	for {
		select {
		case <-ticker.C:
			if err := a.RunOnce(ctx, time.Now().UTC()); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[rollup] pass failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce recomputes minute rollups from raw samples and hour rollups from
// minute rollups, for every target, over the catch-up window.
func (a *Aggregator) RunOnce(ctx context.Context, now time.Time) error {
	targets, err := a.store.ListTargets(ctx)
	if err != nil {
		return err
	}

	start, err := a.windowStart(ctx, models.GranularityMinute, now)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := a.rollupMinutes(ctx, t.ID, start, now); err != nil {
			return err
		}
	}

	hourStart, err := a.windowStart(ctx, models.GranularityHour, now)
	if err != nil {
		return err
	}
	hourStart = hourStart.Truncate(time.Hour)
	for _, t := range targets {
		if err := a.rollupHours(ctx, t.ID, hourStart, now); err != nil {
			return err
		}
	}
	return nil
}

// windowStart picks where a pass begins: lookback behind the newest bucket,
// or a bounded backfill when the table is empty.
func (a *Aggregator) windowStart(ctx context.Context, granularity string, now time.Time) (time.Time, error) {
	watermark, err := a.store.RollupWatermark(ctx, granularity)
	if err != nil {
		return time.Time{}, err
	}
	if watermark.IsZero() {
		return now.Add(-initialBackfill), nil
	}
	return watermark.Add(-a.lookback), nil
}

type bucketAcc struct {
	samples  int64
	losses   int64
	sum      float64
	valid    int64
	min, max *float64
}

func (b *bucketAcc) addLatency(v float64) {
	b.sum += v
	b.valid++
	if b.min == nil || v < *b.min {
		lv := v
		b.min = &lv
	}
	if b.max == nil || v > *b.max {
		lv := v
		b.max = &lv
	}
}

func (b *bucketAcc) row(targetID uint, granularity string, bucket time.Time) models.PingRollup {
	row := models.PingRollup{
		TargetID:    targetID,
		Granularity: granularity,
		Bucket:      bucket,
		Samples:     b.samples,
		LossCount:   b.losses,
		MinLatency:  b.min,
		MaxLatency:  b.max,
	}
	if b.valid > 0 {
		avg := b.sum / float64(b.valid)
		row.AvgLatency = &avg
	}
	return row
}

func (a *Aggregator) rollupMinutes(ctx context.Context, targetID uint, start, end time.Time) error {
	logs, err := a.store.QueryPings(ctx, targetID, start, end, 0, false)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		return nil
	}

	buckets := make(map[time.Time]*bucketAcc)
	for _, entry := range logs {
		key := entry.Time.UTC().Truncate(time.Minute)
		acc := buckets[key]
		if acc == nil {
			acc = &bucketAcc{}
			buckets[key] = acc
		}
		acc.samples++
		if entry.PacketLoss || entry.LatencyMs == nil {
			acc.losses++
		} else {
			acc.addLatency(*entry.LatencyMs)
		}
	}

	rows := make([]models.PingRollup, 0, len(buckets))
	for bucket, acc := range buckets {
		rows = append(rows, acc.row(targetID, models.GranularityMinute, bucket))
	}
	return a.store.UpsertRollups(ctx, rows)
}

// rollupHours folds minute rows into hour rows. The hour average is
// weighted by sample count, mirroring how the insights engine re-buckets.
func (a *Aggregator) rollupHours(ctx context.Context, targetID uint, start, end time.Time) error {
	minutes, err := a.store.QueryRollups(ctx, targetID, models.GranularityMinute, start, end)
	if err != nil {
		return err
	}
	if len(minutes) == 0 {
		return nil
	}

	type hourAcc struct {
		samples  int64
		losses   int64
		weighted float64
		hasAvg   bool
		min, max *float64
	}
	buckets := make(map[time.Time]*hourAcc)
	for _, row := range minutes {
		key := row.Bucket.UTC().Truncate(time.Hour)
		acc := buckets[key]
		if acc == nil {
			acc = &hourAcc{}
			buckets[key] = acc
		}
		acc.samples += row.Samples
		acc.losses += row.LossCount
		if row.AvgLatency != nil {
			acc.weighted += *row.AvgLatency * float64(row.Samples)
			acc.hasAvg = true
		}
		if row.MinLatency != nil && (acc.min == nil || *row.MinLatency < *acc.min) {
			v := *row.MinLatency
			acc.min = &v
		}
		if row.MaxLatency != nil && (acc.max == nil || *row.MaxLatency > *acc.max) {
			v := *row.MaxLatency
			acc.max = &v
		}
	}

	rows := make([]models.PingRollup, 0, len(buckets))
	for bucket, acc := range buckets {
		row := models.PingRollup{
			TargetID:    targetID,
			Granularity: models.GranularityHour,
			Bucket:      bucket,
			Samples:     acc.samples,
			LossCount:   acc.losses,
			MinLatency:  acc.min,
			MaxLatency:  acc.max,
		}
		if acc.hasAvg && acc.samples > 0 {
			avg := acc.weighted / float64(acc.samples)
			row.AvgLatency = &avg
		}
		rows = append(rows, row)
	}
	return a.store.UpsertRollups(ctx, rows)
}
