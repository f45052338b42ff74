package rollup

import (
	"context"
	"fmt"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/Poutchouli/PMD/internal/models"
)

type memStore struct {
	targets []models.Target
	pings   []models.PingLog
	rollups map[string]models.PingRollup
}

func newMemStore(targets ...models.Target) *memStore {
	return &memStore{targets: targets, rollups: make(map[string]models.PingRollup)}
}

func rollupKey(r models.PingRollup) string {
	return fmt.Sprintf("%d/%s/%d", r.TargetID, r.Granularity, r.Bucket.Unix())
}

func (m *memStore) ListTargets(context.Context) ([]models.Target, error) {
	return m.targets, nil
}

func (m *memStore) QueryPings(_ context.Context, targetID uint, start, end time.Time, limit int, _ bool) ([]models.PingLog, error) {
	var out []models.PingLog
	for _, p := range m.pings {
		if p.TargetID == targetID && !p.Time.Before(start) && !p.Time.After(end) {
			out = append(out, p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) QueryRollups(_ context.Context, targetID uint, granularity string, start, end time.Time) ([]models.PingRollup, error) {
	var out []models.PingRollup
	for _, r := range m.rollups {
		if r.TargetID == targetID && r.Granularity == granularity &&
			!r.Bucket.Before(start) && r.Bucket.Before(end) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out, nil
}

func (m *memStore) UpsertRollups(_ context.Context, rows []models.PingRollup) error {
	for _, r := range rows {
		m.rollups[rollupKey(r)] = r
	}
	return nil
}

func (m *memStore) RollupWatermark(_ context.Context, granularity string) (time.Time, error) {
	var newest time.Time
	for _, r := range m.rollups {
		if r.Granularity == granularity && r.Bucket.After(newest) {
			newest = r.Bucket
		}
	}
	return newest, nil
}

func (m *memStore) rollup(t *testing.T, targetID uint, granularity string, bucket time.Time) models.PingRollup {
	t.Helper()
	row, ok := m.rollups[rollupKey(models.PingRollup{TargetID: targetID, Granularity: granularity, Bucket: bucket})]
	if !ok {
		t.Fatalf("no %s rollup at %v", granularity, bucket)
	}
	return row
}

func floatPtr(v float64) *float64 { return &v }

func wantFloat(t *testing.T, name string, got *float64, want float64) {
	t.Helper()
	if got == nil {
		t.Fatalf("%s = nil, want %v", name, want)
	}
	if math.Abs(*got-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", name, *got, want)
	}
}

func TestRunOnceFoldsMinutesAndHours(t *testing.T) {
	target := models.Target{IPAddress: "192.0.2.1"}
	target.ID = 1
	store := newMemStore(target)

	minuteA := time.Date(2026, 8, 1, 11, 30, 0, 0, time.UTC)
	minuteB := minuteA.Add(time.Minute)
	store.pings = []models.PingLog{
		{TargetID: 1, Time: minuteA.Add(5 * time.Second), LatencyMs: floatPtr(10)},
		{TargetID: 1, Time: minuteA.Add(25 * time.Second), LatencyMs: floatPtr(20)},
		{TargetID: 1, Time: minuteB.Add(5 * time.Second), PacketLoss: true},
		{TargetID: 1, Time: minuteB.Add(25 * time.Second), LatencyMs: floatPtr(30)},
	}

	agg := New(store, 0, 0)
	now := minuteB.Add(2 * time.Minute)
	if err := agg.RunOnce(context.Background(), now); err != nil {
		t.Fatal(err)
	}

	rowA := store.rollup(t, 1, models.GranularityMinute, minuteA)
	if rowA.Samples != 2 || rowA.LossCount != 0 {
		t.Fatalf("minute A = %d samples / %d losses, want 2/0", rowA.Samples, rowA.LossCount)
	}
	wantFloat(t, "minute A avg", rowA.AvgLatency, 15)
	wantFloat(t, "minute A min", rowA.MinLatency, 10)
	wantFloat(t, "minute A max", rowA.MaxLatency, 20)

	rowB := store.rollup(t, 1, models.GranularityMinute, minuteB)
	if rowB.Samples != 2 || rowB.LossCount != 1 {
		t.Fatalf("minute B = %d samples / %d losses, want 2/1", rowB.Samples, rowB.LossCount)
	}
	wantFloat(t, "minute B avg", rowB.AvgLatency, 30)

	hour := store.rollup(t, 1, models.GranularityHour, minuteA.Truncate(time.Hour))
	if hour.Samples != 4 || hour.LossCount != 1 {
		t.Fatalf("hour = %d samples / %d losses, want 4/1", hour.Samples, hour.LossCount)
	}
	// Weighted by sample count: (15*2 + 30*2) / 4.
	wantFloat(t, "hour avg", hour.AvgLatency, 22.5)
	wantFloat(t, "hour min", hour.MinLatency, 10)
	wantFloat(t, "hour max", hour.MaxLatency, 30)
}

func TestRunOnceAllLossMinuteHasNoAverage(t *testing.T) {
	target := models.Target{IPAddress: "192.0.2.1"}
	target.ID = 1
	store := newMemStore(target)

	minute := time.Date(2026, 8, 1, 11, 30, 0, 0, time.UTC)
	store.pings = []models.PingLog{
		{TargetID: 1, Time: minute.Add(time.Second), PacketLoss: true},
		{TargetID: 1, Time: minute.Add(2 * time.Second)}, // no latency counts as lost
	}

	agg := New(store, 0, 0)
	if err := agg.RunOnce(context.Background(), minute.Add(5*time.Minute)); err != nil {
		t.Fatal(err)
	}

	row := store.rollup(t, 1, models.GranularityMinute, minute)
	if row.Samples != 2 || row.LossCount != 2 {
		t.Fatalf("row = %d samples / %d losses, want 2/2", row.Samples, row.LossCount)
	}
	if row.AvgLatency != nil || row.MinLatency != nil || row.MaxLatency != nil {
		t.Fatal("all-loss minute must carry nil latency aggregates")
	}
}

func TestRunOnceIsIdempotent(t *testing.T) {
	target := models.Target{IPAddress: "192.0.2.1"}
	target.ID = 1
	store := newMemStore(target)

	minute := time.Date(2026, 8, 1, 11, 30, 0, 0, time.UTC)
	store.pings = []models.PingLog{
		{TargetID: 1, Time: minute.Add(time.Second), LatencyMs: floatPtr(10)},
	}

	agg := New(store, 0, 0)
	now := minute.Add(5 * time.Minute)
	if err := agg.RunOnce(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	first := len(store.rollups)

	// A late sample lands in the already-rolled minute; the next pass must
	// replace the row, not duplicate it.
	store.pings = append(store.pings, models.PingLog{
		TargetID: 1, Time: minute.Add(2 * time.Second), LatencyMs: floatPtr(30),
	})
	if err := agg.RunOnce(context.Background(), now); err != nil {
		t.Fatal(err)
	}
	if len(store.rollups) != first {
		t.Fatalf("rollup rows = %d, want %d (upsert, not insert)", len(store.rollups), first)
	}

	row := store.rollup(t, 1, models.GranularityMinute, minute)
	if row.Samples != 2 {
		t.Fatalf("samples after late write = %d, want 2", row.Samples)
	}
	wantFloat(t, "avg after late write", row.AvgLatency, 20)
}
