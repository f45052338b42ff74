// Package insights computes windowed reachability statistics for a target:
// summary counts, uptime, latency aggregates with percentiles, and a
// bucketed timeline.
//
// Queries run against one of two sources depending on the requested bucket
// width. Buckets of a minute and up are answered from pre-aggregated
// rollups (fast path); sub-minute buckets need the raw ping log (slow
// path), since rollups cannot represent that resolution. Both paths
// produce the identical report shape.
package insights

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Poutchouli/PMD/internal/models"
)

// Defaults and clamps, matching the public API contract.
const (
	DefaultWindowMinutes = 60
	DefaultBucketSeconds = 60

	// MaxSamples caps how many raw rows one query may touch. High enough
	// for multi-day windows without dropping samples too early.
	MaxSamples = 20000

	minBucketSeconds = 10
	minMaxSamples    = 100
)

var (
	// ErrInvalidWindow reports a window whose start is not before its end.
	ErrInvalidWindow = errors.New("window_start must be before window_end")
	// ErrTargetNotFound reports an unknown target id. Distinct from window
	// validation failures.
	ErrTargetNotFound = errors.New("target not found")
)

// Source is the slice of persistence the engine reads.
// *storage.Store satisfies it; tests use in-memory fakes.
type Source interface {
	GetTarget(ctx context.Context, id uint) (*models.Target, error)
	QueryPings(ctx context.Context, targetID uint, start, end time.Time, limit int, mostRecentFirst bool) ([]models.PingLog, error)
	QueryRollups(ctx context.Context, targetID uint, granularity string, start, end time.Time) ([]models.PingRollup, error)
}

// Params select the window and resolution of one insights query.
// Zero values take the package defaults; out-of-range values are clamped,
// not rejected.
type Params struct {
	// WindowMinutes is the look-back from now, used when Start is nil.
	WindowMinutes int
	BucketSeconds int
	// MaxSamples bounds the raw path. When more rows exist in the window,
	// only the most recent MaxSamples are used.
	MaxSamples int
	// Start/End give an explicit window; either may be nil.
	Start *time.Time
	End   *time.Time
}

// TimelineBucket is one bucket of the report timeline.
type TimelineBucket struct {
	Bucket       time.Time `json:"bucket"`
	AvgLatencyMs *float64  `json:"avg_latency_ms"`
	MinLatencyMs *float64  `json:"min_latency_ms"`
	MaxLatencyMs *float64  `json:"max_latency_ms"`
	LossRate     float64   `json:"loss_rate"`
	SampleCount  int64     `json:"sample_count"`
}

// Report is the computed insight for one target and window. Never
// persisted. Absent aggregates (no data) are nil, never zero: an idle
// window is not 0% uptime.
type Report struct {
	TargetID  uint      `json:"target_id"`
	TargetIP  string    `json:"target_ip"`
	CreatedAt time.Time `json:"created_at"`

	// WindowMinutes is the resolved span in whole minutes, which may
	// differ from the caller's input once clamping and explicit bounds
	// are applied.
	WindowMinutes int       `json:"window_minutes"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`

	SampleCount   int64    `json:"sample_count"`
	LossCount     int64    `json:"loss_count"`
	UptimePercent *float64 `json:"uptime_percent"`

	LatencyAvgMs *float64 `json:"latency_avg_ms"`
	LatencyMinMs *float64 `json:"latency_min_ms"`
	LatencyMaxMs *float64 `json:"latency_max_ms"`
	// On the rollup path p50/p95/p99 are approximated from per-bucket
	// average latencies, not individual samples. The raw path computes
	// them exactly.
	LatencyP50Ms *float64 `json:"latency_p50_ms"`
	LatencyP95Ms *float64 `json:"latency_p95_ms"`
	LatencyP99Ms *float64 `json:"latency_p99_ms"`

	Timeline []TimelineBucket `json:"timeline"`
}

// Engine answers insight queries. Stateless; safe for concurrent use.
type Engine struct {
	src Source
}

// New creates an engine over the given source.
func New(src Source) *Engine {
	return &Engine{src: src}
}

// Compute resolves the window, picks a data source by bucket width and
// builds the report. Returns ErrTargetNotFound for unknown targets and
// ErrInvalidWindow when an explicit start is not before the end.
func (e *Engine) Compute(ctx context.Context, targetID uint, params Params) (*Report, error) {
	target, err := e.src.GetTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrTargetNotFound
	}

	windowMinutes := params.WindowMinutes
	if windowMinutes < 1 {
		if windowMinutes == 0 {
			windowMinutes = DefaultWindowMinutes
		} else {
			windowMinutes = 1
		}
	}
	bucketSeconds := params.BucketSeconds
	if bucketSeconds == 0 {
		bucketSeconds = DefaultBucketSeconds
	}
	if bucketSeconds < minBucketSeconds {
		bucketSeconds = minBucketSeconds
	}
	maxSamples := params.MaxSamples
	if maxSamples == 0 {
		maxSamples = MaxSamples
	}
	if maxSamples < minMaxSamples {
		maxSamples = minMaxSamples
	}
	if maxSamples > MaxSamples {
		maxSamples = MaxSamples
	}

	end := time.Now().UTC()
	if params.End != nil {
		end = params.End.UTC()
	}
	start := end.Add(-time.Duration(windowMinutes) * time.Minute)
	if params.Start != nil {
		start = params.Start.UTC()
	}
	if !start.Before(end) {
		return nil, ErrInvalidWindow
	}

	resolvedMinutes := int(end.Sub(start).Minutes())
	if resolvedMinutes < 1 {
		resolvedMinutes = 1
	}

	report := &Report{
		TargetID:      target.ID,
		TargetIP:      target.IPAddress,
		CreatedAt:     target.CreatedAt,
		WindowMinutes: resolvedMinutes,
		WindowStart:   start,
		WindowEnd:     end,
	}

	// Source selection is a performance choice, not a correctness branch:
	// both paths fill the same report.
	switch granularityFor(bucketSeconds) {
	case models.GranularityHour:
		err = e.fromRollups(ctx, report, models.GranularityHour, bucketSeconds)
	case models.GranularityMinute:
		err = e.fromRollups(ctx, report, models.GranularityMinute, bucketSeconds)
	default:
		err = e.fromRaw(ctx, report, bucketSeconds, maxSamples)
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

// granularityFor maps a bucket width to the rollup granularity that can
// serve it, or "" when only raw samples can.
func granularityFor(bucketSeconds int) string {
	switch {
	case bucketSeconds >= 3600:
		return models.GranularityHour
	case bucketSeconds >= 60:
		return models.GranularityMinute
	default:
		return ""
	}
}

// fromRollups re-buckets pre-aggregated rows to the requested width.
// Per output bucket: counts are summed, the average is weighted by sample
// count, min/max are folded. Window percentiles are approximated over the
// per-bucket averages.
func (e *Engine) fromRollups(ctx context.Context, report *Report, granularity string, bucketSeconds int) error {
	rows, err := e.src.QueryRollups(ctx, report.TargetID, granularity, report.WindowStart, report.WindowEnd)
	if err != nil {
		return err
	}

	type acc struct {
		samples     int64
		losses      int64
		weightedSum float64
		hasAvg      bool
		min, max    *float64
	}
	buckets := make(map[time.Time]*acc)
	for _, row := range rows {
		key := floorToBucket(row.Bucket.UTC(), bucketSeconds)
		a := buckets[key]
		if a == nil {
			a = &acc{}
			buckets[key] = a
		}
		a.samples += row.Samples
		a.losses += row.LossCount
		if row.AvgLatency != nil {
			a.weightedSum += *row.AvgLatency * float64(row.Samples)
			a.hasAvg = true
		}
		if row.MinLatency != nil && (a.min == nil || *row.MinLatency < *a.min) {
			v := *row.MinLatency
			a.min = &v
		}
		if row.MaxLatency != nil && (a.max == nil || *row.MaxLatency > *a.max) {
			v := *row.MaxLatency
			a.max = &v
		}
	}

	keys := make([]time.Time, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	var bucketAvgs []float64
	timeline := make([]TimelineBucket, 0, len(keys))
	for _, k := range keys {
		a := buckets[k]
		report.SampleCount += a.samples
		report.LossCount += a.losses

		var avg *float64
		if a.hasAvg && a.samples > 0 {
			v := a.weightedSum / float64(a.samples)
			avg = &v
			bucketAvgs = append(bucketAvgs, v)
		}
		if a.min != nil && (report.LatencyMinMs == nil || *a.min < *report.LatencyMinMs) {
			v := *a.min
			report.LatencyMinMs = &v
		}
		if a.max != nil && (report.LatencyMaxMs == nil || *a.max > *report.LatencyMaxMs) {
			v := *a.max
			report.LatencyMaxMs = &v
		}

		lossRate := 0.0
		if a.samples > 0 {
			lossRate = float64(a.losses) / float64(a.samples)
		}
		timeline = append(timeline, TimelineBucket{
			Bucket:       k,
			AvgLatencyMs: avg,
			MinLatencyMs: a.min,
			MaxLatencyMs: a.max,
			LossRate:     lossRate,
			SampleCount:  a.samples,
		})
	}

	report.Timeline = timeline
	report.UptimePercent = uptime(report.SampleCount, report.LossCount)
	report.LatencyAvgMs = mean(bucketAvgs)

	sort.Float64s(bucketAvgs)
	report.LatencyP50Ms = Percentile(bucketAvgs, 0.50)
	report.LatencyP95Ms = Percentile(bucketAvgs, 0.95)
	report.LatencyP99Ms = Percentile(bucketAvgs, 0.99)
	return nil
}

// fromRaw buckets individual samples. When the window holds more than
// maxSamples rows, only the most recent ones are used: older in-window
// samples are silently dropped, which consumers depend on.
// Window percentiles here are exact, over all valid latencies.
func (e *Engine) fromRaw(ctx context.Context, report *Report, bucketSeconds, maxSamples int) error {
	logs, err := e.src.QueryPings(ctx, report.TargetID, report.WindowStart, report.WindowEnd, maxSamples, true)
	if err != nil {
		return err
	}

	type acc struct {
		samples   int64
		losses    int64
		latencies []float64
	}
	buckets := make(map[time.Time]*acc)
	var valid []float64
	for _, entry := range logs {
		key := floorToBucket(entry.Time.UTC(), bucketSeconds)
		a := buckets[key]
		if a == nil {
			a = &acc{}
			buckets[key] = a
		}
		a.samples++
		// A sample counts as lost when its loss flag is set or it has no
		// latency; only the rest carry usable latencies.
		if entry.PacketLoss || entry.LatencyMs == nil {
			a.losses++
			report.LossCount++
		} else {
			a.latencies = append(a.latencies, *entry.LatencyMs)
			valid = append(valid, *entry.LatencyMs)
		}
	}
	report.SampleCount = int64(len(logs))

	keys := make([]time.Time, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	timeline := make([]TimelineBucket, 0, len(keys))
	for _, k := range keys {
		a := buckets[k]
		var minL, maxL *float64
		for i := range a.latencies {
			v := a.latencies[i]
			if minL == nil || v < *minL {
				lv := v
				minL = &lv
			}
			if maxL == nil || v > *maxL {
				lv := v
				maxL = &lv
			}
		}
		lossRate := 0.0
		if a.samples > 0 {
			lossRate = float64(a.losses) / float64(a.samples)
		}
		timeline = append(timeline, TimelineBucket{
			Bucket:       k,
			AvgLatencyMs: mean(a.latencies),
			MinLatencyMs: minL,
			MaxLatencyMs: maxL,
			LossRate:     lossRate,
			SampleCount:  a.samples,
		})
	}

	report.Timeline = timeline
	report.UptimePercent = uptime(report.SampleCount, report.LossCount)

	sort.Float64s(valid)
	report.LatencyAvgMs = mean(valid)
	if len(valid) > 0 {
		lo, hi := valid[0], valid[len(valid)-1]
		report.LatencyMinMs = &lo
		report.LatencyMaxMs = &hi
	}
	report.LatencyP50Ms = Percentile(valid, 0.50)
	report.LatencyP95Ms = Percentile(valid, 0.95)
	report.LatencyP99Ms = Percentile(valid, 0.99)
	return nil
}

// uptime returns (1 - losses/samples) * 100, or nil when there is no data.
func uptime(samples, losses int64) *float64 {
	if samples == 0 {
		return nil
	}
	v := (1 - float64(losses)/float64(samples)) * 100
	return &v
}
