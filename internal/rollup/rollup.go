package rollup

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
)

// Store is the repository subset the rollup service needs.
type Store interface {
	ListRawInWindow(ctx context.Context, from, to time.Time) ([]model.RawReading, error)
	UpsertMinuteReading(ctx context.Context, mr *model.MinuteReading) error
	LatestMinuteTS(ctx context.Context) (time.Time, error)
	DeleteRawOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteMinuteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type Service struct {
	store Store

	rawRetention    time.Duration
	minuteRetention time.Duration
	backfill        time.Duration

	// Observe records rows written for metrics; nil disables it.
	Observe func(rows int)

	// Failures hands back the per-device failed-poll tally for a minute.
	// Wired to the poller; nil means failures are not tracked.
	Failures func(minute time.Time) map[uuid.UUID]int

	now func() time.Time
}

// cleanupHour is the local hour at which daily retention cleanup runs.
const cleanupHour = 2

func New(store Store, rawRetentionDays, minuteRetentionDays, backfillMinutes int) *Service {
	return &Service{
		store:           store,
		rawRetention:    time.Duration(rawRetentionDays) * 24 * time.Hour,
		minuteRetention: time.Duration(minuteRetentionDays) * 24 * time.Hour,
		backfill:        time.Duration(backfillMinutes) * time.Minute,
		now:             time.Now,
	}
}

// Run backfills missed minutes, then rolls up each minute as it closes and
// runs retention cleanup once a day at a fixed local hour. Blocks until ctx
// is done.
func (s *Service) Run(ctx context.Context) {
	if err := s.Backfill(ctx); err != nil {
		slog.Error("rollup backfill failed", "error", err)
	}
	s.cleanup(ctx)

	for {
		next := s.now().Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		// The minute that just closed is [next-1m, next).
		if err := s.RollupMinute(ctx, next.Add(-time.Minute)); err != nil {
			slog.Error("minute rollup failed", "minute", next.Add(-time.Minute), "error", err)
		}
		if cleanupDue(next) {
			s.cleanup(ctx)
		}
	}
}

// cleanupDue reports whether the minute boundary just crossed is the daily
// cleanup time.
func cleanupDue(boundary time.Time) bool {
	lt := boundary.Local()
	return lt.Hour() == cleanupHour && lt.Minute() == 0
}

// RollupMinute aggregates raw readings for the given minute into one
// MinuteReading per device. Re-running for the same minute rewrites the
// same rows.
func (s *Service) RollupMinute(ctx context.Context, minute time.Time) error {
	minute = minute.Truncate(time.Minute)
	rows, err := s.store.ListRawInWindow(ctx, minute, minute.Add(time.Minute))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	byDevice := make(map[uuid.UUID][]model.RawReading)
	for _, r := range rows {
		byDevice[r.DeviceID] = append(byDevice[r.DeviceID], r)
	}

	var failures map[uuid.UUID]int
	if s.Failures != nil {
		failures = s.Failures(minute)
	}

	for id, samples := range byDevice {
		mr := aggregate(id, minute, samples)
		mr.PollFailures = failures[id]
		if err := s.store.UpsertMinuteReading(ctx, mr); err != nil {
			return err
		}
	}
	if s.Observe != nil {
		s.Observe(len(byDevice))
	}
	slog.Debug("minute rollup complete", "minute", minute, "devices", len(byDevice))
	return nil
}

// Backfill rolls up minutes between the newest existing rollup and now,
// bounded by the configured lookback, so a restart does not leave gaps.
func (s *Service) Backfill(ctx context.Context) error {
	latest, err := s.store.LatestMinuteTS(ctx)
	if err != nil {
		return err
	}
	end := s.now().Truncate(time.Minute)
	start := end.Add(-s.backfill)
	if !latest.IsZero() && latest.Add(time.Minute).After(start) {
		start = latest.Add(time.Minute)
	}
	for m := start; m.Before(end); m = m.Add(time.Minute) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.RollupMinute(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) cleanup(ctx context.Context) {
	now := s.now()
	if n, err := s.store.DeleteRawOlderThan(ctx, now.Add(-s.rawRetention)); err != nil {
		slog.Error("raw retention cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("raw readings pruned", "rows", n)
	}
	if n, err := s.store.DeleteMinuteOlderThan(ctx, now.Add(-s.minuteRetention)); err != nil {
		slog.Error("minute retention cleanup failed", "error", err)
	} else if n > 0 {
		slog.Info("minute readings pruned", "rows", n)
	}
}

// aggregate expects samples ordered by ts ascending.
func aggregate(id uuid.UUID, minute time.Time, samples []model.RawReading) *model.MinuteReading {
	var sum, localSum float64
	active, localCount := 0, 0
	for _, r := range samples {
		sum += r.Temp
		if r.TState > 0 {
			active++
		}
		if r.LocalTemp != nil {
			localSum += *r.LocalTemp
			localCount++
		}
	}
	last := samples[len(samples)-1]
	pct := float64(active) * 100 / float64(len(samples))
	mr := &model.MinuteReading{
		DeviceID:           id,
		MinuteTS:           minute,
		AvgTemp:            math.Round(sum/float64(len(samples))*10) / 10,
		THeat:              last.THeat,
		TMode:              last.TMode,
		HVACRuntimePercent: math.Round(pct*10) / 10,
		SampleCount:        len(samples),
	}
	if localCount > 0 {
		avg := math.Round(localSum/float64(localCount)*10) / 10
		mr.LocalTempAvg = &avg
	}
	return mr
}
