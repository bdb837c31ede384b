package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	// Use a unique in-memory DB per test to avoid cross-test contamination.
	dsn := "file:store_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestRegisterDevicePreservesAwayTemp(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	id := uuid.New()

	dev := &model.Thermostat{ID: id, IP: "192.168.1.50", Name: "Living Room", Model: "CT50", AwayTemp: 50, Enabled: true}
	if err := repo.RegisterDevice(ctx, dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := repo.SetAwayTemp(ctx, id, 62); err != nil {
		t.Fatalf("set away temp: %v", err)
	}

	// Rediscovery at a new IP must update identity fields but keep away_temp.
	again := &model.Thermostat{ID: id, IP: "192.168.1.77", Name: "Living Room", Model: "CT50", AwayTemp: 50, Enabled: true}
	if err := repo.RegisterDevice(ctx, again); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	got, err := repo.GetDevice(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IP != "192.168.1.77" {
		t.Fatalf("expected updated IP, got %s", got.IP)
	}
	if got.AwayTemp != 62 {
		t.Fatalf("away_temp lost on re-register: got %v", got.AwayTemp)
	}
}

func TestSaveStateUpsertsCurrentAndAppendsRaw(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	id := uuid.New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	heat := 70.0

	r1 := &model.RawReading{DeviceID: id, TS: base, Temp: 68.5, TMode: 1, TState: 1, THeat: &heat}
	r2 := &model.RawReading{DeviceID: id, TS: base.Add(5 * time.Second), Temp: 69.0, TMode: 1, TState: 0, THeat: &heat}
	for _, r := range []*model.RawReading{r1, r2} {
		if err := repo.SaveState(ctx, r); err != nil {
			t.Fatalf("save state: %v", err)
		}
	}

	cur, err := repo.GetCurrentState(ctx, id)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if cur == nil || cur.Temp != 69.0 || cur.TState != 0 {
		t.Fatalf("current state not upserted to latest: %+v", cur)
	}

	rows, err := repo.ListRawInWindow(ctx, base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("list raw: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 raw rows, got %d", len(rows))
	}
}

func TestSaveStateDuplicateTimestampIgnored(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	id := uuid.New()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	r := &model.RawReading{DeviceID: id, TS: ts, Temp: 68.5}
	if err := repo.SaveState(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	replay := &model.RawReading{DeviceID: id, TS: ts, Temp: 99.9}
	if err := repo.SaveState(ctx, replay); err != nil {
		t.Fatalf("replay save: %v", err)
	}

	rows, err := repo.ListRawInWindow(ctx, ts, ts.Add(time.Second))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after replay, got %d", len(rows))
	}
	if rows[0].Temp != 68.5 {
		t.Fatalf("replay overwrote original reading: %v", rows[0].Temp)
	}
}

func TestMinuteReadingUpsertIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	id := uuid.New()
	minute := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mr := &model.MinuteReading{DeviceID: id, MinuteTS: minute, AvgTemp: 68.0, HVACRuntimePercent: 25.0, SampleCount: 8}
	if err := repo.UpsertMinuteReading(ctx, mr); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	mr2 := &model.MinuteReading{DeviceID: id, MinuteTS: minute, AvgTemp: 68.2, HVACRuntimePercent: 37.5, SampleCount: 8}
	if err := repo.UpsertMinuteReading(ctx, mr2); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	rows, err := repo.ListMinuteReadingsAfter(ctx, minute.Add(-time.Second), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected single row per (device, minute), got %d", len(rows))
	}
	if rows[0].HVACRuntimePercent != 37.5 {
		t.Fatalf("upsert did not refresh values: %v", rows[0].HVACRuntimePercent)
	}
}

func TestCheckpointNeverRewinds(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Minute)

	got, err := repo.GetCheckpoint(ctx, model.CheckpointMinuteUpload)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero checkpoint, got %v", got)
	}

	if err := repo.AdvanceCheckpoint(ctx, model.CheckpointMinuteUpload, t2); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := repo.AdvanceCheckpoint(ctx, model.CheckpointMinuteUpload, t1); err != nil {
		t.Fatalf("advance backwards: %v", err)
	}

	got, err = repo.GetCheckpoint(ctx, model.CheckpointMinuteUpload)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(t2) {
		t.Fatalf("checkpoint rewound: got %v want %v", got, t2)
	}
}

func TestRetentionDeletes(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	id := uuid.New()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	old := &model.RawReading{DeviceID: id, TS: now.AddDate(0, 0, -20), Temp: 60}
	fresh := &model.RawReading{DeviceID: id, TS: now.Add(-time.Hour), Temp: 70}
	for _, r := range []*model.RawReading{old, fresh} {
		if err := repo.SaveState(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	n, err := repo.DeleteRawOlderThan(ctx, now.AddDate(0, 0, -14))
	if err != nil {
		t.Fatalf("delete raw: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 raw row deleted, got %d", n)
	}

	rows, err := repo.ListRawInWindow(ctx, now.AddDate(0, 0, -30), now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].Temp != 70 {
		t.Fatalf("wrong rows survived retention: %+v", rows)
	}
}
