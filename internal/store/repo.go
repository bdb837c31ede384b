package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
)

type Repository struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the schema.
func Open(dsn string) (*Repository, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             2 * time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, err
	}
	return New(db)
}

// New wraps an already-open gorm DB. Tests use this with sqlite.
func New(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(
		&model.Thermostat{},
		&model.CurrentState{},
		&model.RawReading{},
		&model.MinuteReading{},
		&model.DeviceConfig{},
		&model.SyncCheckpoint{},
	); err != nil {
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// RegisterDevice upserts a thermostat by its device UUID. On conflict the
// identity fields are refreshed but away_temp keeps its stored value, so a
// rediscovered device does not lose its configured setback.
func (r *Repository) RegisterDevice(ctx context.Context, d *model.Thermostat) error {
	if d.ID == uuid.Nil {
		return errors.New("register device: missing uuid")
	}
	now := time.Now().UTC()
	d.UpdatedAt = now
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = now
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"ip", "name", "model", "api_version", "fw_version", "last_seen", "updated_at",
		}),
	}).Create(d).Error
}

func (r *Repository) UpdateDeviceIP(ctx context.Context, id uuid.UUID, ip string) error {
	return r.db.WithContext(ctx).Model(&model.Thermostat{}).
		Where(map[string]any{"id": id}).
		Updates(map[string]any{"ip": ip, "updated_at": time.Now().UTC()}).Error
}

func (r *Repository) TouchSeen(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&model.Thermostat{}).
		Where(map[string]any{"id": id}).
		Update("last_seen", time.Now().UTC()).Error
}

func (r *Repository) SetAwayTemp(ctx context.Context, id uuid.UUID, temp float64) error {
	res := r.db.WithContext(ctx).Model(&model.Thermostat{}).
		Where(map[string]any{"id": id}).
		Updates(map[string]any{"away_temp": temp, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("device %s not found", id)
	}
	return nil
}

func (r *Repository) GetDevice(ctx context.Context, id uuid.UUID) (*model.Thermostat, error) {
	var dev model.Thermostat
	if err := r.db.WithContext(ctx).First(&dev, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dev, nil
}

func (r *Repository) ListDevices(ctx context.Context) ([]model.Thermostat, error) {
	var devices []model.Thermostat
	if err := r.db.WithContext(ctx).Order("name").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *Repository) ListEnabledDevices(ctx context.Context) ([]model.Thermostat, error) {
	var devices []model.Thermostat
	if err := r.db.WithContext(ctx).Where(map[string]any{"enabled": true}).Order("name").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// SaveState records one successful poll: the current-state row is upserted
// and the raw reading appended, in a single transaction. A raw reading that
// already exists for (device, ts) is left alone, which makes replays safe.
func (r *Repository) SaveState(ctx context.Context, reading *model.RawReading) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur := &model.CurrentState{
			DeviceID:  reading.DeviceID,
			Temp:      reading.Temp,
			TMode:     reading.TMode,
			TState:    reading.TState,
			FState:    reading.FState,
			THeat:     reading.THeat,
			Hold:      reading.Hold,
			Override:  reading.Override,
			LocalTemp: reading.LocalTemp,
			LastError: "",
			UpdatedAt: reading.TS,
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"temp", "t_mode", "t_state", "f_state", "t_heat", "hold", "override",
				"local_temp", "last_error", "updated_at",
			}),
		}).Create(cur).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "ts"}},
			DoNothing: true,
		}).Create(reading).Error
	})
}

// RecordPollError stamps the latest failure message on a device's current
// state without touching the reading columns. Devices that have never been
// polled successfully have no state row yet and are skipped.
func (r *Repository) RecordPollError(ctx context.Context, id uuid.UUID, message string) error {
	return r.db.WithContext(ctx).
		Model(&model.CurrentState{}).
		Where("device_id = ?", id).
		Updates(map[string]any{"last_error": message, "updated_at": time.Now().UTC()}).Error
}

func (r *Repository) GetCurrentState(ctx context.Context, id uuid.UUID) (*model.CurrentState, error) {
	var st model.CurrentState
	if err := r.db.WithContext(ctx).First(&st, "device_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &st, nil
}

func (r *Repository) ListCurrentStates(ctx context.Context) ([]model.CurrentState, error) {
	var states []model.CurrentState
	if err := r.db.WithContext(ctx).Find(&states).Error; err != nil {
		return nil, err
	}
	return states, nil
}

// ListRawInWindow returns raw readings with from <= ts < to, ordered so the
// rollup can walk them device by device.
func (r *Repository) ListRawInWindow(ctx context.Context, from, to time.Time) ([]model.RawReading, error) {
	var rows []model.RawReading
	err := r.db.WithContext(ctx).
		Where("ts >= ? AND ts < ?", from, to).
		Order("device_id").Order("ts").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repository) UpsertMinuteReading(ctx context.Context, mr *model.MinuteReading) error {
	if mr.CreatedAt.IsZero() {
		mr.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}, {Name: "minute_ts"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"avg_temp", "t_heat", "t_mode", "hvac_runtime_percent", "sample_count",
		}),
	}).Create(mr).Error
}

func (r *Repository) ListMinuteReadingsAfter(ctx context.Context, after time.Time, limit int) ([]model.MinuteReading, error) {
	var rows []model.MinuteReading
	q := r.db.WithContext(ctx).Where("minute_ts > ?", after).Order("minute_ts")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// LatestMinuteTS returns the newest rolled-up minute, zero when none exist.
func (r *Repository) LatestMinuteTS(ctx context.Context) (time.Time, error) {
	var mr model.MinuteReading
	err := r.db.WithContext(ctx).Order("minute_ts DESC").First(&mr).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return mr.MinuteTS, nil
}

func (r *Repository) DeleteRawOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("ts < ?", cutoff).Delete(&model.RawReading{})
	return res.RowsAffected, res.Error
}

func (r *Repository) DeleteMinuteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("minute_ts < ?", cutoff).Delete(&model.MinuteReading{})
	return res.RowsAffected, res.Error
}

// GetCheckpoint returns the stored position for an upload stream, zero when
// the stream has never advanced.
func (r *Repository) GetCheckpoint(ctx context.Context, name string) (time.Time, error) {
	var cp model.SyncCheckpoint
	if err := r.db.WithContext(ctx).First(&cp, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return cp.LastTS, nil
}

// AdvanceCheckpoint moves a checkpoint forward. A ts at or behind the stored
// value is ignored, so retried uploads can never rewind a stream.
func (r *Repository) AdvanceCheckpoint(ctx context.Context, name string, ts time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cp model.SyncCheckpoint
		err := tx.First(&cp, "name = ?", name).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			cp = model.SyncCheckpoint{Name: name}
		case err != nil:
			return err
		}
		if !ts.After(cp.LastTS) {
			return nil
		}
		cp.LastTS = ts
		cp.UpdatedAt = time.Now().UTC()
		return tx.Save(&cp).Error
	})
}

func (r *Repository) ListCheckpoints(ctx context.Context) ([]model.SyncCheckpoint, error) {
	var cps []model.SyncCheckpoint
	if err := r.db.WithContext(ctx).Order("name").Find(&cps).Error; err != nil {
		return nil, err
	}
	return cps, nil
}

func (r *Repository) GetDeviceConfig(ctx context.Context, id uuid.UUID) (*model.DeviceConfig, error) {
	var dc model.DeviceConfig
	if err := r.db.WithContext(ctx).First(&dc, "device_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dc, nil
}

func (r *Repository) SaveDeviceConfig(ctx context.Context, dc *model.DeviceConfig) error {
	dc.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Save(dc).Error
}
