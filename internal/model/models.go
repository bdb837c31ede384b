package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Thermostat is a CT50 device known to this site. The device's own UUID
// (reported by /sys) is the primary key; IPs can change between leases.
type Thermostat struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	IP         string    `gorm:"index;not null" json:"ip"`
	Name       string    `json:"name"`
	Model      string    `json:"model"`
	APIVersion string    `json:"api_version"`
	FWVersion  string    `json:"fw_version"`
	AwayTemp   float64   `gorm:"default:50" json:"away_temp"`
	Enabled    bool      `gorm:"default:true" json:"enabled"`
	LastSeen   time.Time `json:"last_seen"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CurrentState holds the most recent reading per device, one row each.
type CurrentState struct {
	DeviceID  uuid.UUID `gorm:"type:uuid;primaryKey" json:"device_id"`
	Temp      float64   `json:"temp"`
	TMode     int       `json:"tmode"`
	TState    int       `json:"tstate"`
	FState    int       `json:"fstate"`
	THeat     *float64  `json:"t_heat,omitempty"`
	Hold      int       `json:"hold"`
	Override  int       `json:"override"`
	LocalTemp *float64  `json:"local_temp,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RawReading is the append-only poll log. Payload keeps the full device
// response for troubleshooting; the typed columns drive rollups.
type RawReading struct {
	ID        uint           `gorm:"primaryKey" json:"-"`
	DeviceID  uuid.UUID      `gorm:"type:uuid;index:idx_raw_device_ts,priority:1;uniqueIndex:idx_raw_device_ts_unique,priority:1;not null" json:"device_id"`
	TS        time.Time      `gorm:"index:idx_raw_device_ts,priority:2;uniqueIndex:idx_raw_device_ts_unique,priority:2;not null" json:"ts"`
	Temp      float64        `json:"temp"`
	TMode     int            `json:"tmode"`
	TState    int            `json:"tstate"`
	FState    int            `json:"fstate"`
	THeat     *float64       `json:"t_heat,omitempty"`
	Hold      int            `json:"hold"`
	Override  int            `json:"override"`
	LocalTemp *float64       `json:"local_temp,omitempty"`
	Payload   datatypes.JSON `gorm:"type:jsonb" json:"payload,omitempty"`
}

// MinuteReading is one rolled-up minute per device. The composite primary
// key makes rollup writes idempotent.
type MinuteReading struct {
	DeviceID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"device_id"`
	MinuteTS           time.Time `gorm:"primaryKey" json:"minute_ts"`
	AvgTemp            float64   `json:"avg_temp"`
	THeat              *float64  `json:"t_heat,omitempty"`
	TMode              int       `json:"tmode"`
	HVACRuntimePercent float64   `json:"hvac_runtime_percent"`
	SampleCount        int       `json:"sample_count"`
	PollFailures       int       `json:"poll_failures"`
	LocalTempAvg       *float64  `json:"local_temp_avg,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// DeviceConfig tracks the last settings this agent applied to a device and
// what the device reported back on verification.
type DeviceConfig struct {
	DeviceID       uuid.UUID      `gorm:"type:uuid;primaryKey" json:"device_id"`
	TModeSet       *int           `json:"tmode_set,omitempty"`
	TModeAppliedAt *time.Time     `json:"tmode_applied_at,omitempty"`
	THeatSet       *float64       `json:"t_heat_set,omitempty"`
	THeatAppliedAt *time.Time     `json:"t_heat_applied_at,omitempty"`
	HoldSet        *int           `json:"hold_set,omitempty"`
	HoldAppliedAt  *time.Time     `json:"hold_applied_at,omitempty"`
	Reported       datatypes.JSON `gorm:"type:jsonb" json:"reported,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Checkpoint names used by the sync client.
const (
	CheckpointStatusUpload = "status_upload"
	CheckpointMinuteUpload = "minute_upload"
	CheckpointCommandPoll  = "command_poll"
)

// SyncCheckpoint records how far each upload stream has progressed. LastTS
// only ever moves forward.
type SyncCheckpoint struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	LastTS    time.Time `json:"last_ts"`
	UpdatedAt time.Time `json:"updated_at"`
}
