package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/TiM00R/ThermostatLocalServer/internal/discovery"
	"github.com/TiM00R/ThermostatLocalServer/internal/model"
	"github.com/TiM00R/ThermostatLocalServer/internal/syncer"
	"github.com/TiM00R/ThermostatLocalServer/internal/tstat"
)

// Command kinds accepted by the executor.
const (
	KindSetState    = "set_state"
	KindSetAwayTemp = "set_away_temp"
	KindDiscover    = "discover_devices"
)

const (
	minAwayTempF = 41.0
	maxAwayTempF = 76.0
	minHeatSetF  = 40.0
	maxHeatSetF  = 95.0

	// Readback tolerance on t_heat; CT50s round to half degrees.
	heatVerifyTolerance = 0.1
)

type Store interface {
	GetDevice(ctx context.Context, id uuid.UUID) (*model.Thermostat, error)
	SetAwayTemp(ctx context.Context, id uuid.UUID, temp float64) error
	GetDeviceConfig(ctx context.Context, id uuid.UUID) (*model.DeviceConfig, error)
	SaveDeviceConfig(ctx context.Context, dc *model.DeviceConfig) error
}

type DeviceClient interface {
	Apply(ctx context.Context, ip string, s tstat.Settings) error
	Status(ctx context.Context, ip string) (*tstat.Status, error)
}

// AckSink receives exactly one acknowledgement per executed command.
type AckSink interface {
	QueueAck(ack syncer.Ack)
}

// ProgressSink streams discovery progress while a discover command runs;
// nil disables streaming.
type ProgressSink interface {
	ReportProgress(ctx context.Context, report syncer.ProgressReport)
}

// Registrar re-registers the device roster after discovery; nil skips it.
type Registrar interface {
	RegisterAll(ctx context.Context) error
}

// Executor dispatches remote commands. Every path ends in one ack; unknown
// kinds are acked as failed rather than dropped.
type Executor struct {
	Store     Store
	Client    DeviceClient
	Discovery *discovery.Service
	Acks      AckSink
	Progress  ProgressSink
	Registrar Registrar
	// Observe records command outcomes for metrics; nil disables it.
	Observe func(kind string, success bool)
}

// Handle executes one command and queues its acknowledgement.
func (e *Executor) Handle(ctx context.Context, cmd syncer.Command) {
	var (
		success bool
		errMsg  string
		extra   map[string]any
	)
	switch cmd.Command {
	case KindSetState:
		success, errMsg, extra = e.setState(ctx, cmd)
	case KindSetAwayTemp:
		success, errMsg, extra = e.setAwayTemp(ctx, cmd)
	case KindDiscover:
		success, errMsg, extra = e.discover(ctx, cmd)
	default:
		success, errMsg = false, fmt.Sprintf("unsupported command type: %s", cmd.Command)
	}

	if !success {
		slog.Warn("command failed", "cmd", cmd.CmdID, "kind", cmd.Command, "error", errMsg)
	} else {
		slog.Info("command executed", "cmd", cmd.CmdID, "kind", cmd.Command)
	}
	if e.Observe != nil {
		e.Observe(cmd.Command, success)
	}
	e.Acks.QueueAck(syncer.Ack{
		CmdID:        cmd.CmdID,
		Success:      success,
		ExecutedAt:   time.Now().UTC(),
		ErrorMessage: errMsg,
		ResponseData: extra,
	})
}

// setState validates, applies and verifies a tmode/t_heat/hold change.
// Rules: tmode must be 0 or 1, hold must be 0 or 1, t_heat is required in
// HEAT mode and stripped in OFF mode.
func (e *Executor) setState(ctx context.Context, cmd syncer.Command) (bool, string, map[string]any) {
	tmode, ok := paramInt(cmd.Params, "tmode")
	if !ok || (tmode != 0 && tmode != 1) {
		return false, "invalid or missing tmode (expected 0 or 1)", nil
	}
	hold, ok := paramInt(cmd.Params, "hold")
	if !ok || (hold != 0 && hold != 1) {
		return false, "invalid or missing hold (expected 0 or 1)", nil
	}

	var heat *float64
	if tmode == 1 {
		v, ok := paramFloat(cmd.Params, "t_heat")
		if !ok {
			return false, "missing t_heat for HEAT mode", nil
		}
		if v < minHeatSetF || v > maxHeatSetF {
			return false, fmt.Sprintf("t_heat %.1f out of range [%.0f, %.0f]", v, minHeatSetF, maxHeatSetF), nil
		}
		heat = &v
	} else if _, present := cmd.Params["t_heat"]; present {
		// A setpoint alongside OFF mode is a caller bug; drop it rather
		// than reject the whole command.
		slog.Warn("ignoring t_heat with tmode=0", "cmd", cmd.CmdID)
	}

	extra, err := e.SetState(ctx, cmd.ThermostatID, tmode, hold, heat)
	if err != nil {
		return false, err.Error(), nil
	}
	return true, "", extra
}

// SetState applies a validated state change to one device and verifies the
// readback. Shared by remote commands and the local control API.
func (e *Executor) SetState(ctx context.Context, thermostatID string, tmode, hold int, heat *float64) (map[string]any, error) {
	dev, err := e.resolveDevice(ctx, thermostatID)
	if err != nil {
		return nil, err
	}

	settings := tstat.Settings{TMode: &tmode, Hold: &hold, THeat: heat}
	if err := e.Client.Apply(ctx, dev.IP, settings); err != nil {
		return nil, fmt.Errorf("apply failed: %w", err)
	}

	readback, err := e.Client.Status(ctx, dev.IP)
	if err != nil {
		return nil, fmt.Errorf("readback failed: %w", err)
	}
	if msg, ok := verifyReadback(settings, readback); !ok {
		return nil, fmt.Errorf("%s", msg)
	}

	e.trackApplied(ctx, dev.ID, settings, readback)
	return map[string]any{
		"thermostat_id": dev.ID.String(),
		"applied":       settingsMap(settings),
	}, nil
}

func verifyReadback(expected tstat.Settings, actual *tstat.Status) (string, bool) {
	if actual.TMode != *expected.TMode {
		return fmt.Sprintf("verification failed: tmode is %d, expected %d", actual.TMode, *expected.TMode), false
	}
	if actual.Hold != *expected.Hold {
		return fmt.Sprintf("verification failed: hold is %d, expected %d", actual.Hold, *expected.Hold), false
	}
	if expected.THeat != nil {
		if actual.THeat == nil {
			return "verification failed: device reports no t_heat", false
		}
		if math.Abs(*actual.THeat-*expected.THeat) >= heatVerifyTolerance {
			return fmt.Sprintf("verification failed: t_heat is %.1f, expected %.1f", *actual.THeat, *expected.THeat), false
		}
	}
	return "", true
}

// trackApplied records what was set and what the device reported back.
// Tracking failures never fail the command.
func (e *Executor) trackApplied(ctx context.Context, id uuid.UUID, settings tstat.Settings, readback *tstat.Status) {
	dc, err := e.Store.GetDeviceConfig(ctx, id)
	if err != nil {
		slog.Warn("device config read failed", "device", id, "error", err)
		return
	}
	if dc == nil {
		dc = &model.DeviceConfig{DeviceID: id}
	}
	now := time.Now().UTC()
	if settings.TMode != nil {
		dc.TModeSet = settings.TMode
		dc.TModeAppliedAt = &now
	}
	if settings.THeat != nil {
		dc.THeatSet = settings.THeat
		dc.THeatAppliedAt = &now
	}
	if settings.Hold != nil {
		dc.HoldSet = settings.Hold
		dc.HoldAppliedAt = &now
	}
	if reported, err := json.Marshal(readback); err == nil {
		dc.Reported = reported
	}
	if err := e.Store.SaveDeviceConfig(ctx, dc); err != nil {
		slog.Warn("device config save failed", "device", id, "error", err)
	}
}

// setAwayTemp updates the stored setback temperature. No device I/O; the
// away temperature only matters when away mode is engaged later.
func (e *Executor) setAwayTemp(ctx context.Context, cmd syncer.Command) (bool, string, map[string]any) {
	v, ok := paramFloat(cmd.Params, "away_temp")
	if !ok {
		return false, "missing away_temp parameter", nil
	}
	extra, err := e.SetAwayTemp(ctx, cmd.ThermostatID, v)
	if err != nil {
		return false, err.Error(), nil
	}
	return true, "", extra
}

// SetAwayTemp records a new setback temperature for one device.
func (e *Executor) SetAwayTemp(ctx context.Context, thermostatID string, v float64) (map[string]any, error) {
	if v < minAwayTempF || v > maxAwayTempF {
		return nil, fmt.Errorf("away_temp must be between %.1f and %.1f degrees Fahrenheit", minAwayTempF, maxAwayTempF)
	}
	dev, err := e.resolveDevice(ctx, thermostatID)
	if err != nil {
		return nil, err
	}
	if err := e.Store.SetAwayTemp(ctx, dev.ID, v); err != nil {
		return nil, fmt.Errorf("away_temp update failed: %w", err)
	}
	return map[string]any{"thermostat_id": dev.ID.String(), "away_temp": v}, nil
}

// discover runs a discovery pass, streaming progress snapshots while it
// executes.
func (e *Executor) discover(ctx context.Context, cmd syncer.Command) (bool, string, map[string]any) {
	if e.Discovery == nil {
		return false, "discovery not available", nil
	}

	opts := discovery.Options{UDP: true}
	if v, ok := paramBool(cmd.Params, "udp"); ok {
		opts.UDP = v
	}
	if v, ok := paramBool(cmd.Params, "tcp_scan"); ok {
		opts.TCPScan = v
	}
	if ranges, ok := cmd.Params["ip_ranges"].([]any); ok {
		for _, r := range ranges {
			if s, ok := r.(string); ok {
				opts.IPRanges = append(opts.IPRanges, s)
			}
		}
	}

	opts.OnProgress = func(p discovery.Progress) {
		if e.Progress == nil {
			return
		}
		status := "completed"
		if p.Running {
			status = "in_progress"
		}
		e.Progress.ReportProgress(ctx, syncer.ProgressReport{
			CommandID:            cmd.CmdID,
			Status:               status,
			Progress:             p,
			ExecutionTimeSeconds: p.ExecutionTimeSeconds,
		})
	}

	result, err := e.Discovery.Run(ctx, opts)
	if err != nil {
		return false, fmt.Sprintf("discovery failed: %v", err), nil
	}

	if e.Registrar != nil {
		if err := e.Registrar.RegisterAll(ctx); err != nil {
			slog.Warn("post-discovery registration failed", "error", err)
		}
	}

	ids := make([]string, len(result.Devices))
	for i, d := range result.Devices {
		ids[i] = d.ID.String()
	}
	return true, "", map[string]any{
		"devices_found": len(result.Devices),
		"new_devices":   result.NewCount,
		"device_ids":    ids,
	}
}

func (e *Executor) resolveDevice(ctx context.Context, thermostatID string) (*model.Thermostat, error) {
	id, err := uuid.Parse(thermostatID)
	if err != nil {
		return nil, fmt.Errorf("invalid thermostat_id %q", thermostatID)
	}
	dev, err := e.Store.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("unknown thermostat %s", thermostatID)
	}
	return dev, nil
}

func settingsMap(s tstat.Settings) map[string]any {
	out := map[string]any{}
	if s.TMode != nil {
		out["tmode"] = *s.TMode
	}
	if s.THeat != nil {
		out["t_heat"] = *s.THeat
	}
	if s.Hold != nil {
		out["hold"] = *s.Hold
	}
	return out
}

// JSON numbers decode as float64; commands may also carry real ints after
// round-tripping through other tooling.
func paramInt(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func paramFloat(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func paramBool(params map[string]any, key string) (bool, bool) {
	v, ok := params[key].(bool)
	return v, ok
}
