package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
	"github.com/TiM00R/ThermostatLocalServer/internal/tstat"
)

// tempChangeThreshold is the minimum temperature movement, in degrees F,
// that counts as a change on its own.
const tempChangeThreshold = 0.5

// Change classifications, used for logging, events and immediate uploads.
const (
	ChangeManualAdjustment = "manual_adjustment"
	ChangeHVACState        = "hvac_state_change"
	ChangeTemperature      = "temperature_change"
	ChangeOverride         = "override_change"
)

type Change struct {
	DeviceID uuid.UUID
	Kind     string
	State    model.CurrentState
}

// Store is the repository subset the poller writes through.
type Store interface {
	ListEnabledDevices(ctx context.Context) ([]model.Thermostat, error)
	SaveState(ctx context.Context, reading *model.RawReading) error
	TouchSeen(ctx context.Context, id uuid.UUID) error
	RecordPollError(ctx context.Context, id uuid.UUID, message string) error
}

type DeviceClient interface {
	StatusRaw(ctx context.Context, ip string) (*tstat.Status, json.RawMessage, error)
}

// StateCache is satisfied by store.StateCache; nil disables caching.
type StateCache interface {
	Set(ctx context.Context, st *model.CurrentState) error
}

type Metrics interface {
	PollObserved(duration time.Duration, err bool)
	DevicesOnline(n int)
}

// Weather supplies the outdoor temperature that annotates each reading.
// Satisfied by weather.Service; nil leaves readings unannotated.
type Weather interface {
	OutdoorTemp() (float64, bool)
}

// Poller polls every enabled thermostat on a fixed interval with bounded
// concurrency and reports detected state changes through OnChange.
type Poller struct {
	Store    Store
	Client   DeviceClient
	Cache    StateCache
	Metrics  Metrics
	Weather  Weather
	OnChange func(ctx context.Context, c Change)

	Interval       time.Duration
	MaxConcurrent  int
	RequestTimeout time.Duration
	ErrorThreshold int

	mu         sync.Mutex
	previous   map[uuid.UUID]*model.CurrentState
	failures   map[uuid.UUID]int
	failureLog map[time.Time]map[uuid.UUID]int
	lastTick   time.Time
}

// Run polls until ctx is done. When a cycle overruns the interval the sleep
// is skipped, but cycles never overlap.
func (p *Poller) Run(ctx context.Context) {
	if p.previous == nil {
		p.previous = make(map[uuid.UUID]*model.CurrentState)
	}
	if p.failures == nil {
		p.failures = make(map[uuid.UUID]int)
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		start := time.Now()
		p.PollAll(ctx)
		if sleep := interval - time.Since(start); sleep > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(sleep):
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// LastTick reports when the most recent cycle started, for health checks.
func (p *Poller) LastTick() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTick
}

// PollAll runs one polling cycle across all enabled devices.
func (p *Poller) PollAll(ctx context.Context) {
	p.mu.Lock()
	if p.previous == nil {
		p.previous = make(map[uuid.UUID]*model.CurrentState)
	}
	if p.failures == nil {
		p.failures = make(map[uuid.UUID]int)
	}
	p.lastTick = time.Now()
	p.mu.Unlock()

	devices, err := p.Store.ListEnabledDevices(ctx)
	if err != nil {
		slog.Error("poll cycle device list failed", "error", err)
		return
	}
	if len(devices) == 0 {
		return
	}

	// One outdoor reading per cycle; every device polled in this cycle
	// shares the same snapshot.
	var localTemp *float64
	if p.Weather != nil {
		if v, ok := p.Weather.OutdoorTemp(); ok {
			localTemp = &v
		}
	}

	limit := p.MaxConcurrent
	if limit <= 0 {
		limit = 5
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	online := 0
	var onlineMu sync.Mutex

	for _, dev := range devices {
		wg.Add(1)
		sem <- struct{}{}
		go func(dev model.Thermostat) {
			defer wg.Done()
			defer func() { <-sem }()
			if p.pollOne(ctx, dev, localTemp) {
				onlineMu.Lock()
				online++
				onlineMu.Unlock()
			}
		}(dev)
	}
	wg.Wait()

	if p.Metrics != nil {
		p.Metrics.DevicesOnline(online)
	}
}

func (p *Poller) pollOne(ctx context.Context, dev model.Thermostat, localTemp *float64) bool {
	timeout := p.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	st, raw, err := p.Client.StatusRaw(reqCtx, dev.IP)
	if p.Metrics != nil {
		p.Metrics.PollObserved(time.Since(start), err != nil)
	}
	if err != nil {
		p.recordFailure(ctx, dev, err)
		return false
	}
	p.clearFailure(dev.ID)

	ts := time.Now().UTC()
	reading := &model.RawReading{
		DeviceID:  dev.ID,
		TS:        ts,
		Temp:      st.Temp,
		TMode:     st.TMode,
		TState:    st.TState,
		FState:    st.FState,
		THeat:     st.THeat,
		Hold:      st.Hold,
		Override:  st.Override,
		LocalTemp: localTemp,
		Payload:   datatypes.JSON(raw),
	}
	if err := p.Store.SaveState(ctx, reading); err != nil {
		slog.Error("poll state save failed", "device", dev.ID, "error", err)
		return false
	}
	if err := p.Store.TouchSeen(ctx, dev.ID); err != nil {
		slog.Warn("poll last_seen update failed", "device", dev.ID, "error", err)
	}

	cur := &model.CurrentState{
		DeviceID:  dev.ID,
		Temp:      st.Temp,
		TMode:     st.TMode,
		TState:    st.TState,
		FState:    st.FState,
		THeat:     st.THeat,
		Hold:      st.Hold,
		Override:  st.Override,
		LocalTemp: localTemp,
		UpdatedAt: ts,
	}
	if p.Cache != nil {
		if err := p.Cache.Set(ctx, cur); err != nil {
			slog.Warn("state cache write failed", "device", dev.ID, "error", err)
		}
	}

	p.mu.Lock()
	prev := p.previous[dev.ID]
	p.previous[dev.ID] = cur
	p.mu.Unlock()

	if kind, changed := classifyChange(prev, cur); changed {
		slog.Info("thermostat state change", "device", dev.ID, "kind", kind, "temp", cur.Temp, "tstate", cur.TState)
		if p.OnChange != nil {
			p.OnChange(ctx, Change{DeviceID: dev.ID, Kind: kind, State: *cur})
		}
	}
	return true
}

func (p *Poller) recordFailure(ctx context.Context, dev model.Thermostat, err error) {
	minute := time.Now().UTC().Truncate(time.Minute)
	p.mu.Lock()
	p.failures[dev.ID]++
	n := p.failures[dev.ID]
	if p.failureLog == nil {
		p.failureLog = make(map[time.Time]map[uuid.UUID]int)
	}
	if p.failureLog[minute] == nil {
		p.failureLog[minute] = make(map[uuid.UUID]int)
	}
	p.failureLog[minute][dev.ID]++
	p.mu.Unlock()

	if serr := p.Store.RecordPollError(ctx, dev.ID, err.Error()); serr != nil {
		slog.Warn("poll error record failed", "device", dev.ID, "error", serr)
	}

	threshold := p.ErrorThreshold
	if threshold <= 0 {
		threshold = 10
	}
	if n == threshold {
		slog.Warn("thermostat unresponsive", "device", dev.ID, "ip", dev.IP, "consecutive_failures", n)
		return
	}
	if tstat.IsUnreachable(err) {
		slog.Debug("poll unreachable", "device", dev.ID, "ip", dev.IP, "error", err)
		return
	}
	slog.Warn("poll failed", "device", dev.ID, "ip", dev.IP, "error", err)
}

// TakeFailures returns and forgets the failed-poll counts for the given
// minute. Buckets more than an hour old are dropped so an offline device
// cannot grow the log without bound.
func (p *Poller) TakeFailures(minute time.Time) map[uuid.UUID]int {
	minute = minute.UTC().Truncate(time.Minute)
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.failureLog[minute]
	delete(p.failureLog, minute)
	for ts := range p.failureLog {
		if minute.Sub(ts) > time.Hour {
			delete(p.failureLog, ts)
		}
	}
	return out
}

func (p *Poller) clearFailure(id uuid.UUID) {
	p.mu.Lock()
	delete(p.failures, id)
	p.mu.Unlock()
}

// classifyChange compares consecutive readings. The first reading for a
// device is never a change.
func classifyChange(prev, cur *model.CurrentState) (string, bool) {
	if prev == nil {
		return "", false
	}
	switch {
	case !floatPtrEqual(prev.THeat, cur.THeat) || prev.TMode != cur.TMode || prev.Hold != cur.Hold:
		return ChangeManualAdjustment, true
	case prev.TState != cur.TState:
		return ChangeHVACState, true
	case math.Abs(cur.Temp-prev.Temp) >= tempChangeThreshold:
		return ChangeTemperature, true
	case prev.Override != cur.Override:
		return ChangeOverride, true
	}
	return "", false
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
