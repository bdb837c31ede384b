package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
)

const (
	ackQueueHighWater = 100
	ackQueueKeep      = 50
)

type Store interface {
	ListDevices(ctx context.Context) ([]model.Thermostat, error)
	ListEnabledDevices(ctx context.Context) ([]model.Thermostat, error)
	ListCurrentStates(ctx context.Context) ([]model.CurrentState, error)
	ListMinuteReadingsAfter(ctx context.Context, after time.Time, limit int) ([]model.MinuteReading, error)
	GetCheckpoint(ctx context.Context, name string) (time.Time, error)
	AdvanceCheckpoint(ctx context.Context, name string, ts time.Time) error
}

// Weather provides the outdoor temperature attached to status uploads;
// nil disables it.
type Weather interface {
	OutdoorTemp() (float64, bool)
}

// Stats are cumulative counters since startup, surfaced by the local API.
type Stats struct {
	ImmediateUploads   int       `json:"immediate_uploads"`
	FallbackUploads    int       `json:"fallback_uploads"`
	MinuteUploads      int       `json:"minute_uploads"`
	UploadFailures     int       `json:"upload_failures"`
	TotalStatusUpdates int       `json:"total_status_updates"`
	CommandPolls       int       `json:"command_polls"`
	CommandAcks        int       `json:"command_acks"`
	LastImmediateAt    time.Time `json:"last_immediate_at"`
	LastFallbackAt     time.Time `json:"last_fallback_at"`
	LastMinuteAt       time.Time `json:"last_minute_at"`
}

// Service runs the upload and command loops against the central service.
// The poller feeds QueueChange; the command executor feeds QueueAck.
type Service struct {
	Client  *Client
	Store   Store
	Weather Weather
	// Handler executes one remote command. Wired by main to the command
	// executor; a nil handler acks nothing.
	Handler func(ctx context.Context, cmd Command)
	// Observe records upload outcomes for metrics; nil disables it.
	Observe func(kind string, err error)

	StatusInterval  time.Duration
	MinuteInterval  time.Duration
	CommandInterval time.Duration
	AckInterval     time.Duration

	ImmediateBatchSize int
	ImmediateWindow    time.Duration
	MaxBatchSize       int

	changes chan ThermostatStatus

	mu    sync.Mutex
	acks  []Ack
	stats Stats
}

// QueueChange enqueues a changed thermostat state for immediate upload.
// Drops the update when the queue is saturated; the fallback loop will
// carry the state instead.
func (s *Service) QueueChange(st ThermostatStatus) {
	s.ensureQueue()
	s.mu.Lock()
	ch := s.changes
	s.mu.Unlock()
	select {
	case ch <- st:
	default:
		slog.Warn("immediate upload queue full, dropping update", "thermostat", st.ThermostatID)
	}
}

// QueueAck enqueues a command acknowledgement for the ack loop.
func (s *Service) QueueAck(ack Ack) {
	if ack.ExecutedAt.IsZero() {
		ack.ExecutedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.acks = append(s.acks, ack)
	s.mu.Unlock()
}

// ReportProgress forwards a discovery progress snapshot. Failures are
// logged only; progress is advisory.
func (s *Service) ReportProgress(ctx context.Context, report ProgressReport) {
	if err := s.Client.UploadProgress(ctx, report); err != nil {
		slog.Warn("discovery progress upload failed", "command", report.CommandID, "error", err)
	}
}

// RegisterAll uploads the full device roster, used at startup and after
// discovery passes.
func (s *Service) RegisterAll(ctx context.Context) error {
	devices, err := s.Store.ListDevices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}
	if err := s.Client.RegisterDevices(ctx, devices); err != nil {
		return err
	}
	slog.Info("thermostats registered with central service", "count", len(devices))
	return nil
}

// GetStats returns a copy of the counters.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run starts all sync loops and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.ensureQueue()
	if err := s.RegisterAll(ctx); err != nil {
		slog.Warn("startup registration failed", "error", err)
	}

	var wg sync.WaitGroup
	loops := []func(context.Context){
		s.immediateLoop,
		s.statusFallbackLoop,
		s.minuteLoop,
		s.commandLoop,
		s.ackLoop,
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(loop func(context.Context)) {
			defer wg.Done()
			loop(ctx)
		}(loop)
	}
	wg.Wait()
}

func (s *Service) ensureQueue() {
	s.mu.Lock()
	if s.changes == nil {
		s.changes = make(chan ThermostatStatus, 256)
	}
	s.mu.Unlock()
}

// immediateLoop batches change events: a batch goes out when it reaches
// ImmediateBatchSize or when its oldest entry has waited ImmediateWindow.
func (s *Service) immediateLoop(ctx context.Context) {
	s.ensureQueue()
	s.mu.Lock()
	ch := s.changes
	s.mu.Unlock()

	batchSize := s.ImmediateBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	window := s.ImmediateWindow
	if window <= 0 {
		window = 5 * time.Second
	}

	var pending []ThermostatStatus
	var oldest time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		s.uploadImmediate(ctx, pending)
		pending = nil
	}

	for {
		var wait time.Duration = time.Second
		if len(pending) > 0 {
			wait = window - time.Since(oldest)
			if wait <= 0 {
				flush()
				continue
			}
		}
		select {
		case <-ctx.Done():
			flush()
			return
		case st := <-ch:
			if len(pending) == 0 {
				oldest = time.Now()
			}
			pending = append(pending, st)
			if len(pending) >= batchSize {
				flush()
			}
		case <-time.After(wait):
		}
	}
}

func (s *Service) uploadImmediate(ctx context.Context, batch []ThermostatStatus) {
	s.attachOutdoorTemp(batch)
	err := s.Client.UploadStatus(ctx, StatusUpload{
		Timestamp:   time.Now().UTC(),
		Thermostats: batch,
		Immediate:   true,
	})
	s.observe("status_immediate", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.stats.UploadFailures++
		slog.Warn("immediate status upload failed", "count", len(batch), "error", err)
		return
	}
	s.stats.ImmediateUploads++
	s.stats.TotalStatusUpdates += len(batch)
	s.stats.LastImmediateAt = time.Now().UTC()
	slog.Debug("immediate status upload sent", "count", len(batch))
}

// statusFallbackLoop uploads the full current state on a fixed cadence, but
// stands down while immediate uploads are keeping the server fresh.
func (s *Service) statusFallbackLoop(ctx context.Context) {
	interval := s.StatusInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		s.mu.Lock()
		lastImmediate := s.stats.LastImmediateAt
		s.mu.Unlock()
		if time.Since(lastImmediate) < interval {
			continue
		}

		batch, err := s.fallbackBatch(ctx)
		if err != nil {
			slog.Error("fallback upload state list failed", "error", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		s.attachOutdoorTemp(batch)

		err = s.Client.UploadStatus(ctx, StatusUpload{
			Timestamp:      time.Now().UTC(),
			Thermostats:    batch,
			FallbackUpload: true,
		})
		s.observe("status_fallback", err)
		s.mu.Lock()
		if err != nil {
			s.stats.UploadFailures++
			s.mu.Unlock()
			slog.Warn("fallback status upload failed", "error", err)
			continue
		}
		s.stats.FallbackUploads++
		s.stats.TotalStatusUpdates += len(batch)
		s.stats.LastFallbackAt = time.Now().UTC()
		s.mu.Unlock()

		if err := s.Store.AdvanceCheckpoint(ctx, model.CheckpointStatusUpload, time.Now().UTC()); err != nil {
			slog.Warn("status checkpoint update failed", "error", err)
		}
	}
}

// fallbackBatch snapshots the current state of every enabled device.
// Disabled devices are left out even when an old state row still exists,
// and a device whose last poll failed is reported as such.
func (s *Service) fallbackBatch(ctx context.Context) ([]ThermostatStatus, error) {
	devices, err := s.Store.ListEnabledDevices(ctx)
	if err != nil {
		return nil, err
	}
	states, err := s.Store.ListCurrentStates(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]bool, len(devices))
	for _, d := range devices {
		enabled[d.ID.String()] = true
	}

	batch := make([]ThermostatStatus, 0, len(states))
	for _, st := range states {
		id := st.DeviceID.String()
		if !enabled[id] {
			continue
		}
		batch = append(batch, ThermostatStatus{
			ThermostatID:    id,
			Temp:            st.Temp,
			TMode:           st.TMode,
			THeat:           st.THeat,
			TState:          st.TState,
			Hold:            st.Hold,
			Override:        st.Override,
			LastPollSuccess: st.LastError == "",
			LocalTemp:       st.LocalTemp,
		})
	}
	return batch, nil
}

// minuteLoop uploads rolled-up minutes past the checkpoint. The checkpoint
// only advances after every batch of a cycle lands, so a mid-cycle failure
// re-sends the whole window next time.
func (s *Service) minuteLoop(ctx context.Context) {
	interval := s.MinuteInterval
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		s.UploadMinutes(ctx)
	}
}

// UploadMinutes runs one minute-upload cycle. Exported so tests and the
// local API can trigger it directly.
func (s *Service) UploadMinutes(ctx context.Context) {
	checkpoint, err := s.Store.GetCheckpoint(ctx, model.CheckpointMinuteUpload)
	if err != nil {
		slog.Error("minute checkpoint read failed", "error", err)
		return
	}
	rows, err := s.Store.ListMinuteReadingsAfter(ctx, checkpoint, 0)
	if err != nil {
		slog.Error("minute reading list failed", "error", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	records := make([]MinuteRecord, len(rows))
	latest := checkpoint
	for i, r := range rows {
		records[i] = MinuteRecord{
			ThermostatID:       r.DeviceID.String(),
			MinuteTS:           r.MinuteTS,
			TempAvg:            r.AvgTemp,
			THeatLast:          r.THeat,
			TModeLast:          r.TMode,
			HVACRuntimePercent: r.HVACRuntimePercent,
			PollCount:          r.SampleCount,
			PollFailures:       r.PollFailures,
			LocalTempAvg:       r.LocalTempAvg,
		}
		if r.MinuteTS.After(latest) {
			latest = r.MinuteTS
		}
	}

	maxBatch := s.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 100
	}
	for i := 0; i < len(records); i += maxBatch {
		end := i + maxBatch
		if end > len(records) {
			end = len(records)
		}
		if err := s.Client.UploadMinutes(ctx, records[i:end]); err != nil {
			s.observe("minute", err)
			s.mu.Lock()
			s.stats.UploadFailures++
			s.mu.Unlock()
			slog.Warn("minute upload failed, checkpoint not advanced", "checkpoint", checkpoint, "error", err)
			return
		}
	}

	s.observe("minute", nil)
	if err := s.Store.AdvanceCheckpoint(ctx, model.CheckpointMinuteUpload, latest); err != nil {
		slog.Error("minute checkpoint advance failed", "error", err)
		return
	}
	s.mu.Lock()
	s.stats.MinuteUploads++
	s.stats.LastMinuteAt = time.Now().UTC()
	s.mu.Unlock()
	slog.Info("minute upload complete", "records", len(records), "checkpoint", latest)
}

func (s *Service) commandLoop(ctx context.Context) {
	interval := s.CommandInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		commands, err := s.Client.FetchCommands(ctx)
		if err != nil {
			slog.Warn("command poll failed", "error", err)
			continue
		}
		s.mu.Lock()
		s.stats.CommandPolls++
		s.mu.Unlock()
		if len(commands) == 0 {
			continue
		}
		slog.Info("commands received", "count", len(commands))

		for _, cmd := range commands {
			if s.Handler == nil {
				s.QueueAck(Ack{CmdID: cmd.CmdID, Success: false, ErrorMessage: "command executor not available"})
				continue
			}
			s.Handler(ctx, cmd)
		}
		if err := s.Store.AdvanceCheckpoint(ctx, model.CheckpointCommandPoll, time.Now().UTC()); err != nil {
			slog.Warn("command checkpoint update failed", "error", err)
		}
	}
}

// ackLoop flushes queued command results. On failure the acks are kept for
// the next attempt, but the queue is trimmed to the newest entries once it
// grows past the high-water mark.
func (s *Service) ackLoop(ctx context.Context) {
	interval := s.AckInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			s.FlushAcks(ctx)
			return
		case <-time.After(interval):
		}
		s.FlushAcks(ctx)
	}
}

// FlushAcks sends all queued acks in one batch.
func (s *Service) FlushAcks(ctx context.Context) {
	s.mu.Lock()
	if len(s.acks) == 0 {
		s.mu.Unlock()
		return
	}
	batch := make([]Ack, len(s.acks))
	copy(batch, s.acks)
	s.mu.Unlock()

	err := s.Client.UploadResults(ctx, batch)
	s.observe("ack", err)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		slog.Warn("command ack upload failed", "count", len(batch), "error", err)
		if len(s.acks) > ackQueueHighWater {
			s.acks = append([]Ack(nil), s.acks[len(s.acks)-ackQueueKeep:]...)
			slog.Warn("command ack queue trimmed", "kept", ackQueueKeep)
		}
		return
	}
	// Drop only what was sent; new acks may have arrived meanwhile.
	s.acks = append([]Ack(nil), s.acks[len(batch):]...)
	s.stats.CommandAcks += len(batch)
	slog.Debug("command acks sent", "count", len(batch))
}

func (s *Service) observe(kind string, err error) {
	if s.Observe != nil {
		s.Observe(kind, err)
	}
}

func (s *Service) attachOutdoorTemp(batch []ThermostatStatus) {
	if s.Weather == nil {
		return
	}
	temp, ok := s.Weather.OutdoorTemp()
	if !ok {
		return
	}
	for i := range batch {
		batch[i].LocalTemp = &temp
	}
}
