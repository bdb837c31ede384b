package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
	"github.com/TiM00R/ThermostatLocalServer/internal/tstat"
)

const (
	dbProbeConcurrency  = 5
	tcpScanConcurrency  = 10
	defaultAwayTempF    = 50.0
	defaultQueryGap     = 3 * time.Second
	defaultPhaseTimeout = 10 * time.Second
)

// ErrAlreadyRunning is returned when a discovery run is requested while one
// is in flight.
var ErrAlreadyRunning = errors.New("discovery already running")

type Store interface {
	ListDevices(ctx context.Context) ([]model.Thermostat, error)
	GetDevice(ctx context.Context, id uuid.UUID) (*model.Thermostat, error)
	RegisterDevice(ctx context.Context, d *model.Thermostat) error
	UpdateDeviceIP(ctx context.Context, id uuid.UUID, ip string) error
	TouchSeen(ctx context.Context, id uuid.UUID) error
}

type DeviceClient interface {
	SysInfo(ctx context.Context, ip string) (*tstat.SysInfo, error)
	Name(ctx context.Context, ip string) (string, error)
	Model(ctx context.Context, ip string) (string, error)
	Status(ctx context.Context, ip string) (*tstat.Status, error)
}

// Events receives device notifications; nil disables them.
type Events interface {
	DeviceDiscovered(d *model.Thermostat, isNew bool)
}

type Options struct {
	UDP      bool
	TCPScan  bool
	IPRanges []string
	Timeout  time.Duration
	// OnProgress receives snapshots for this run only, in addition to the
	// service-wide callback.
	OnProgress func(Progress)
}

type Result struct {
	Devices  []model.Thermostat
	NewCount int
	Progress Progress
}

// Service runs the three-phase discovery pass. At most one run at a time;
// snapshots of the current (or last) run are always available.
type Service struct {
	Store          Store
	Client         DeviceClient
	Events         Events
	QueryInterval  time.Duration
	RequestTimeout time.Duration
	TCPConcurrent  int
	OnProgress     func(Progress)

	mu      sync.Mutex
	running bool
	last    *tracker
}

// Running reports whether a discovery pass is in flight.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Snapshot returns the progress of the current or most recent run.
func (s *Service) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Progress{PhaseHistory: []PhaseProgress{}}
	}
	return s.last.snapshot(s.running)
}

// Run executes a discovery pass: re-probe known devices, then UDP
// multicast, then the optional TCP range scan. Results merge by device
// UUID, so a device that moved to a new IP updates its row instead of
// creating a duplicate.
func (s *Service) Run(ctx context.Context, opts Options) (*Result, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.running = true
	progress := combineProgress(s.OnProgress, opts.OnProgress)
	tr := newTracker(progress)
	s.last = tr
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if progress != nil {
			progress(tr.snapshot(false))
		}
	}()

	if opts.Timeout <= 0 {
		opts.Timeout = defaultPhaseTimeout
	}

	found := make(map[uuid.UUID]*model.Thermostat)
	newCount := 0
	record := func(d *model.Thermostat, isNew bool) {
		if _, dup := found[d.ID]; dup {
			return
		}
		found[d.ID] = d
		if isNew {
			newCount++
		}
	}

	s.runDatabasePhase(ctx, tr, found, record)
	s.runUDPPhase(ctx, tr, opts, found, record)

	// The TCP range scan is slow, so it normally runs only on request. With
	// nothing found by the fast phases it is the last resort.
	if !opts.TCPScan && len(found) == 0 && len(opts.IPRanges) > 0 {
		slog.Warn("no devices found by known-IP or multicast phases, falling back to tcp range scan")
		opts.TCPScan = true
	}
	s.runTCPPhase(ctx, tr, opts, found, record)

	result := &Result{NewCount: newCount, Progress: tr.snapshot(false)}
	for _, d := range found {
		result.Devices = append(result.Devices, *d)
	}
	slog.Info("discovery complete", "devices", len(result.Devices), "new", newCount,
		"elapsed", fmt.Sprintf("%.1fs", result.Progress.ExecutionTimeSeconds))
	return result, ctx.Err()
}

func combineProgress(a, b func(Progress)) func(Progress) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(p Progress) {
		a(p)
		b(p)
	}
}

// RunPeriodic re-runs discovery on a fixed interval until ctx is done. A
// run already in flight, such as one requested over the local API, makes
// that tick a no-op.
func (s *Service) RunPeriodic(ctx context.Context, interval time.Duration, opts Options) {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	slog.Info("periodic discovery started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if _, err := s.Run(ctx, opts); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			slog.Warn("periodic discovery failed", "error", err)
		}
	}
}

func (s *Service) runDatabasePhase(ctx context.Context, tr *tracker, found map[uuid.UUID]*model.Thermostat, record func(*model.Thermostat, bool)) {
	tr.begin(PhaseDatabase, "re-probing known devices")
	known, err := s.Store.ListDevices(ctx)
	if err != nil {
		slog.Error("discovery device list failed", "error", err)
		tr.finish(PhaseDatabase, StatusFailed, nil)
		return
	}

	sem := make(chan struct{}, dbProbeConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ids []string

	for _, dev := range known {
		wg.Add(1)
		sem <- struct{}{}
		go func(dev model.Thermostat) {
			defer wg.Done()
			defer func() { <-sem }()
			d, isNew, err := s.qualify(ctx, dev.IP)
			if err != nil {
				slog.Debug("known device probe failed", "ip", dev.IP, "error", err)
				return
			}
			mu.Lock()
			record(d, isNew)
			ids = append(ids, d.ID.String())
			tr.update(PhaseDatabase, "re-probing known devices", append([]string(nil), ids...))
			mu.Unlock()
		}(dev)
	}
	wg.Wait()
	tr.finish(PhaseDatabase, StatusCompleted, ids)
}

func (s *Service) runUDPPhase(ctx context.Context, tr *tracker, opts Options, found map[uuid.UUID]*model.Thermostat, record func(*model.Thermostat, bool)) {
	if !opts.UDP {
		tr.finish(PhaseUDP, StatusSkipped, nil)
		return
	}
	tr.begin(PhaseUDP, "multicast query")

	gap := s.QueryInterval
	if gap <= 0 {
		gap = defaultQueryGap
	}
	ips, err := MulticastDiscover(ctx, opts.Timeout, gap)
	if err != nil && len(ips) == 0 {
		slog.Warn("multicast discovery failed", "error", err)
		tr.finish(PhaseUDP, StatusFailed, nil)
		return
	}

	knownIPs := make(map[string]struct{})
	for _, d := range found {
		knownIPs[d.IP] = struct{}{}
	}

	var ids []string
	for _, ip := range ips {
		if _, dup := knownIPs[ip]; dup {
			continue
		}
		tr.update(PhaseUDP, "qualifying "+ip, nil)
		d, isNew, err := s.qualify(ctx, ip)
		if err != nil {
			slog.Debug("multicast candidate rejected", "ip", ip, "error", err)
			continue
		}
		record(d, isNew)
		ids = append(ids, d.ID.String())
	}
	tr.finish(PhaseUDP, StatusCompleted, ids)
}

func (s *Service) runTCPPhase(ctx context.Context, tr *tracker, opts Options, found map[uuid.UUID]*model.Thermostat, record func(*model.Thermostat, bool)) {
	if !opts.TCPScan || len(opts.IPRanges) == 0 {
		tr.finish(PhaseTCP, StatusSkipped, nil)
		return
	}
	tr.begin(PhaseTCP, "expanding IP ranges")

	targets, err := ExpandRanges(opts.IPRanges)
	if err != nil {
		slog.Error("invalid discovery IP ranges", "error", err)
		tr.finish(PhaseTCP, StatusFailed, nil)
		return
	}

	knownIPs := make(map[string]struct{})
	for _, d := range found {
		knownIPs[d.IP] = struct{}{}
	}

	concurrent := s.TCPConcurrent
	if concurrent <= 0 {
		concurrent = tcpScanConcurrency
	}
	sem := make(chan struct{}, concurrent)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ids []string
	scanned := 0
	tr.scanCounts(PhaseTCP, 0, len(targets))

	for _, ip := range targets {
		if _, dup := knownIPs[ip]; dup {
			mu.Lock()
			scanned++
			mu.Unlock()
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(ip string) {
			defer wg.Done()
			defer func() { <-sem }()
			d, isNew, err := s.probe(ctx, ip)
			mu.Lock()
			scanned++
			tr.scanCounts(PhaseTCP, scanned, len(targets))
			if err == nil {
				record(d, isNew)
				ids = append(ids, d.ID.String())
				tr.update(PhaseTCP, "scanning", append([]string(nil), ids...))
			}
			mu.Unlock()
		}(ip)
	}
	wg.Wait()
	tr.scanCounts(PhaseTCP, scanned, len(targets))
	tr.finish(PhaseTCP, StatusCompleted, ids)
}

// probe does a cheap /tstat check before the full qualification, so scans
// across dead address space fail fast.
func (s *Service) probe(ctx context.Context, ip string) (*model.Thermostat, bool, error) {
	reqCtx, cancel := s.requestContext(ctx)
	defer cancel()
	if _, err := s.Client.Status(reqCtx, ip); err != nil {
		return nil, false, err
	}
	return s.qualify(ctx, ip)
}

// qualify fetches identity details from a candidate IP and reconciles it
// with the store by UUID.
func (s *Service) qualify(ctx context.Context, ip string) (*model.Thermostat, bool, error) {
	reqCtx, cancel := s.requestContext(ctx)
	defer cancel()

	info, err := s.Client.SysInfo(reqCtx, ip)
	if err != nil {
		return nil, false, err
	}
	id, err := uuid.Parse(normalizeUUID(info.UUID))
	if err != nil {
		return nil, false, fmt.Errorf("device %s reported malformed uuid %q", ip, info.UUID)
	}

	name, err := s.deviceName(ctx, ip)
	if err != nil {
		name = ""
	}
	devModel, err := s.deviceModel(ctx, ip)
	if err != nil {
		devModel = ""
	}

	existing, err := s.Store.GetDevice(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.IP != ip {
			slog.Info("thermostat moved", "device", id, "old_ip", existing.IP, "new_ip", ip)
			if err := s.Store.UpdateDeviceIP(ctx, id, ip); err != nil {
				return nil, false, err
			}
			existing.IP = ip
		}
		if err := s.Store.TouchSeen(ctx, id); err != nil {
			slog.Warn("touch seen failed", "device", id, "error", err)
		}
		if s.Events != nil {
			s.Events.DeviceDiscovered(existing, false)
		}
		return existing, false, nil
	}

	dev := &model.Thermostat{
		ID:         id,
		IP:         ip,
		Name:       name,
		Model:      devModel,
		APIVersion: info.APIVersion,
		FWVersion:  info.FWVersion,
		AwayTemp:   defaultAwayTempF,
		Enabled:    true,
	}
	if err := s.Store.RegisterDevice(ctx, dev); err != nil {
		return nil, false, err
	}
	slog.Info("thermostat registered", "device", id, "ip", ip, "name", name, "model", devModel)
	if s.Events != nil {
		s.Events.DeviceDiscovered(dev, true)
	}
	return dev, true, nil
}

func (s *Service) deviceName(ctx context.Context, ip string) (string, error) {
	reqCtx, cancel := s.requestContext(ctx)
	defer cancel()
	return s.Client.Name(reqCtx, ip)
}

func (s *Service) deviceModel(ctx context.Context, ip string) (string, error) {
	reqCtx, cancel := s.requestContext(ctx)
	defer cancel()
	return s.Client.Model(reqCtx, ip)
}

func (s *Service) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// normalizeUUID accepts both the bare 32-hex form CT50s report and the
// dashed canonical form.
func normalizeUUID(raw string) string {
	if len(raw) != 32 {
		return raw
	}
	return raw[0:8] + "-" + raw[8:12] + "-" + raw[12:16] + "-" + raw[16:20] + "-" + raw[20:32]
}
