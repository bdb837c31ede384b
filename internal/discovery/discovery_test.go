package discovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
	"github.com/TiM00R/ThermostatLocalServer/internal/store"
	"github.com/TiM00R/ThermostatLocalServer/internal/tstat"
)

func TestParseNotify(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantIP  string
		wantOK  bool
	}{
		{
			"with location",
			"TYPE: WM-NOTIFY\nVERSION: 1.0\nSERVICES: com.rtcoa.tstat:1.0\nLOCATION: http://192.168.1.50/sys/",
			"192.168.1.50", true,
		},
		{
			"location with port",
			"TYPE: WM-NOTIFY\nLOCATION: http://192.168.1.51:80/sys/",
			"192.168.1.51", true,
		},
		{"wrong type", "TYPE: WM-DISCOVER\nLOCATION: http://192.168.1.50/", "", false},
		{"no location", "TYPE: WM-NOTIFY\nVERSION: 1.0", "", false},
		{"garbage location", "TYPE: WM-NOTIFY\nLOCATION: http://not-an-ip/", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ip, ok := ParseNotify(tc.payload)
			if ok != tc.wantOK || ip != tc.wantIP {
				t.Fatalf("ParseNotify = (%q, %v), want (%q, %v)", ip, ok, tc.wantIP, tc.wantOK)
			}
		})
	}
}

func TestExpandRanges(t *testing.T) {
	ips, err := ExpandRanges([]string{"192.168.1.10-192.168.1.12", "10.0.0.1"})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	want := []string{"192.168.1.10", "192.168.1.11", "192.168.1.12", "10.0.0.1"}
	if len(ips) != len(want) {
		t.Fatalf("got %v, want %v", ips, want)
	}
	for i := range want {
		if ips[i] != want[i] {
			t.Fatalf("got %v, want %v", ips, want)
		}
	}
}

func TestExpandRangesCIDRExcludesNetworkAndBroadcast(t *testing.T) {
	ips, err := ExpandRanges([]string{"192.168.1.0/30"})
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(ips) != 2 || ips[0] != "192.168.1.1" || ips[1] != "192.168.1.2" {
		t.Fatalf("got %v", ips)
	}
}

func TestExpandRangesRejectsBadInput(t *testing.T) {
	for _, bad := range []string{"192.168.1.50-192.168.1.10", "not-an-ip", "10.0.0.0/7"} {
		if _, err := ExpandRanges([]string{bad}); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

type fakeDevice struct {
	uuid  string
	name  string
	model string
}

type fakeClient struct {
	devices map[string]fakeDevice // ip -> device
}

func (f *fakeClient) SysInfo(ctx context.Context, ip string) (*tstat.SysInfo, error) {
	d, ok := f.devices[ip]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return &tstat.SysInfo{UUID: d.uuid, APIVersion: "113", FWVersion: "1.04.84"}, nil
}

func (f *fakeClient) Name(ctx context.Context, ip string) (string, error) {
	d, ok := f.devices[ip]
	if !ok {
		return "", errors.New("connection refused")
	}
	return d.name, nil
}

func (f *fakeClient) Model(ctx context.Context, ip string) (string, error) {
	d, ok := f.devices[ip]
	if !ok {
		return "", errors.New("connection refused")
	}
	return d.model, nil
}

func (f *fakeClient) Status(ctx context.Context, ip string) (*tstat.Status, error) {
	if _, ok := f.devices[ip]; !ok {
		return nil, errors.New("connection refused")
	}
	return &tstat.Status{Temp: 68}, nil
}

func openTestStore(t *testing.T) *store.Repository {
	t.Helper()
	dsn := "file:discovery_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo
}

func TestDiscoveryMergesByUUIDNotIP(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	if err := repo.RegisterDevice(ctx, &model.Thermostat{ID: id, IP: "192.168.1.50", Name: "Hall", Enabled: true}); err != nil {
		t.Fatalf("register: %v", err)
	}

	// The device now answers from a different IP.
	client := &fakeClient{devices: map[string]fakeDevice{
		"192.168.1.77": {uuid: id.String(), name: "Hall", model: "CT50"},
	}}
	svc := &Service{Store: repo, Client: client, RequestTimeout: time.Second}

	dev, isNew, err := svc.qualify(ctx, "192.168.1.77")
	if err != nil {
		t.Fatalf("qualify: %v", err)
	}
	if isNew {
		t.Fatalf("moved device reported as new")
	}
	if dev.ID != id {
		t.Fatalf("wrong identity: %s", dev.ID)
	}

	devices, err := repo.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("device duplicated across IPs: %d rows", len(devices))
	}
	if devices[0].IP != "192.168.1.77" {
		t.Fatalf("IP not updated: %s", devices[0].IP)
	}
}

func TestDiscoveryRegistersNewDeviceWithBareUUID(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	bare := strings.ReplaceAll(id.String(), "-", "")

	client := &fakeClient{devices: map[string]fakeDevice{
		"192.168.1.60": {uuid: bare, name: "Bedroom", model: "CT50"},
	}}
	svc := &Service{Store: repo, Client: client, RequestTimeout: time.Second}

	dev, isNew, err := svc.qualify(ctx, "192.168.1.60")
	if err != nil {
		t.Fatalf("qualify: %v", err)
	}
	if !isNew {
		t.Fatalf("expected new device")
	}
	if dev.ID != id {
		t.Fatalf("bare uuid not normalized: %s", dev.ID)
	}
	if dev.AwayTemp != defaultAwayTempF {
		t.Fatalf("expected default away temp, got %v", dev.AwayTemp)
	}
}

func TestRunReprobesAndReportsPhases(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	if err := repo.RegisterDevice(ctx, &model.Thermostat{ID: id, IP: "192.168.1.50", Name: "Hall", Enabled: true}); err != nil {
		t.Fatalf("register: %v", err)
	}

	client := &fakeClient{devices: map[string]fakeDevice{
		"192.168.1.50": {uuid: id.String(), name: "Hall", model: "CT50"},
	}}
	svc := &Service{Store: repo, Client: client, RequestTimeout: time.Second}

	res, err := svc.Run(ctx, Options{UDP: false, TCPScan: false})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Devices) != 1 || res.NewCount != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	byPhase := make(map[string]PhaseProgress)
	for _, p := range res.Progress.PhaseHistory {
		byPhase[p.Phase] = p
	}
	if byPhase[PhaseDatabase].Status != StatusCompleted {
		t.Fatalf("database phase: %+v", byPhase[PhaseDatabase])
	}
	if byPhase[PhaseUDP].Status != StatusSkipped || byPhase[PhaseTCP].Status != StatusSkipped {
		t.Fatalf("expected skipped phases: %+v", res.Progress.PhaseHistory)
	}
	if byPhase[PhaseDatabase].DevicesFound != 1 {
		t.Fatalf("database phase devices_found = %d", byPhase[PhaseDatabase].DevicesFound)
	}
}

func TestTCPFallbackRunsWhenNothingElseFound(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()

	client := &fakeClient{devices: map[string]fakeDevice{
		"192.168.1.61": {uuid: id.String(), name: "Attic", model: "CT50"},
	}}
	svc := &Service{Store: repo, Client: client, RequestTimeout: time.Second, TCPConcurrent: 2}

	// TCP scan not requested, but with an empty database and no multicast
	// answers the configured ranges are the only way in.
	res, err := svc.Run(ctx, Options{
		UDP:      false,
		TCPScan:  false,
		IPRanges: []string{"192.168.1.60-192.168.1.65"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Devices) != 1 || res.NewCount != 1 {
		t.Fatalf("fallback scan missed the device: %+v", res)
	}

	byPhase := make(map[string]PhaseProgress)
	for _, p := range res.Progress.PhaseHistory {
		byPhase[p.Phase] = p
	}
	if byPhase[PhaseTCP].Status != StatusCompleted {
		t.Fatalf("tcp phase did not run: %+v", byPhase[PhaseTCP])
	}
}

func TestTCPPhaseStaysOffWhenFastPhaseDelivers(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	if err := repo.RegisterDevice(ctx, &model.Thermostat{ID: id, IP: "192.168.1.50", Name: "Hall", Enabled: true}); err != nil {
		t.Fatalf("register: %v", err)
	}

	client := &fakeClient{devices: map[string]fakeDevice{
		"192.168.1.50": {uuid: id.String(), name: "Hall", model: "CT50"},
	}}
	svc := &Service{Store: repo, Client: client, RequestTimeout: time.Second}

	res, err := svc.Run(ctx, Options{
		UDP:      false,
		TCPScan:  false,
		IPRanges: []string{"192.168.1.60-192.168.1.65"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	byPhase := make(map[string]PhaseProgress)
	for _, p := range res.Progress.PhaseHistory {
		byPhase[p.Phase] = p
	}
	if byPhase[PhaseTCP].Status != StatusSkipped {
		t.Fatalf("tcp phase ran despite devices found: %+v", byPhase[PhaseTCP])
	}
}

func TestPerRunProgressCallback(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	if err := repo.RegisterDevice(ctx, &model.Thermostat{ID: id, IP: "192.168.1.50", Enabled: true}); err != nil {
		t.Fatalf("register: %v", err)
	}
	client := &fakeClient{devices: map[string]fakeDevice{
		"192.168.1.50": {uuid: id.String()},
	}}

	var serviceCalls, runCalls int
	var final Progress
	svc := &Service{
		Store:          repo,
		Client:         client,
		RequestTimeout: time.Second,
		OnProgress:     func(p Progress) { serviceCalls++ },
	}
	if _, err := svc.Run(ctx, Options{OnProgress: func(p Progress) {
		runCalls++
		final = p
	}}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if runCalls == 0 || serviceCalls == 0 {
		t.Fatalf("callbacks not invoked: run=%d service=%d", runCalls, serviceCalls)
	}
	if final.Running {
		t.Fatalf("last snapshot still running: %+v", final)
	}
}

func TestRunPeriodicRescansUntilCancelled(t *testing.T) {
	repo := openTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	id := uuid.New()
	if err := repo.RegisterDevice(ctx, &model.Thermostat{ID: id, IP: "192.168.1.50", Enabled: true}); err != nil {
		t.Fatalf("register: %v", err)
	}

	client := &fakeClient{devices: map[string]fakeDevice{
		"192.168.1.50": {uuid: id.String()},
	}}
	svc := &Service{Store: repo, Client: client, RequestTimeout: time.Second}

	svc.RunPeriodic(ctx, 20*time.Millisecond, Options{UDP: false})

	snap := svc.Snapshot()
	if len(snap.PhaseHistory) == 0 {
		t.Fatal("periodic loop never ran a pass")
	}
	dev, err := repo.GetDevice(context.Background(), id)
	if err != nil || dev == nil {
		t.Fatalf("device lost after rescans: %v", err)
	}
}

func TestRunRejectsConcurrentPasses(t *testing.T) {
	repo := openTestStore(t)
	svc := &Service{Store: repo, Client: &fakeClient{devices: map[string]fakeDevice{}}, RequestTimeout: time.Second}

	svc.mu.Lock()
	svc.running = true
	svc.mu.Unlock()

	if _, err := svc.Run(context.Background(), Options{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}
