package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
	"github.com/TiM00R/ThermostatLocalServer/internal/store"
)

type recordingServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	fail     map[string]int // path suffix -> status to return
}

type recordedRequest struct {
	Path string
	Body map[string]json.RawMessage
}

func (rs *recordingServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		json.NewDecoder(r.Body).Decode(&body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, recordedRequest{Path: r.URL.Path, Body: body})
		status := 0
		for suffix, code := range rs.fail {
			if strings.HasSuffix(r.URL.Path, suffix) {
				status = code
			}
		}
		rs.mu.Unlock()
		if status != 0 {
			http.Error(w, "induced failure", status)
			return
		}
		w.Write([]byte(`{}`))
	})
}

func (rs *recordingServer) count(suffix string) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	n := 0
	for _, req := range rs.requests {
		if strings.HasSuffix(req.Path, suffix) {
			n++
		}
	}
	return n
}

func openTestStore(t *testing.T) *store.Repository {
	t.Helper()
	dsn := "file:syncer_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
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

func newTestService(t *testing.T, rs *recordingServer, repo *store.Repository) *Service {
	t.Helper()
	srv := httptest.NewServer(rs.handler())
	t.Cleanup(srv.Close)
	return &Service{
		Client: NewClient(srv.URL, "site-1", "tok", time.Second, 1, time.Millisecond),
		Store:  repo,
	}
}

func TestUploadMinutesAdvancesCheckpointOnlyOnSuccess(t *testing.T) {
	rs := &recordingServer{fail: map[string]int{"/minute": http.StatusInternalServerError}}
	repo := openTestStore(t)
	svc := newTestService(t, rs, repo)
	ctx := context.Background()

	id := uuid.New()
	m1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m2 := m1.Add(time.Minute)
	for _, m := range []time.Time{m1, m2} {
		if err := repo.UpsertMinuteReading(ctx, &model.MinuteReading{DeviceID: id, MinuteTS: m, AvgTemp: 68, SampleCount: 8}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	svc.UploadMinutes(ctx)
	cp, _ := repo.GetCheckpoint(ctx, model.CheckpointMinuteUpload)
	if !cp.IsZero() {
		t.Fatalf("checkpoint advanced despite failure: %v", cp)
	}

	rs.mu.Lock()
	rs.fail = nil
	rs.mu.Unlock()

	svc.UploadMinutes(ctx)
	cp, _ = repo.GetCheckpoint(ctx, model.CheckpointMinuteUpload)
	if !cp.Equal(m2) {
		t.Fatalf("checkpoint = %v, want %v", cp, m2)
	}

	// Nothing new: no upload and checkpoint stays put.
	before := rs.count("/minute")
	svc.UploadMinutes(ctx)
	if rs.count("/minute") != before {
		t.Fatalf("empty cycle still uploaded")
	}
	cp, _ = repo.GetCheckpoint(ctx, model.CheckpointMinuteUpload)
	if !cp.Equal(m2) {
		t.Fatalf("checkpoint moved on empty cycle: %v", cp)
	}
}

func TestUploadMinutesCarriesOutdoorTempAndFailures(t *testing.T) {
	rs := &recordingServer{}
	repo := openTestStore(t)
	svc := newTestService(t, rs, repo)
	ctx := context.Background()

	outdoor := 41.2
	mr := &model.MinuteReading{
		DeviceID:     uuid.New(),
		MinuteTS:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		AvgTemp:      68,
		SampleCount:  8,
		PollFailures: 3,
		LocalTempAvg: &outdoor,
	}
	if err := repo.UpsertMinuteReading(ctx, mr); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc.UploadMinutes(ctx)

	rs.mu.Lock()
	defer rs.mu.Unlock()
	var records []map[string]any
	for _, req := range rs.requests {
		if strings.HasSuffix(req.Path, "/minute") {
			if err := json.Unmarshal(req.Body["minute_readings"], &records); err != nil {
				t.Fatalf("decode minute payload: %v", err)
			}
		}
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 uploaded record, got %d", len(records))
	}
	if v, ok := records[0]["local_temp_avg"]; !ok || v.(float64) != 41.2 {
		t.Fatalf("uploaded record missing outdoor temperature: %v", records[0])
	}
	if v, ok := records[0]["poll_failures"]; !ok || v.(float64) != 3 {
		t.Fatalf("uploaded record missing poll failures: %v", records[0])
	}
	if v, ok := records[0]["poll_count"]; !ok || v.(float64) != 8 {
		t.Fatalf("uploaded record missing poll count: %v", records[0])
	}
}

// rosterStore serves a fixed device roster and state list.
type rosterStore struct {
	devices []model.Thermostat
	states  []model.CurrentState
}

func (r rosterStore) ListDevices(ctx context.Context) ([]model.Thermostat, error) {
	return r.devices, nil
}

func (r rosterStore) ListEnabledDevices(ctx context.Context) ([]model.Thermostat, error) {
	var out []model.Thermostat
	for _, d := range r.devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r rosterStore) ListCurrentStates(ctx context.Context) ([]model.CurrentState, error) {
	return r.states, nil
}

func (r rosterStore) ListMinuteReadingsAfter(ctx context.Context, after time.Time, limit int) ([]model.MinuteReading, error) {
	return nil, nil
}

func (r rosterStore) GetCheckpoint(ctx context.Context, name string) (time.Time, error) {
	return time.Time{}, nil
}

func (r rosterStore) AdvanceCheckpoint(ctx context.Context, name string, ts time.Time) error {
	return nil
}

func TestFallbackBatchFiltersDisabledAndReportsPollHealth(t *testing.T) {
	healthy := uuid.New()
	retired := uuid.New()
	failing := uuid.New()
	outdoor := 39.5
	svc := &Service{Store: rosterStore{
		devices: []model.Thermostat{
			{ID: healthy, Enabled: true},
			{ID: retired, Enabled: false},
			{ID: failing, Enabled: true},
		},
		states: []model.CurrentState{
			{DeviceID: healthy, Temp: 68, LocalTemp: &outdoor},
			{DeviceID: retired, Temp: 70},
			{DeviceID: failing, Temp: 65, LastError: "connection refused"},
		},
	}}

	batch, err := svc.fallbackBatch(context.Background())
	if err != nil {
		t.Fatalf("fallback batch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 statuses, got %d: %+v", len(batch), batch)
	}
	byID := make(map[string]ThermostatStatus, len(batch))
	for _, st := range batch {
		byID[st.ThermostatID] = st
	}
	if _, ok := byID[retired.String()]; ok {
		t.Fatalf("disabled device included in fallback batch")
	}
	if st := byID[healthy.String()]; !st.LastPollSuccess || st.LocalTemp == nil || *st.LocalTemp != 39.5 {
		t.Fatalf("healthy device misreported: %+v", st)
	}
	if st := byID[failing.String()]; st.LastPollSuccess {
		t.Fatalf("failing device reported as healthy: %+v", st)
	}
}

func TestUploadMinutesBatches(t *testing.T) {
	rs := &recordingServer{}
	repo := openTestStore(t)
	svc := newTestService(t, rs, repo)
	svc.MaxBatchSize = 2
	ctx := context.Background()

	id := uuid.New()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := repo.UpsertMinuteReading(ctx, &model.MinuteReading{DeviceID: id, MinuteTS: base.Add(time.Duration(i) * time.Minute), AvgTemp: 68, SampleCount: 8}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	svc.UploadMinutes(ctx)
	if got := rs.count("/minute"); got != 3 {
		t.Fatalf("expected 3 batches for 5 records at size 2, got %d", got)
	}
}

func TestFlushAcksKeepsQueueOnFailureAndTrims(t *testing.T) {
	rs := &recordingServer{fail: map[string]int{"/commands/results": http.StatusInternalServerError}}
	repo := openTestStore(t)
	svc := newTestService(t, rs, repo)
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		svc.QueueAck(Ack{CmdID: uuid.NewString(), Success: true})
	}
	svc.FlushAcks(ctx)

	svc.mu.Lock()
	kept := len(svc.acks)
	svc.mu.Unlock()
	if kept != ackQueueKeep {
		t.Fatalf("expected queue trimmed to %d, got %d", ackQueueKeep, kept)
	}

	rs.mu.Lock()
	rs.fail = nil
	rs.mu.Unlock()

	svc.FlushAcks(ctx)
	svc.mu.Lock()
	kept = len(svc.acks)
	svc.mu.Unlock()
	if kept != 0 {
		t.Fatalf("expected empty queue after successful flush, got %d", kept)
	}
	if svc.GetStats().CommandAcks != ackQueueKeep {
		t.Fatalf("ack counter = %d", svc.GetStats().CommandAcks)
	}
}

func TestImmediateFlushOnBatchSize(t *testing.T) {
	rs := &recordingServer{}
	repo := openTestStore(t)
	svc := newTestService(t, rs, repo)
	svc.ImmediateBatchSize = 3
	svc.ImmediateWindow = time.Hour // only size can trigger the flush

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.immediateLoop(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		svc.QueueChange(ThermostatStatus{ThermostatID: uuid.NewString(), Temp: 68})
	}

	deadline := time.After(2 * time.Second)
	for rs.count("/status") == 0 {
		select {
		case <-deadline:
			t.Fatalf("batch never flushed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if svc.GetStats().ImmediateUploads != 1 {
		t.Fatalf("expected 1 immediate upload, got %d", svc.GetStats().ImmediateUploads)
	}
}

func TestImmediateFlushOnWindowAge(t *testing.T) {
	rs := &recordingServer{}
	repo := openTestStore(t)
	svc := newTestService(t, rs, repo)
	svc.ImmediateBatchSize = 10
	svc.ImmediateWindow = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.immediateLoop(ctx)
		close(done)
	}()

	svc.QueueChange(ThermostatStatus{ThermostatID: uuid.NewString(), Temp: 68})

	deadline := time.After(2 * time.Second)
	for rs.count("/status") == 0 {
		select {
		case <-deadline:
			t.Fatalf("aged batch never flushed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
