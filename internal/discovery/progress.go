package discovery

import (
	"sync"
	"time"
)

// Phase names, in execution order.
const (
	PhaseDatabase = "database"
	PhaseUDP      = "udp_discovery"
	PhaseTCP      = "tcp_discovery"
)

// Phase statuses.
const (
	StatusWaiting    = "waiting"
	StatusInProgress = "inprogress"
	StatusCompleted  = "completed"
	StatusSkipped    = "skipped"
	StatusFailed     = "failed"
)

// PhaseProgress is one entry of the v2.0 progress protocol consumed by the
// local API and by command progress uploads.
type PhaseProgress struct {
	Phase         string   `json:"phase"`
	Status        string   `json:"status"`
	ElapsedTime   float64  `json:"elapsed_time"`
	DevicesFound  int      `json:"devices_found"`
	DeviceIDs     []string `json:"device_ids"`
	CurrentAction string   `json:"current_action,omitempty"`
	IPsScanned    *int     `json:"ips_scanned,omitempty"`
	IPsToScan     *int     `json:"ips_to_scan,omitempty"`
}

type Progress struct {
	Running              bool            `json:"running"`
	PhaseHistory         []PhaseProgress `json:"phase_history"`
	ExecutionTimeSeconds float64         `json:"execution_time_seconds"`
}

// tracker accumulates phase history for one discovery run. Safe for
// concurrent snapshots while phases execute.
type tracker struct {
	mu         sync.Mutex
	started    time.Time
	phaseStart time.Time
	phases     []PhaseProgress
	onUpdate   func(Progress)
}

func newTracker(onUpdate func(Progress)) *tracker {
	tr := &tracker{started: time.Now(), onUpdate: onUpdate}
	for _, name := range []string{PhaseDatabase, PhaseUDP, PhaseTCP} {
		tr.phases = append(tr.phases, PhaseProgress{Phase: name, Status: StatusWaiting, DeviceIDs: []string{}})
	}
	return tr
}

func (t *tracker) begin(phase, action string) {
	t.mu.Lock()
	t.phaseStart = time.Now()
	p := t.find(phase)
	p.Status = StatusInProgress
	p.CurrentAction = action
	t.mu.Unlock()
	t.notify()
}

func (t *tracker) update(phase, action string, deviceIDs []string) {
	t.mu.Lock()
	p := t.find(phase)
	p.CurrentAction = action
	p.ElapsedTime = time.Since(t.phaseStart).Seconds()
	if deviceIDs != nil {
		p.DeviceIDs = deviceIDs
		p.DevicesFound = len(deviceIDs)
	}
	t.mu.Unlock()
	t.notify()
}

func (t *tracker) scanCounts(phase string, scanned, total int) {
	t.mu.Lock()
	p := t.find(phase)
	p.IPsScanned = &scanned
	p.IPsToScan = &total
	p.ElapsedTime = time.Since(t.phaseStart).Seconds()
	t.mu.Unlock()
	t.notify()
}

func (t *tracker) finish(phase, status string, deviceIDs []string) {
	t.mu.Lock()
	p := t.find(phase)
	p.Status = status
	p.CurrentAction = ""
	if status == StatusSkipped {
		p.ElapsedTime = 0
	} else {
		p.ElapsedTime = time.Since(t.phaseStart).Seconds()
	}
	if deviceIDs != nil {
		p.DeviceIDs = deviceIDs
		p.DevicesFound = len(deviceIDs)
	}
	t.mu.Unlock()
	t.notify()
}

func (t *tracker) find(phase string) *PhaseProgress {
	for i := range t.phases {
		if t.phases[i].Phase == phase {
			return &t.phases[i]
		}
	}
	// Unknown phases get appended rather than dropped.
	t.phases = append(t.phases, PhaseProgress{Phase: phase, DeviceIDs: []string{}})
	return &t.phases[len(t.phases)-1]
}

func (t *tracker) snapshot(running bool) Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Progress{
		Running:              running,
		PhaseHistory:         make([]PhaseProgress, len(t.phases)),
		ExecutionTimeSeconds: time.Since(t.started).Seconds(),
	}
	copy(out.PhaseHistory, t.phases)
	return out
}

func (t *tracker) notify() {
	if t.onUpdate != nil {
		t.onUpdate(t.snapshot(true))
	}
}
