package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/TiM00R/ThermostatLocalServer/internal/model"
)

// Client talks to the central service over HTTPS. Every request carries the
// site token in X-Site-Token and targets /api/v1/sites/{site_id}/...
type Client struct {
	baseURL    string
	siteID     string
	token      string
	httpClient *http.Client

	retryAttempts int
	retryDelay    time.Duration
}

// StatusError is a non-2xx answer from the central service.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sync server returned status %d", e.Status)
	}
	return fmt.Sprintf("sync server returned status %d: %s", e.Status, e.Body)
}

func NewClient(baseURL, siteID, token string, timeout time.Duration, retryAttempts int, retryDelay time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		siteID:        siteID,
		token:         token,
		httpClient:    &http.Client{Timeout: timeout},
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
}

// Wire types.

type DeviceRegistration struct {
	ThermostatID string  `json:"thermostat_id"`
	IP           string  `json:"ip"`
	Name         string  `json:"name"`
	Model        string  `json:"model"`
	APIVersion   string  `json:"api_version,omitempty"`
	FWVersion    string  `json:"fw_version,omitempty"`
	AwayTemp     float64 `json:"away_temp"`
}

type ThermostatStatus struct {
	ThermostatID    string   `json:"thermostat_id"`
	Temp            float64  `json:"temp"`
	TMode           int      `json:"tmode"`
	THeat           *float64 `json:"t_heat,omitempty"`
	TState          int      `json:"tstate"`
	Hold            int      `json:"hold"`
	Override        int      `json:"override"`
	LastPollSuccess bool     `json:"last_poll_success"`
	ChangeType      string   `json:"change_type,omitempty"`
	LocalTemp       *float64 `json:"local_temp,omitempty"`
}

type StatusUpload struct {
	SiteID         string             `json:"site_id"`
	Timestamp      time.Time          `json:"timestamp"`
	Thermostats    []ThermostatStatus `json:"thermostats"`
	Immediate      bool               `json:"immediate,omitempty"`
	FallbackUpload bool               `json:"fallback_upload,omitempty"`
}

type MinuteRecord struct {
	ThermostatID       string    `json:"thermostat_id"`
	MinuteTS           time.Time `json:"minute_ts"`
	TempAvg            float64   `json:"temp_avg"`
	THeatLast          *float64  `json:"t_heat_last,omitempty"`
	TModeLast          int       `json:"tmode_last"`
	HVACRuntimePercent float64   `json:"hvac_runtime_percent"`
	PollCount          int       `json:"poll_count"`
	PollFailures       int       `json:"poll_failures"`
	LocalTempAvg       *float64  `json:"local_temp_avg,omitempty"`
}

type Command struct {
	CmdID          string         `json:"cmd_id"`
	Command        string         `json:"command"`
	ThermostatID   string         `json:"thermostat_id,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

type Ack struct {
	CmdID        string         `json:"cmd_id"`
	Success      bool           `json:"success"`
	ExecutedAt   time.Time      `json:"executed_at"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ResponseData map[string]any `json:"response_data,omitempty"`
}

type ProgressReport struct {
	SiteID               string  `json:"site_id"`
	CommandID            string  `json:"command_id"`
	Status               string  `json:"status"`
	Progress             any     `json:"progress"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds,omitempty"`
}

func (c *Client) RegisterDevices(ctx context.Context, devices []model.Thermostat) error {
	regs := make([]DeviceRegistration, len(devices))
	for i, d := range devices {
		regs[i] = DeviceRegistration{
			ThermostatID: d.ID.String(),
			IP:           d.IP,
			Name:         d.Name,
			Model:        d.Model,
			APIVersion:   d.APIVersion,
			FWVersion:    d.FWVersion,
			AwayTemp:     d.AwayTemp,
		}
	}
	payload := map[string]any{"site_id": c.siteID, "thermostats": regs}
	return c.post(ctx, "/thermostats/register", payload, nil)
}

func (c *Client) UploadStatus(ctx context.Context, upload StatusUpload) error {
	upload.SiteID = c.siteID
	if upload.Timestamp.IsZero() {
		upload.Timestamp = time.Now().UTC()
	}
	return c.post(ctx, "/status", upload, nil)
}

func (c *Client) UploadMinutes(ctx context.Context, records []MinuteRecord) error {
	payload := map[string]any{"site_id": c.siteID, "minute_readings": records}
	return c.post(ctx, "/minute", payload, nil)
}

// FetchCommands returns pending commands. A 404 means none are queued.
func (c *Client) FetchCommands(ctx context.Context) ([]Command, error) {
	var out struct {
		Commands []Command `json:"commands"`
	}
	err := c.get(ctx, "/commands/pending", &out)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return out.Commands, nil
}

func (c *Client) UploadResults(ctx context.Context, acks []Ack) error {
	payload := map[string]any{"site_id": c.siteID, "results": acks}
	return c.post(ctx, "/commands/results", payload, nil)
}

func (c *Client) UploadProgress(ctx context.Context, report ProgressReport) error {
	report.SiteID = c.siteID
	return c.post(ctx, "/commands/progress", report, nil)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.doWithRetry(ctx, http.MethodPost, path, body, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.doWithRetry(ctx, http.MethodGet, path, nil, out)
}

// doWithRetry applies the upload retry policy: transport errors and 5xx are
// retried with a fixed delay, 429 with a delay that grows per attempt, and
// any other 4xx fails immediately because retrying cannot change the answer.
func (c *Client) doWithRetry(ctx context.Context, method, path string, body []byte, out any) error {
	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) {
			switch {
			case se.Status == http.StatusTooManyRequests:
				if !sleepCtx(ctx, c.retryDelay*time.Duration(attempt+1)) {
					return ctx.Err()
				}
				continue
			case se.Status >= 400 && se.Status < 500:
				return err
			}
		}
		if !sleepCtx(ctx, c.retryDelay) {
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	url := c.baseURL + "/api/v1/sites/" + c.siteID + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Site-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
