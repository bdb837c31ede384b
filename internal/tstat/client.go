package tstat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to RadioThermostat CT50 units over their local HTTP API.
// Addresses are bare host[:port] strings; the API is plain http.
type Client struct {
	httpClient *http.Client
}

// ErrRejected means the device answered but refused the command. The CT50
// reports acceptance as {"success":0}; any other value is a refusal even
// when the HTTP status is 200.
var ErrRejected = errors.New("device rejected command")

type httpStatusError struct {
	status int
	body   string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("device returned status %d", e.status)
	}
	return fmt.Sprintf("device returned status %d: %s", e.status, e.body)
}

// IsUnreachable reports whether err was a transport failure (refused
// connection, timeout, no route) rather than a device-level response.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	var se httpStatusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	var ue *url.Error
	return errors.As(err, &ue) || errors.Is(err, context.DeadlineExceeded)
}

func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SysInfo is the /sys response. A device that does not report a UUID cannot
// be tracked and is ignored by discovery.
type SysInfo struct {
	UUID       string `json:"uuid"`
	APIVersion string `json:"api_version"`
	FWVersion  string `json:"fw_version"`
	WLANFW     string `json:"wlan_fw_version"`
}

// Status is the /tstat response. THeat is only present while a heat target
// is set, so it stays a pointer.
type Status struct {
	Temp     float64    `json:"temp"`
	TMode    int        `json:"tmode"`
	TState   int        `json:"tstate"`
	FMode    int        `json:"fmode"`
	FState   int        `json:"fstate"`
	THeat    *float64   `json:"t_heat,omitempty"`
	Hold     int        `json:"hold"`
	Override int        `json:"override"`
	Time     *ClockTime `json:"time,omitempty"`
}

type ClockTime struct {
	Day    int `json:"day"`
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Settings is the writable subset accepted by POST /tstat.
type Settings struct {
	TMode *int     `json:"tmode,omitempty"`
	THeat *float64 `json:"t_heat,omitempty"`
	Hold  *int     `json:"hold,omitempty"`
}

func (c *Client) SysInfo(ctx context.Context, ip string) (*SysInfo, error) {
	var info SysInfo
	if err := c.getJSON(ctx, ip, "/sys", &info); err != nil {
		return nil, err
	}
	if info.UUID == "" {
		return nil, fmt.Errorf("device %s reported no uuid", ip)
	}
	return &info, nil
}

func (c *Client) Name(ctx context.Context, ip string) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	if err := c.getJSON(ctx, ip, "/sys/name", &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

func (c *Client) Model(ctx context.Context, ip string) (string, error) {
	var out struct {
		Model string `json:"model"`
	}
	if err := c.getJSON(ctx, ip, "/tstat/model", &out); err != nil {
		return "", err
	}
	return out.Model, nil
}

func (c *Client) Status(ctx context.Context, ip string) (*Status, error) {
	var st Status
	if err := c.getJSON(ctx, ip, "/tstat", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// StatusRaw fetches /tstat and returns both the decoded status and the raw
// body, so pollers can archive the exact device payload.
func (c *Client) StatusRaw(ctx context.Context, ip string) (*Status, json.RawMessage, error) {
	body, err := c.get(ctx, ip, "/tstat")
	if err != nil {
		return nil, nil, err
	}
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, nil, fmt.Errorf("decode /tstat from %s: %w", ip, err)
	}
	return &st, json.RawMessage(body), nil
}

// Apply POSTs settings to /tstat and checks the inverted success flag.
func (c *Client) Apply(ctx context.Context, ip string, s Settings) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceURL(ip, "/tstat"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return httpStatusError{status: resp.StatusCode, body: string(bytes.TrimSpace(body))}
	}

	var result struct {
		Success *int `json:"success"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode /tstat response from %s: %w", ip, err)
	}
	if result.Success == nil || *result.Success != 0 {
		return fmt.Errorf("%w: %s", ErrRejected, string(bytes.TrimSpace(body)))
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, ip, path string, out any) error {
	body, err := c.get(ctx, ip, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s from %s: %w", path, ip, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, ip, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, deviceURL(ip, path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError{status: resp.StatusCode, body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}

func deviceURL(ip, path string) string {
	return "http://" + ip + path
}
