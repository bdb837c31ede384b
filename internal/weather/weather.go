package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Source labels for Current().
const (
	SourceLive     = "live"
	SourceCached   = "cached"
	SourceFallback = "fallback"
)

type httpStatusError struct {
	status int
	body   string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("weather API returned status %d", e.status)
	}
	return fmt.Sprintf("weather API returned status %d: %s", e.status, e.body)
}

// isPermanentFailure reports errors that retrying cannot fix: a bad API key
// or an unknown zip code.
func isPermanentFailure(err error) bool {
	var se httpStatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.status == http.StatusUnauthorized || se.status == http.StatusNotFound
}

// Reading is a cached outdoor temperature observation.
type Reading struct {
	TempF       float64   `json:"temp_f"`
	Conditions  string    `json:"conditions,omitempty"`
	Humidity    int       `json:"humidity,omitempty"`
	Source      string    `json:"source"`
	ObservedAt  time.Time `json:"observed_at"`
	FetchedAt   time.Time `json:"fetched_at"`
	AgeSeconds  float64   `json:"age_seconds"`
	ZipCode     string    `json:"zip_code"`
	LastError   string    `json:"last_error,omitempty"`
	FetchCount  int       `json:"fetch_count"`
	ErrorCount  int       `json:"error_count"`
	NextRefresh time.Time `json:"next_refresh"`
}

// Service fetches outdoor temperature from OpenWeatherMap on a fixed
// interval and serves the cached value in between. When the API is down it
// keeps serving the last good reading, then the configured fallback.
type Service struct {
	apiKey         string
	zip            string
	baseURL        string
	updateInterval time.Duration
	fallbackTemp   float64
	retryAttempts  int
	retryBase      time.Duration
	httpClient     *http.Client

	mu         sync.Mutex
	current    *Reading
	lastError  string
	fetchCount int
	errorCount int
	nextAt     time.Time
}

func New(apiKey, zip string, updateInterval time.Duration, fallbackTemp float64, retryAttempts int, retryBase time.Duration) *Service {
	if updateInterval <= 0 {
		updateInterval = 10 * time.Minute
	}
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Service{
		apiKey:         apiKey,
		zip:            zip,
		baseURL:        "https://api.openweathermap.org",
		updateInterval: updateInterval,
		fallbackTemp:   fallbackTemp,
		retryAttempts:  retryAttempts,
		retryBase:      retryBase,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Enabled reports whether the collector has credentials to run.
func (s *Service) Enabled() bool { return s.apiKey != "" && s.zip != "" }

// Run refreshes on the configured interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.Enabled() {
		slog.Info("weather collector disabled, no api key or zip configured")
		return
	}
	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.updateInterval):
			s.Refresh(ctx)
		}
	}
}

// Refresh fetches a new observation, retrying transient failures with
// exponential backoff. Auth and not-found failures abort immediately.
func (s *Service) Refresh(ctx context.Context) {
	var lastErr error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := s.retryBase * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		reading, err := s.fetch(ctx)
		if err == nil {
			s.mu.Lock()
			s.current = reading
			s.lastError = ""
			s.fetchCount++
			s.nextAt = time.Now().Add(s.updateInterval)
			s.mu.Unlock()
			slog.Debug("outdoor temperature updated", "temp_f", reading.TempF, "zip", s.zip)
			return
		}
		lastErr = err
		if isPermanentFailure(err) {
			break
		}
	}

	s.mu.Lock()
	s.lastError = lastErr.Error()
	s.errorCount++
	s.nextAt = time.Now().Add(s.updateInterval)
	s.mu.Unlock()
	slog.Warn("weather refresh failed", "zip", s.zip, "error", lastErr)
}

func (s *Service) fetch(ctx context.Context) (*Reading, error) {
	u := fmt.Sprintf("%s/data/2.5/weather?zip=%s,US&appid=%s&units=imperial",
		s.baseURL, url.QueryEscape(s.zip), s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpStatusError{status: resp.StatusCode}
	}

	var body struct {
		Main struct {
			Temp     float64 `json:"temp"`
			Humidity int     `json:"humidity"`
		} `json:"main"`
		Weather []struct {
			Description string `json:"description"`
		} `json:"weather"`
		DT int64 `json:"dt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode weather response: %w", err)
	}

	now := time.Now().UTC()
	r := &Reading{
		TempF:      body.Main.Temp,
		Humidity:   body.Main.Humidity,
		Source:     SourceLive,
		ObservedAt: time.Unix(body.DT, 0).UTC(),
		FetchedAt:  now,
		ZipCode:    s.zip,
	}
	if len(body.Weather) > 0 {
		r.Conditions = body.Weather[0].Description
	}
	return r, nil
}

// Current returns the best available outdoor reading. A stale cache entry
// is still served (marked cached); with no successful fetch at all the
// configured fallback temperature is returned.
func (s *Service) Current() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return Reading{
			TempF:       s.fallbackTemp,
			Source:      SourceFallback,
			ZipCode:     s.zip,
			LastError:   s.lastError,
			FetchCount:  s.fetchCount,
			ErrorCount:  s.errorCount,
			NextRefresh: s.nextAt,
		}
	}

	r := *s.current
	age := time.Since(r.FetchedAt)
	r.AgeSeconds = age.Seconds()
	if age > s.updateInterval {
		r.Source = SourceCached
	}
	r.LastError = s.lastError
	r.FetchCount = s.fetchCount
	r.ErrorCount = s.errorCount
	r.NextRefresh = s.nextAt
	return r
}

// OutdoorTemp returns just the temperature, for attaching to uploads. The
// bool is false when only the fallback is available.
func (s *Service) OutdoorTemp() (float64, bool) {
	r := s.Current()
	return r.TempF, r.Source != SourceFallback
}
