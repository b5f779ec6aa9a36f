package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MEKXH/weatherhitl/internal/tracing"
)

const (
	DefaultGeocodeEndpoint  = "https://geocoding-api.open-meteo.com/v1/search"
	DefaultForecastEndpoint = "https://api.open-meteo.com/v1/forecast"
	DefaultTimeout          = 10 * time.Second

	maxResponseBytes = 256 * 1024
)

// Config configures the lookup client.
type Config struct {
	GeocodeEndpoint  string
	ForecastEndpoint string
	Timeout          time.Duration
}

// Client resolves a city to coordinates and fetches its current weather.
type Client struct {
	geocodeEndpoint  string
	forecastEndpoint string
	timeout          time.Duration
	client           *http.Client
}

// NewClient builds a client, filling unset fields with Open-Meteo defaults.
func NewClient(cfg Config) *Client {
	geocode := strings.TrimSpace(cfg.GeocodeEndpoint)
	if geocode == "" {
		geocode = DefaultGeocodeEndpoint
	}
	forecast := strings.TrimSpace(cfg.ForecastEndpoint)
	if forecast == "" {
		forecast = DefaultForecastEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		geocodeEndpoint:  geocode,
		forecastEndpoint: forecast,
		timeout:          timeout,
		client:           &http.Client{},
	}
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

// Lookup never returns a Go error: every failure is folded into the Result.
func (c *Client) Lookup(ctx context.Context, city string) Result {
	ctx, span := tracing.StartSpan(ctx, "weather.lookup")
	defer span.End()
	span.SetAttributes(tracing.StringAttr("weather.city", city))

	result := c.lookup(ctx, city)
	if !result.OK() {
		span.SetAttributes(tracing.StringAttr("weather.error", result.Error))
	}
	return result
}

func (c *Client) lookup(ctx context.Context, city string) Result {
	u, err := url.Parse(c.geocodeEndpoint)
	if err != nil {
		return fetchFailure(fmt.Errorf("invalid geocode endpoint: %w", err))
	}
	q := u.Query()
	q.Set("name", city)
	q.Set("count", "1")
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String())
	if err != nil {
		return fetchFailure(err)
	}

	var geo geocodeResponse
	if err := json.Unmarshal(body, &geo); err != nil {
		return fetchFailure(fmt.Errorf("parse geocode response: %w", err))
	}
	if len(geo.Results) == 0 {
		return Failure(fmt.Sprintf("City %s not found", city))
	}
	lat := geo.Results[0].Latitude
	lon := geo.Results[0].Longitude

	u, err = url.Parse(c.forecastEndpoint)
	if err != nil {
		return fetchFailure(fmt.Errorf("invalid forecast endpoint: %w", err))
	}
	q = u.Query()
	q.Set("latitude", fmt.Sprintf("%g", lat))
	q.Set("longitude", fmt.Sprintf("%g", lon))
	q.Set("current", "temperature_2m,weather_code")
	u.RawQuery = q.Encode()

	body, err = c.get(ctx, u.String())
	if err != nil {
		return fetchFailure(err)
	}

	var forecast Forecast
	if err := json.Unmarshal(body, &forecast); err != nil {
		return fetchFailure(fmt.Errorf("parse forecast response: %w", err))
	}
	return Result{Raw: json.RawMessage(body), Forecast: &forecast}
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "weatherhitl/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func fetchFailure(err error) Result {
	return Failure("Failed to fetch weather: " + err.Error())
}
