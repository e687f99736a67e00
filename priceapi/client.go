// Package priceapi is a bearer-token-authenticated HTTPS client for the
// external spot-price feed: a read-only JSON array of half-hourly intervals.
package priceapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Interval is one half-hourly price interval as returned by the price API.
type Interval struct {
	Start       time.Time `json:"start"`
	DurationSec int       `json:"duration"`
	ChannelType string    `json:"channelType"`
	PerKWh      float64   `json:"perKwh"`
	Quality     string    `json:"quality"` // "actual" | "current" | "forecast"
}

// Client fetches price intervals from the configured base URL.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	userAgent  string
}

// NewClient returns a Client for baseURL, authenticated with apiKey.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		userAgent:  "powercontrollerd/1.0",
	}
}

// FetchIntervals retrieves the intervals covering [from, to) for channel.
func (c *Client) FetchIntervals(ctx context.Context, channel string, from, to time.Time) ([]Interval, error) {
	q := url.Values{}
	q.Set("start", from.UTC().Format(time.RFC3339))
	q.Set("end", to.UTC().Format(time.RFC3339))
	q.Set("channelType", channel)
	reqURL := fmt.Sprintf("%s?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create price API request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute price API request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price API request failed with status %d: %s", resp.StatusCode, resp.Status)
	}

	var intervals []Interval
	if err := json.NewDecoder(resp.Body).Decode(&intervals); err != nil {
		return nil, fmt.Errorf("failed to decode price API response: %w", err)
	}

	return intervals, nil
}
