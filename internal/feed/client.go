package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client fetches raw GTFS-RT protobuf bytes over HTTP.
type Client struct {
	httpClient          *http.Client
	tripUpdatesURL      string
	vehiclePositionsURL string
}

func NewClient(tripUpdatesURL, vehiclePositionsURL string) *Client {
	return &Client{
		httpClient:          &http.Client{Timeout: 15 * time.Second},
		tripUpdatesURL:      tripUpdatesURL,
		vehiclePositionsURL: vehiclePositionsURL,
	}
}

func (c *Client) FetchTripUpdates(ctx context.Context) ([]byte, error) {
	return c.fetch(ctx, c.tripUpdatesURL)
}

func (c *Client) FetchVehiclePositions(ctx context.Context) ([]byte, error) {
	return c.fetch(ctx, c.vehiclePositionsURL)
}

// fetch returns nil bytes for an empty URL (allows optional feeds).
func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}
