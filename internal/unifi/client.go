package unifi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/proxwatch/internal/httpkit"
)

// ClientStation is one client from the UniFi controller's station
// list. Only the fields proxwatch uses are decoded.
type ClientStation struct {
	MAC            string `json:"mac"`
	Hostname       string `json:"hostname"`
	IsWired        bool   `json:"is_wired"`
	LastUplinkName string `json:"last_uplink_name"` // AP name
	Signal         int    `json:"signal"`           // RSSI in dBm
	LastSeen       int64  `json:"last_seen"`        // Unix timestamp
}

// Client is a UniFi Network controller API client. It implements
// [DeviceLocator].
type Client struct {
	baseURL    string
	apiKey     string
	site       string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a UniFi API client for one site. The URL should
// include the scheme and host (e.g., "https://192.168.1.1"); an empty
// site means "default". Authentication uses the X-API-KEY header. TLS
// verification is disabled because UniFi consoles use self-signed
// certificates.
func NewClient(baseURL, apiKey, site string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if site == "" {
		site = "default"
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		site:    site,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithTLSInsecureSkipVerify(),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

func (c *Client) endpoint(name string) string {
	return "/proxy/network/api/s/" + url.PathEscape(c.site) + "/stat/" + name
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("UniFi API error %d: %s", resp.StatusCode, body)
	}
	return resp, nil
}

// GetClientStations returns every client currently known to the site.
func (c *Client) GetClientStations(ctx context.Context) ([]ClientStation, error) {
	resp, err := c.get(ctx, c.endpoint("sta"))
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var envelope struct {
		Data []ClientStation `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return envelope.Data, nil
}

// Ping checks that the controller answers the site health endpoint.
// Used by connwatch for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, c.endpoint("health"))
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

// LocateDevices returns the wireless clients of the site. Wired
// clients carry no signal strength and are skipped.
func (c *Client) LocateDevices(ctx context.Context) ([]DeviceLocation, error) {
	stations, err := c.GetClientStations(ctx)
	if err != nil {
		return nil, err
	}

	locations := make([]DeviceLocation, 0, len(stations))
	for _, s := range stations {
		if s.IsWired || s.MAC == "" {
			continue
		}
		locations = append(locations, DeviceLocation{
			MAC:      s.MAC,
			APName:   s.LastUplinkName,
			Signal:   s.Signal,
			LastSeen: s.LastSeen,
		})
	}
	return locations, nil
}
