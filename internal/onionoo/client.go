// Package onionoo fetches the live relay roster from the Onionoo
// details API.
package onionoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/couchcryptid/relay-map-etl/internal/domain"
)

const defaultBaseURL = "https://onionoo.torproject.org"

// Client fetches currently-running relays from the Onionoo details
// endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewClient creates an Onionoo client. An empty baseURL selects the
// public Onionoo instance.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// FetchRelays returns the current relay roster. Relays whose fingerprint
// cannot be normalized or whose bandwidth carries the known-bogus
// sentinel are dropped with a warning.
func (c *Client) FetchRelays(ctx context.Context) ([]domain.RelayObservation, error) {
	u := c.baseURL + "/details?type=relay&running=true&fields=nickname,fingerprint,or_addresses,country,flags,observed_bandwidth"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onionoo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("onionoo API error: status %d: %s", resp.StatusCode, body)
	}

	var doc detailsResponse
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := make([]domain.RelayObservation, 0, len(doc.Relays))
	for _, r := range doc.Relays {
		fp, err := domain.NormalizeFingerprint(r.Fingerprint)
		if err != nil {
			c.logger.Warn("skipping relay with bad fingerprint",
				"fingerprint", r.Fingerprint, "error", err)
			continue
		}

		bw := r.ObservedBandwidth
		if bw == domain.BogusBandwidth {
			c.logger.Warn("discarding bogus bandwidth report", "fingerprint", fp)
			bw = 0
		}
		if bw < 0 {
			bw = 0
		}

		out = append(out, domain.RelayObservation{
			Fingerprint: fp,
			Nickname:    r.Nickname,
			Addr:        firstIPv4Addr(r.ORAddresses),
			Flags:       r.Flags,
			Bandwidth:   bw,
			Country:     strings.ToLower(r.Country),
		})
	}

	c.logger.Info("fetched live relay roster",
		"published", doc.RelaysPublished, "relays", len(out))
	return out, nil
}

// firstIPv4Addr picks the first non-bracketed or_address. IPv6 entries
// arrive as "[addr]:port" and are skipped.
func firstIPv4Addr(addrs []string) string {
	for _, a := range addrs {
		if !strings.HasPrefix(a, "[") {
			return a
		}
	}
	return ""
}

// Onionoo details API response types.

type detailsResponse struct {
	RelaysPublished string        `json:"relays_published"`
	Relays          []detailRelay `json:"relays"`
}

type detailRelay struct {
	Nickname          string   `json:"nickname"`
	Fingerprint       string   `json:"fingerprint"`
	ORAddresses       []string `json:"or_addresses"`
	Country           string   `json:"country"`
	Flags             []string `json:"flags"`
	ObservedBandwidth int64    `json:"observed_bandwidth"`
}
