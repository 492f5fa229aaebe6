// Package firewalla is a client for the Firewalla MSP cloud API (v2).
// It fetches the five collections the bridge mirrors into Home
// Assistant (boxes, devices, rules, alarms, flows) and reports every
// failure as a [TransportError].
package firewalla

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/firewalla-bridge/internal/config"
	"github.com/nugget/firewalla-bridge/internal/httpkit"
)

// Collection names as they appear in API paths and snapshot keys.
const (
	CollectionBoxes   = "boxes"
	CollectionDevices = "devices"
	CollectionRules   = "rules"
	CollectionAlarms  = "alarms"
	CollectionFlows   = "flows"
)

// maxBodyBytes caps how much of a collection response is read. Flow
// listings on busy networks are the largest payloads.
const maxBodyBytes = 32 << 20

// Client talks to https://{subdomain}.firewalla.net/v2 using a personal
// access token.
type Client struct {
	baseURL    string
	token      string
	alarmLimit int
	flowLimit  int
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the URL derived from the subdomain. The value
// must include scheme and host and may include a path prefix.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithLimits sets the page size requested for alarms and flows. Zero
// leaves the corresponding limit unset.
func WithLimits(alarms, flows int) Option {
	return func(c *Client) {
		c.alarmLimit = alarms
		c.flowLimit = flows
	}
}

// WithHTTPClient replaces the default httpkit client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates an MSP API client for the given subdomain.
func NewClient(subdomain, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: fmt.Sprintf("https://%s.firewalla.net/v2", subdomain),
		token:   token,
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.httpClient == nil {
		c.httpClient = httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithStatusRetry(),
			httpkit.WithLogger(c.logger),
		)
	}
	return c
}

// BaseURL returns the API root this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Authenticate verifies the token by listing boxes. A rejected token
// yields an error wrapping [ErrUnauthorized].
func (c *Client) Authenticate(ctx context.Context) error {
	boxes, err := c.Boxes(ctx)
	if err != nil {
		return err
	}
	c.logger.Debug("firewalla token accepted", "boxes", len(boxes))
	return nil
}

// Ping checks that the API is reachable and the token still valid.
// Used by connwatch for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.fetch(ctx, "", "/boxes", nil)
	return err
}

// Boxes lists the Firewalla boxes attached to the account.
func (c *Client) Boxes(ctx context.Context) ([]Record, error) {
	return c.fetch(ctx, CollectionBoxes, "/boxes", nil)
}

// Devices lists every device seen by any box.
func (c *Client) Devices(ctx context.Context) ([]Record, error) {
	return c.fetch(ctx, CollectionDevices, "/devices", nil)
}

// Rules lists the configured rules.
func (c *Client) Rules(ctx context.Context) ([]Record, error) {
	return c.fetch(ctx, CollectionRules, "/rules", nil)
}

// Alarms lists the most recent alarms, newest first.
func (c *Client) Alarms(ctx context.Context) ([]Record, error) {
	return c.fetch(ctx, CollectionAlarms, "/alarms", pageQuery(c.alarmLimit))
}

// Flows lists the most recent flows, newest first.
func (c *Client) Flows(ctx context.Context) ([]Record, error) {
	return c.fetch(ctx, CollectionFlows, "/flows", pageQuery(c.flowLimit))
}

func pageQuery(limit int) url.Values {
	q := url.Values{}
	q.Set("sortBy", "ts:desc")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q
}

func (c *Client) fetch(ctx context.Context, collection, path string, query url.Values) ([]Record, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &TransportError{Collection: collection, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Collection: collection, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, statusError(collection, resp.StatusCode, body)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Collection: collection, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if c.logger.Enabled(ctx, config.LevelTrace) {
		c.logger.Log(ctx, config.LevelTrace, "firewalla response",
			"path", path, "bytes", len(data), "body", string(data))
	}

	records, err := decodeRecords(data)
	if err != nil {
		return nil, &TransportError{Collection: collection, StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug("firewalla fetch complete",
		"path", path,
		"records", len(records),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return records, nil
}

var errUnexpectedShape = errors.New("response is neither an array nor a results envelope")

// decodeRecords accepts either a bare JSON array or the paged envelope
// {"count":N,"results":[...],"next_cursor":"..."} used by the alarm,
// flow and rule endpoints. A JSON null decodes to an empty list.
func decodeRecords(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []Record{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	switch trimmed[0] {
	case '[':
		var records []Record
		if err := dec.Decode(&records); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return compact(records), nil
	case '{':
		var envelope struct {
			Results *[]Record `json:"results"`
		}
		if err := dec.Decode(&envelope); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if envelope.Results == nil {
			return nil, errUnexpectedShape
		}
		return compact(*envelope.Results), nil
	default:
		return nil, errUnexpectedShape
	}
}

// compact drops JSON null entries so callers never see a nil Record in
// a collection.
func compact(records []Record) []Record {
	out := records[:0]
	for _, r := range records {
		if r != nil {
			out = append(out, r)
		}
	}
	if out == nil {
		return []Record{}
	}
	return out
}
