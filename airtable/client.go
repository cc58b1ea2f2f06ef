// Package airtable reads and updates activity records through the Airtable
// REST API.
package airtable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"crm-activities/domain"
)

const (
	DefaultBaseURL  = "https://api.airtable.com/v0"
	defaultPageSize = 100
	maxErrorBody    = 64 * 1024
)

var ErrNotFound = errors.New("activity not found")

// Config holds the Airtable connection settings.
type Config struct {
	BaseURL  string
	APIKey   string
	BaseID   string
	TableID  string
	PageSize int
	Timeout  time.Duration
}

// Client talks to a single Airtable activity table.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *log.Logger
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("airtable: %d %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("airtable: %d %s", e.StatusCode, e.Type)
}

// Temporary reports whether the request may succeed when retried.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// New validates cfg and returns a client.
func New(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.APIKey == "" || cfg.BaseID == "" || cfg.TableID == "" {
		return nil, errors.New("airtable: api key, base id and table id are required")
	}
	if logger == nil {
		return nil, errors.New("airtable: logger is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 || cfg.PageSize > defaultPageSize {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

func (c *Client) tableURL() string {
	return c.cfg.BaseURL + "/" + url.PathEscape(c.cfg.BaseID) + "/" + url.PathEscape(c.cfg.TableID)
}

// ListActivities returns every activity linked to leadID, following
// pagination offsets. An empty leadID lists the whole table.
func (c *Client) ListActivities(ctx context.Context, leadID string) ([]domain.Activity, error) {
	activities := []domain.Activity{}
	offset := ""
	for {
		q := url.Values{}
		q.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
		if leadID != "" {
			q.Set("filterByFormula", leadFormula(leadID))
		}
		if offset != "" {
			q.Set("offset", offset)
		}
		var page listResponse
		if err := c.do(ctx, http.MethodGet, c.tableURL()+"?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		for _, r := range page.Records {
			a := r.toActivity()
			if leadID != "" && (a.Lead == nil || a.Lead.ID != leadID) {
				continue
			}
			activities = append(activities, a)
		}
		if page.Offset == "" {
			break
		}
		offset = page.Offset
	}
	c.logger.WithFields(log.Fields{"lead": leadID, "count": len(activities)}).Debug("airtable activities fetched")
	return activities, nil
}

// UpdateStatus writes only the status field of an activity and returns the
// record as stored.
func (c *Client) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Activity, error) {
	if id == "" {
		return domain.Activity{}, ErrNotFound
	}
	body := patchRequest{Fields: map[string]any{fieldStatus: string(status)}}
	var rec record
	if err := c.do(ctx, http.MethodPatch, c.tableURL()+"/"+url.PathEscape(id), body, &rec); err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return domain.Activity{}, fmt.Errorf("%w: %s: %w", ErrNotFound, id, err)
		}
		return domain.Activity{}, err
	}
	return rec.toActivity(), nil
}

func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := sonic.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	entry := c.logger.WithFields(log.Fields{
		"method":  method,
		"status":  resp.StatusCode,
		"took_ms": float64(time.Since(start)) / float64(time.Millisecond),
	})
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := decodeError(resp)
		entry.WithError(se).Warn("airtable request failed")
		return se
	}
	entry.Debug("airtable request")
	if out == nil {
		return nil
	}
	return sonic.ConfigStd.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode, Type: http.StatusText(resp.StatusCode)}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return se
	}
	// Airtable reports errors either as {"error":"TYPE"} or
	// {"error":{"type":"TYPE","message":"..."}}.
	var envelope struct {
		Error any `json:"error"`
	}
	if err := sonic.Unmarshal(raw, &envelope); err != nil {
		se.Message = strings.TrimSpace(string(raw))
		return se
	}
	switch v := envelope.Error.(type) {
	case string:
		se.Type = v
	case map[string]any:
		if t, ok := v["type"].(string); ok {
			se.Type = t
		}
		if m, ok := v["message"].(string); ok {
			se.Message = m
		}
	}
	return se
}

func leadFormula(leadID string) string {
	escaped := strings.ReplaceAll(leadID, "'", "\\'")
	return "FIND('" + escaped + "', ARRAYJOIN({ID Lead}))"
}
