// Package backend talks to the external schedule store: today's dose
// schedules, per-dose adherence, and the notification feed used by the polling
// fallback.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dosealert/internal/reminder"

	"github.com/go-resty/resty/v2"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultRetryMax     = 2
	retryInitialWait    = 500 * time.Millisecond
	retryMaxWait        = 5 * time.Second
	userAgent           = "dosealert"
	pathTodaySchedules  = "/api/schedules/today"
	pathTodayAdherence  = "/api/adherence/today/{id}"
	pathNotifications   = "/api/notifications"
	pathMarkReadPattern = "/api/notifications/{id}/read"
)

// Adherence is today's adherence record for one schedule.
type Adherence struct {
	Taken bool `json:"taken"`
}

// Notification is one item of the backend notification feed.
type Notification struct {
	ID         int64                `json:"id"`
	Type       string               `json:"type"`
	Title      string               `json:"title"`
	Message    string               `json:"message"`
	ScheduleID *reminder.ScheduleID `json:"schedule_id"`
}

type NotificationQuery struct {
	Limit      int
	UnreadOnly bool
}

// API is the subset of the backend the engine, poller and watchdog depend on.
type API interface {
	TodaySchedules(ctx context.Context) ([]reminder.DoseSchedule, error)
	// TodayAdherence returns nil when there is no record for today.
	TodayAdherence(ctx context.Context, id reminder.ScheduleID) (*Adherence, error)
	RecentNotifications(ctx context.Context, q NotificationQuery) ([]Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
}

type Config struct {
	BaseURL  string
	Token    string
	Timeout  time.Duration
	RetryMax int
}

// HTTPError carries the status code of a failed backend call.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string { return e.Message }

// Retriable reports whether the request may succeed when retried.
func (e *HTTPError) Retriable() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode <= 504)
}

// IsRetriable classifies an error returned by Client. Transport errors are
// retriable; HTTP errors only for 429 and 5xx.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Retriable()
	}
	return !errors.Is(err, context.Canceled)
}

// Client is the resty-backed API implementation.
type Client struct {
	client *resty.Client
}

var _ API = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base_url required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}

	rc := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", userAgent).
		SetRetryCount(cfg.RetryMax).
		SetRetryWaitTime(retryInitialWait).
		SetRetryMaxWaitTime(retryMaxWait).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return IsRetriable(classifyResponse(resp))
		})
	if tok := strings.TrimSpace(cfg.Token); tok != "" {
		rc.SetAuthToken(tok)
	}
	return &Client{client: rc}, nil
}

func (c *Client) TodaySchedules(ctx context.Context) ([]reminder.DoseSchedule, error) {
	resp, err := c.client.R().SetContext(ctx).Get(pathTodaySchedules)
	if err != nil {
		return nil, fmt.Errorf("fetch today schedules: %w", err)
	}
	if err := classifyResponse(resp); err != nil {
		return nil, fmt.Errorf("fetch today schedules: %w", err)
	}
	var out []reminder.DoseSchedule
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode today schedules: %w", err)
	}
	return out, nil
}

func (c *Client) TodayAdherence(ctx context.Context, id reminder.ScheduleID) (*Adherence, error) {
	resp, err := c.client.R().SetContext(ctx).
		SetPathParam("id", id.String()).
		Get(pathTodayAdherence)
	if err != nil {
		return nil, fmt.Errorf("fetch adherence %d: %w", id, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}
	if err := classifyResponse(resp); err != nil {
		return nil, fmt.Errorf("fetch adherence %d: %w", id, err)
	}
	body := strings.TrimSpace(resp.String())
	if body == "" || body == "null" {
		return nil, nil
	}
	var a Adherence
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("decode adherence %d: %w", id, err)
	}
	return &a, nil
}

func (c *Client) RecentNotifications(ctx context.Context, q NotificationQuery) ([]Notification, error) {
	req := c.client.R().SetContext(ctx).
		SetQueryParam("unread_only", strconv.FormatBool(q.UnreadOnly))
	if q.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(q.Limit))
	}
	resp, err := req.Get(pathNotifications)
	if err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	if err := classifyResponse(resp); err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	var out []Notification
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return out, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id int64) error {
	resp, err := c.client.R().SetContext(ctx).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		Post(pathMarkReadPattern)
	if err != nil {
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}
	if err := classifyResponse(resp); err != nil {
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}
	return nil
}

// classifyResponse returns nil for 2xx and an *HTTPError otherwise.
func classifyResponse(resp *resty.Response) error {
	if resp == nil {
		return &HTTPError{Message: "empty response"}
	}
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	msg := strings.TrimSpace(resp.String())
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return &HTTPError{StatusCode: code, Message: fmt.Sprintf("HTTP %d: %s", code, msg)}
}
