package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"trackchat/chat"
	"trackchat/models"
)

const (
	// DefaultRequestTimeout bounds one REST call when the caller sets no deadline.
	DefaultRequestTimeout = 15 * time.Second

	HistoryPath   = "/api/v1/coworker-chats/messages"
	TracePath     = "/api/v1/trace-employees-chats"
	EmployeesPath = "/api/v1/get-all-employees"
	LocationPath  = "/api/v1/create-location"
)

var (
	// ErrUnexpectedStatus indicates a non-success response other than not-found.
	ErrUnexpectedStatus = errors.New("api: unexpected status")
)

// Config controls the backend REST client.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// Client calls the chat backend's REST API.
type Client struct {
	baseURL *url.URL
	token   string
	timeout time.Duration
	http    *fasthttp.Client
}

// NewClient validates the base URL and builds a client.
func NewClient(config Config) (*Client, error) {
	raw := strings.TrimSpace(config.BaseURL)
	if raw == "" {
		return nil, errors.New("api: base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: unsupported base URL scheme %q", base.Scheme)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Client{
		baseURL: base,
		token:   config.AccessToken,
		timeout: timeout,
		http: &fasthttp.Client{
			Name:         "trackchat",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
	}, nil
}

// FetchHistory loads the conversation snapshot between userID and coworkerID.
// A 404 or an empty chat list yields an error matching chat.ErrNoHistory.
func (c *Client) FetchHistory(ctx context.Context, userID, coworkerID string) (models.Snapshot, error) {
	if userID == "" || coworkerID == "" {
		return models.Snapshot{}, errors.New("api: user ID and coworker ID are required")
	}

	status, body, err := c.get(ctx, HistoryPath, url.Values{
		"userId":     {userID},
		"coworkerId": {coworkerID},
	})
	if err != nil {
		return models.Snapshot{}, err
	}

	switch status {
	case fasthttp.StatusOK:
	case fasthttp.StatusNotFound:
		return models.Snapshot{}, fmt.Errorf("%w: %s", chat.ErrNoHistory, errorMessage(body))
	default:
		return models.Snapshot{}, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, status, errorMessage(body))
	}

	var response models.HistoryResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return models.Snapshot{}, fmt.Errorf("decode history response: %w", err)
	}
	if len(response.CoworkerChats) == 0 {
		return models.Snapshot{}, fmt.Errorf("%w: empty chat list", chat.ErrNoHistory)
	}

	document := response.CoworkerChats[0]
	return models.Snapshot{
		Received: validMessages(document.MessageReceived),
		Sent:     validMessages(document.MessageSent),
	}, nil
}

// TraceChats loads both employees' chat documents for a supervisor trace.
func (c *Client) TraceChats(ctx context.Context, employee1, employee2 string) ([]models.ChatDocument, error) {
	if employee1 == "" || employee2 == "" {
		return nil, errors.New("api: both employee IDs are required")
	}

	status, body, err := c.get(ctx, TracePath, url.Values{
		"employeeId1": {employee1},
		"employeeId2": {employee2},
	})
	if err != nil {
		return nil, err
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, status, errorMessage(body))
	}

	var documents []models.ChatDocument
	if err := json.Unmarshal(body, &documents); err != nil {
		return nil, fmt.Errorf("decode trace response: %w", err)
	}
	for i := range documents {
		documents[i].MessageReceived = validMessages(documents[i].MessageReceived)
		documents[i].MessageSent = validMessages(documents[i].MessageSent)
	}
	return documents, nil
}

// ListEmployees loads the employee roster.
func (c *Client) ListEmployees(ctx context.Context) ([]models.Employee, error) {
	status, body, err := c.get(ctx, EmployeesPath, nil)
	if err != nil {
		return nil, err
	}
	if status != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, status, errorMessage(body))
	}

	var response models.EmployeesResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decode employees response: %w", err)
	}
	employees := make([]models.Employee, 0, len(response.Employees))
	for _, employee := range response.Employees {
		if employee.ID == "" {
			continue
		}
		employees = append(employees, employee)
	}
	return employees, nil
}

// ReportLocation posts one position update. Zero deltas are sent as
// models.DefaultLocationDelta.
func (c *Client) ReportLocation(ctx context.Context, report models.LocationReport) error {
	if report.UserID == "" {
		return errors.New("api: user ID is required")
	}
	if report.Latitude < -90 || report.Latitude > 90 || report.Longitude < -180 || report.Longitude > 180 {
		return fmt.Errorf("api: coordinates out of range: %f,%f", report.Latitude, report.Longitude)
	}
	if report.LatitudeDelta <= 0 {
		report.LatitudeDelta = models.DefaultLocationDelta
	}
	if report.LongitudeDelta <= 0 {
		report.LongitudeDelta = models.DefaultLocationDelta
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode location report: %w", err)
	}
	status, body, err := c.do(ctx, fasthttp.MethodPost, LocationPath, nil, payload)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, status, errorMessage(body))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (int, []byte, error) {
	return c.do(ctx, fasthttp.MethodGet, path, query, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	target := c.baseURL.JoinPath(path)
	target.RawQuery = query.Encode()

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target.String())
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.SetContentType("application/json")
		req.SetBody(payload)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", strings.ToLower(method), path, err)
	}

	body := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), body, nil
}

func errorMessage(body []byte) string {
	var payload models.ErrorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// validMessages drops entries with no text or no timestamp.
func validMessages(in []models.Message) []models.Message {
	out := make([]models.Message, 0, len(in))
	for _, message := range in {
		if !message.Valid() {
			continue
		}
		out = append(out, message)
	}
	return out
}
