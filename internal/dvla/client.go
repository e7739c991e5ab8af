package dvla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// DefaultEndpoint is the Vehicle Enquiry Service lookup URL
const DefaultEndpoint = "https://driver-vehicle-licensing.api.gov.uk/vehicle-enquiry/v1/vehicles"

// Fetcher looks up a single vehicle
type Fetcher interface {
	Lookup(ctx context.Context, registration, apiKey string) (Record, error)
}

// Client talks to the Vehicle Enquiry Service
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithEndpoint overrides the lookup URL
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = endpoint
	}
}

// WithHTTPClient overrides the HTTP client used for lookups
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new API client
func NewClient(logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		endpoint:   DefaultEndpoint,
		httpClient: http.DefaultClient,
		logger:     logger.Named("dvla"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type lookupBody struct {
	RegistrationNumber string `json:"registrationNumber"`
}

type apiError struct {
	Title  string `json:"title"`
	Code   string `json:"code"`
	Detail string `json:"detail"`
	Status string `json:"status"`
}

// Lookup fetches the vehicle record for a registration number.
// The returned error is always a *LookupError.
func (c *Client) Lookup(ctx context.Context, registration, apiKey string) (Record, error) {
	reg := NormalizeRegistration(registration)

	payload, err := json.Marshal(lookupBody{RegistrationNumber: reg})
	if err != nil {
		return nil, &LookupError{Kind: KindUnknown, Registration: reg, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &LookupError{Kind: KindUnknown, Registration: reg, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)

	c.logger.Debug("Looking up vehicle", zap.String("registration", reg))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &LookupError{Kind: KindUnknown, Registration: reg, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &LookupError{Kind: KindUnknown, Registration: reg, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	return classify(reg, resp.StatusCode, body)
}

// classify turns a response into a Record or a LookupError
func classify(reg string, status int, body []byte) (Record, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || raw == nil {
		text := string(bytes.TrimSpace(body))
		return nil, &LookupError{
			Kind:         classifyText(text),
			Registration: reg,
			Message:      text,
			StatusCode:   status,
			Err:          fmt.Errorf("response is not a JSON object"),
		}
	}

	if errs, ok := raw["errors"]; ok {
		var apiErrs []apiError
		if err := json.Unmarshal(errs, &apiErrs); err != nil || len(apiErrs) == 0 {
			// an errors key is never a success, even when it is unreadable
			return nil, &LookupError{
				Kind:         KindUnknown,
				Registration: reg,
				Message:      string(errs),
				StatusCode:   status,
				Err:          fmt.Errorf("errors payload has no readable entry"),
			}
		}
		first := apiErrs[0]
		return nil, &LookupError{
			Kind:         classifyText(first.Title, first.Code, first.Detail),
			Registration: reg,
			Title:        first.Title,
			Code:         first.Code,
			Detail:       first.Detail,
			StatusCode:   status,
		}
	}

	if msg, ok := raw["message"]; ok {
		var message string
		if err := json.Unmarshal(msg, &message); err != nil {
			message = string(msg)
		}
		return nil, &LookupError{
			Kind:         classifyText(message),
			Registration: reg,
			Message:      message,
			StatusCode:   status,
		}
	}

	if status < 200 || status > 299 {
		kind := KindUnknown
		if status == http.StatusTooManyRequests {
			kind = KindRateLimited
		}
		return nil, &LookupError{Kind: kind, Registration: reg, StatusCode: status}
	}

	var record Record
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, &LookupError{Kind: KindUnknown, Registration: reg, StatusCode: status, Err: err}
	}
	return record, nil
}
