package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/activitypanel/backend/internal/activity"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	rpcPath            = "/api3/json"
	methodActivity     = "activity_stream"
	methodNoteThread   = "note_thread_contents"
	methodRead         = "read"
	methodUpdate       = "update"
	methodCreate       = "create"
	maxErrorBodyLength = 512
)

var (
	// ErrInvalidClientConfig indicates a client was configured without a site or credentials.
	ErrInvalidClientConfig = errors.New("remote: invalid client config")
	errMissingSiteURL      = errors.New("site url is required")
	errMissingCredentials  = errors.New("script name and api key are required")
)

// Error reports an exception raised by the remote site.
type Error struct {
	Method  string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote: %s failed (status %d): %s", e.Method, e.Status, e.Message)
}

// ClientConfig configures the JSON-RPC client.
type ClientConfig struct {
	SiteURL    string
	ScriptName string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the remote site over its JSON-RPC endpoint.
type Client struct {
	endpoint    string
	credentials rpcCredentials
	httpClient  *http.Client
	logger      *zap.Logger
}

type rpcCredentials struct {
	ScriptName string `json:"script_name"`
	ScriptKey  string `json:"script_key"`
}

type rpcRequest struct {
	MethodName string `json:"method_name"`
	Params     []any  `json:"params"`
}

type rpcResponse struct {
	Results   json.RawMessage `json:"results"`
	Exception bool            `json:"exception"`
	Message   string          `json:"message"`
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	siteURL := strings.TrimRight(strings.TrimSpace(cfg.SiteURL), "/")
	if siteURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingSiteURL)
	}
	if strings.TrimSpace(cfg.ScriptName) == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingCredentials)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: siteURL + rpcPath,
		credentials: rpcCredentials{
			ScriptName: strings.TrimSpace(cfg.ScriptName),
			ScriptKey:  strings.TrimSpace(cfg.APIKey),
		},
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ActivityStreamRead returns the activity stream page described by query.
func (c *Client) ActivityStreamRead(ctx context.Context, query StreamQuery) (StreamResponse, error) {
	payload := map[string]any{
		"entity_type":   query.EntityType,
		"entity_id":     query.EntityID,
		"entity_fields": query.Fields,
	}
	if query.SinceID != nil {
		payload["min_id"] = query.SinceID.Int64()
	}
	if query.Limit > 0 {
		payload["limit"] = query.Limit
	}
	var response StreamResponse
	if err := c.call(ctx, methodActivity, payload, &response); err != nil {
		return StreamResponse{}, err
	}
	if query.SinceID != nil {
		response.Updates = dropAtOrBelow(response.Updates, *query.SinceID)
	}
	return response, nil
}

// NoteThreadRead returns the full thread of a note.
func (c *Client) NoteThreadRead(ctx context.Context, noteID activity.NoteID, fields FieldSpec) (activity.NoteThread, error) {
	payload := map[string]any{
		"note_id":       noteID.Int64(),
		"entity_fields": fields,
	}
	var thread activity.NoteThread
	if err := c.call(ctx, methodNoteThread, payload, &thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// Find returns every record of entityType matching filters.
func (c *Client) Find(ctx context.Context, entityType string, filters []Filter, fields []string) ([]Record, error) {
	return c.read(ctx, entityType, filters, fields, 0)
}

// FindOne returns the first matching record, or nil when nothing matches.
func (c *Client) FindOne(ctx context.Context, entityType string, filters []Filter, fields []string) (Record, error) {
	records, err := c.read(ctx, entityType, filters, fields, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

// Update changes fields on an existing record and returns it.
func (c *Client) Update(ctx context.Context, entityType string, entityID int64, data Record) (Record, error) {
	payload := map[string]any{
		"type":   entityType,
		"id":     entityID,
		"fields": data,
	}
	var record Record
	if err := c.call(ctx, methodUpdate, payload, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// Create inserts a new record and returns it.
func (c *Client) Create(ctx context.Context, entityType string, data Record) (Record, error) {
	payload := map[string]any{
		"type":   entityType,
		"fields": data,
	}
	var record Record
	if err := c.call(ctx, methodCreate, payload, &record); err != nil {
		return nil, err
	}
	return record, nil
}

func (c *Client) read(ctx context.Context, entityType string, filters []Filter, fields []string, limit int) ([]Record, error) {
	if filters == nil {
		filters = []Filter{}
	}
	payload := map[string]any{
		"type":        entityType,
		"filters":     filters,
		"return_only": "active",
		"fields":      fields,
	}
	if limit > 0 {
		payload["paging"] = map[string]int{"entities_per_page": limit, "current_page": 1}
	}
	var results struct {
		Entities []Record `json:"entities"`
	}
	if err := c.call(ctx, methodRead, payload, &results); err != nil {
		return nil, err
	}
	return results.Entities, nil
}

func (c *Client) call(ctx context.Context, method string, payload any, target any) error {
	body, err := json.Marshal(rpcRequest{MethodName: method, Params: []any{c.credentials, payload}})
	if err != nil {
		return fmt.Errorf("remote: encode %s: %w", method, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote: build %s request: %w", method, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("remote call failed", zap.String("method", method), zap.Error(err))
		return fmt.Errorf("remote: %s: %w", method, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("remote: read %s response: %w", method, err)
	}
	if response.StatusCode != http.StatusOK {
		return &Error{Method: method, Status: response.StatusCode, Message: truncate(string(raw))}
	}

	var envelope rpcResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("remote: decode %s response: %w", method, err)
	}
	if envelope.Exception {
		return &Error{Method: method, Status: response.StatusCode, Message: envelope.Message}
	}
	if target == nil || len(envelope.Results) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Results, target); err != nil {
		return fmt.Errorf("remote: decode %s results: %w", method, err)
	}
	return nil
}

// dropAtOrBelow keeps the since bound exclusive even if the site includes the boundary event.
func dropAtOrBelow(events []activity.Event, bound activity.ID) []activity.Event {
	kept := events[:0]
	for _, event := range events {
		if event.ID > bound {
			kept = append(kept, event)
		}
	}
	return kept
}

func truncate(value string) string {
	if len(value) <= maxErrorBodyLength {
		return value
	}
	return value[:maxErrorBodyLength]
}
