package relationship

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/parley/internal/metrics"
	model "github.com/zhouzirui/parley/internal/model/relationship"
)

const tracerName = "github.com/zhouzirui/parley/internal/relationship"

// HTTPStore talks to the relationship store REST API.
type HTTPStore struct {
	BaseURL    string
	HTTPClient *http.Client

	tracer trace.Tracer
}

// NewHTTPStore creates a client for the store at baseURL.
func NewHTTPStore(baseURL string) *HTTPStore {
	return &HTTPStore{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		tracer:     otel.Tracer(tracerName),
	}
}

type memoriesResponse struct {
	Memories []model.Memory `json:"memories"`
}

type preferencesRequest struct {
	Preferences map[string]any `json:"preferences"`
}

// GetRelationship fetches the record for a persona/user pair.
func (s *HTTPStore) GetRelationship(ctx context.Context, personaID, userID string) (model.Record, error) {
	var record model.Record
	if err := s.do(ctx, "get_relationship", http.MethodGet, pairPath(personaID, userID), nil, &record); err != nil {
		return model.Record{}, err
	}
	return record.Normalize(), nil
}

// GetMemories fetches every memory for the pair.
func (s *HTTPStore) GetMemories(ctx context.Context, personaID, userID string) ([]model.Memory, error) {
	var resp memoriesResponse
	if err := s.do(ctx, "get_memories", http.MethodGet, pairPath(personaID, userID)+"/memories", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Memories == nil {
		resp.Memories = []model.Memory{}
	}
	return resp.Memories, nil
}

// AddMemory records a memory and returns it as stored.
func (s *HTTPStore) AddMemory(ctx context.Context, personaID, userID string, memory model.NewMemory) (model.Memory, error) {
	memory, err := memory.Normalize()
	if err != nil {
		return model.Memory{}, err
	}
	var stored model.Memory
	if err := s.do(ctx, "add_memory", http.MethodPost, pairPath(personaID, userID)+"/memories", memory, &stored); err != nil {
		return model.Memory{}, err
	}
	return stored, nil
}

// UpdatePreferences merges prefs into the record's user preferences.
func (s *HTTPStore) UpdatePreferences(ctx context.Context, personaID, userID string, prefs map[string]any) error {
	return s.do(ctx, "update_preferences", http.MethodPut, pairPath(personaID, userID)+"/preferences", preferencesRequest{Preferences: prefs}, nil)
}

// Health reports whether the store answers its health probe.
func (s *HTTPStore) Health(ctx context.Context) error {
	return s.do(ctx, "health", http.MethodGet, "/health", nil, nil)
}

func pairPath(personaID, userID string) string {
	return "/api/relationships/" + url.PathEscape(personaID) + "/" + url.PathEscape(userID)
}

func (s *HTTPStore) do(ctx context.Context, op, method, path string, body, out any) (err error) {
	ctx, span := s.tracer.Start(ctx, "relationship."+op, trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	))
	start := time.Now()
	defer func() {
		metrics.StoreLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrStoreUnavailable, op, err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, op)
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s: status %d: %s", ErrStoreUnavailable, op, resp.StatusCode, errResp.Error)
		default:
			return fmt.Errorf("store error %d: %s", resp.StatusCode, errResp.Error)
		}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
