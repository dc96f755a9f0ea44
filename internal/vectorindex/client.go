package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client copies points between environment-qualified collections. Vectors are
// regenerable, so callers treat copy failures as advisory.
type Client interface {
	CopyPoints(ctx context.Context, ids []string, sourceCollection, targetCollection string) (int, error)
}

// CollectionName maps a base collection to its environment-qualified name:
// {baseCollection}_{environment}.
func CollectionName(baseCollection, environment string) string {
	return baseCollection + "_" + environment
}

type HTTPClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPClient talks to a Qdrant-style points REST API: retrieve by id from the
// source collection, upsert into the target collection.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	retries int
}

func NewHTTPClient(cfg HTTPClientConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vector index base url required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

type point struct {
	ID      interface{}            `json:"id"`
	Vector  json.RawMessage        `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

func (c *HTTPClient) CopyPoints(ctx context.Context, ids []string, sourceCollection, targetCollection string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	points, err := c.retrievePoints(ctx, ids, sourceCollection)
	if err != nil {
		return 0, fmt.Errorf("retrieve points from %s: %w", sourceCollection, err)
	}
	if len(points) == 0 {
		return 0, nil
	}
	if err := c.upsertPoints(ctx, points, targetCollection); err != nil {
		return 0, fmt.Errorf("upsert points into %s: %w", targetCollection, err)
	}
	return len(points), nil
}

func (c *HTTPClient) retrievePoints(ctx context.Context, ids []string, collection string) ([]point, error) {
	body := map[string]interface{}{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  true,
	}
	var result struct {
		Result []point `json:"result"`
	}
	url := fmt.Sprintf("%s/collections/%s/points", c.baseURL, collection)
	if err := c.doJSON(ctx, http.MethodPost, url, body, &result); err != nil {
		return nil, err
	}
	return result.Result, nil
}

func (c *HTTPClient) upsertPoints(ctx context.Context, points []point, collection string) error {
	body := map[string]interface{}{"points": points}
	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, collection)
	return c.doJSON(ctx, http.MethodPut, url, body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := c.attempt(ctx, method, url, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

func (c *HTTPClient) attempt(ctx context.Context, method, url string, payload []byte, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	if resp.StatusCode >= 500 {
		return fmt.Errorf("vector index unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vector index rejected request: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
