package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client performs authorization checks.
type Client interface {
	Check(ctx context.Context, user, object, relation string) (bool, error)
}

// Writer records relationship tuples.
type Writer interface {
	Write(ctx context.Context, tuples ...Tuple) error
}

// Authorizer checks and records relationships.
type Authorizer interface {
	Client
	Writer
}

type Tuple struct {
	User     string `json:"user"`
	Relation string `json:"relation"`
	Object   string `json:"object"`
}

// OpenFGAClient implements Client and Writer against an OpenFGA HTTP API.
type OpenFGAClient struct {
	apiURL  string
	storeID string
	http    *http.Client
}

// NoopClient allows everything and drops writes. Useful for local dev without OpenFGA.
type NoopClient struct{}

// NewFromEnv constructs a client based on OPENFGA_* env vars.
// If not configured, returns a no-op client that always allows.
func NewFromEnv() Authorizer {
	apiURL := os.Getenv("OPENFGA_API_URL")
	storeID := os.Getenv("OPENFGA_STORE_ID")
	if apiURL == "" || storeID == "" {
		return &NoopClient{}
	}
	return NewOpenFGA(apiURL, storeID)
}

func NewOpenFGA(apiURL, storeID string) *OpenFGAClient {
	return &OpenFGAClient{
		apiURL:  strings.TrimRight(apiURL, "/"),
		storeID: storeID,
		http: &http.Client{
			Timeout:   3 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Check calls OpenFGA /check. Returns (false, nil) on a definitive deny.
func (c *OpenFGAClient) Check(ctx context.Context, user, object, relation string) (bool, error) {
	var jr struct {
		Allowed bool `json:"allowed"`
	}
	body := map[string]any{"tuple_key": Tuple{User: user, Relation: relation, Object: object}}
	if err := c.post(ctx, "check", body, &jr); err != nil {
		return false, err
	}
	return jr.Allowed, nil
}

// Write calls OpenFGA /write with the given tuples.
func (c *OpenFGAClient) Write(ctx context.Context, tuples ...Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	body := map[string]any{"writes": map[string]any{"tuple_keys": tuples}}
	return c.post(ctx, "write", body, nil)
}

func (c *OpenFGAClient) post(ctx context.Context, op string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("openfga %s: marshal: %w", op, err)
	}
	url := fmt.Sprintf("%s/stores/%s/%s", c.apiURL, c.storeID, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("openfga %s status %d", op, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (n *NoopClient) Check(ctx context.Context, user, object, relation string) (bool, error) {
	return true, nil
}

func (n *NoopClient) Write(ctx context.Context, tuples ...Tuple) error {
	return nil
}
