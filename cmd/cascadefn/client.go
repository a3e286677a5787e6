// client.go is a thin HTTP client for the management subcommands.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *apiClient) deploy(ctx context.Context, def map[string]any) (map[string]any, error) {
	return c.doJSON(ctx, http.MethodPost, "/api/functions", def)
}

func (c *apiClient) invoke(ctx context.Context, id string, payload []byte, cascade bool) (map[string]any, error) {
	path := "/functions/" + url.PathEscape(id) + "/invoke"
	if cascade {
		path = "/cascades/" + url.PathEscape(id) + "/invoke"
	}
	return c.doRaw(ctx, http.MethodPost, path, payload)
}

func (c *apiClient) rollback(ctx context.Context, id, version string) (map[string]any, error) {
	path := "/api/functions/" + url.PathEscape(id) + "/rollback"
	return c.doJSON(ctx, http.MethodPost, path, map[string]string{"version": version})
}

func (c *apiClient) logs(ctx context.Context, id string, limit int, since string) ([]map[string]any, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if since != "" {
		query.Set("since", since)
	}
	path := "/api/functions/" + url.PathEscape(id) + "/logs"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	body, err := c.doRaw(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	raw, ok := body["logs"].([]any)
	if !ok {
		return nil, nil
	}
	entries := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if entry, ok := item.(map[string]any); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (c *apiClient) status(ctx context.Context) (map[string]any, error) {
	return c.doRaw(ctx, http.MethodGet, "/api/status", nil)
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, body any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.doRaw(ctx, method, path, payload)
}

func (c *apiClient) doRaw(ctx context.Context, method, path string, payload []byte) (map[string]any, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("server returned non-JSON response (status %d)", resp.StatusCode)
		}
	}
	if resp.StatusCode >= 400 {
		message := result["message"]
		if message == nil || message == "" {
			message = result["error"]
		}
		return nil, fmt.Errorf("server error (status %d): %v", resp.StatusCode, message)
	}
	return result, nil
}
