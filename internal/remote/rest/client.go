// Package rest provides the HTTP/JSON client for the legacy remote store,
// the target being phased out. The legacy service exposes tenant-scoped row
// CRUD under /api/v1/tables/{table}/rows with bearer-token auth.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pasturetech/herdsync/internal/remote"
	"github.com/pasturetech/herdsync/internal/types"
)

// Client is a remote.RowStore backed by the legacy rows API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ remote.RowStore = (*Client)(nil)

// NewClient creates a legacy store client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name identifies this target in logs and reconciliation reports.
func (c *Client) Name() string { return "legacy" }

// Ping checks connectivity to the legacy service.
func (c *Client) Ping(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("legacy store URL not configured")
	}
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// Insert creates a row. A 409 from the service maps to remote.ErrDuplicate.
func (c *Client) Insert(ctx context.Context, table types.Table, row types.RemoteRow) error {
	resp, err := c.send(ctx, http.MethodPost, rowsPath(table), row)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusConflict:
		return fmt.Errorf("%w: %s/%s", remote.ErrDuplicate, table, row.ID)
	default:
		return responseError("insert", table, resp)
	}
}

// Update replaces a row's payload. A 404 maps to remote.ErrNotFound.
func (c *Client) Update(ctx context.Context, table types.Table, row types.RemoteRow) error {
	path := rowPath(table, row.ID) + "?" + tenantQuery(row.TenantID)
	resp, err := c.send(ctx, http.MethodPut, path, row)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s/%s", remote.ErrNotFound, table, row.ID)
	default:
		return responseError("update", table, resp)
	}
}

// Delete removes a row. A 404 maps to remote.ErrNotFound.
func (c *Client) Delete(ctx context.Context, table types.Table, tenantID, id string) error {
	path := rowPath(table, id) + "?" + tenantQuery(tenantID)
	resp, err := c.send(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s/%s", remote.ErrNotFound, table, id)
	default:
		return responseError("delete", table, resp)
	}
}

// Get fetches one row.
func (c *Client) Get(ctx context.Context, table types.Table, tenantID, id string) (*types.RemoteRow, error) {
	path := rowPath(table, id) + "?" + tenantQuery(tenantID)
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var row types.RemoteRow
		if err := json.NewDecoder(resp.Body).Decode(&row); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", table, err)
		}
		return &row, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s/%s", remote.ErrNotFound, table, id)
	default:
		return nil, responseError("get", table, resp)
	}
}

// List returns a tenant's rows modified at or after since.
func (c *Client) List(ctx context.Context, table types.Table, tenantID string, since time.Time) ([]types.RemoteRow, error) {
	q := url.Values{}
	q.Set("tenant_id", tenantID)
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	resp, err := c.send(ctx, http.MethodGet, rowsPath(table)+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError("list", table, resp)
	}

	var body struct {
		Rows []types.RemoteRow `json:"rows"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode %s rows: %w", table, err)
	}
	return body.Rows, nil
}

// Count returns the tenant's row count for a table.
func (c *Client) Count(ctx context.Context, table types.Table, tenantID string) (int64, error) {
	path := rowsPath(table) + "/count?" + tenantQuery(tenantID)
	resp, err := c.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, responseError("count", table, resp)
	}

	var body struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode %s count: %w", table, err)
	}
	return body.Count, nil
}

// send sends an authenticated request to the legacy service.
func (c *Client) send(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	return c.client.Do(req)
}

func rowsPath(table types.Table) string {
	return "/api/v1/tables/" + url.PathEscape(string(table)) + "/rows"
}

func rowPath(table types.Table, id string) string {
	return rowsPath(table) + "/" + url.PathEscape(id)
}

func tenantQuery(tenantID string) string {
	return url.Values{"tenant_id": {tenantID}}.Encode()
}

// responseError surfaces a non-2xx response with a bounded excerpt of the body.
func responseError(op string, table types.Table, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("legacy %s %s: status %d: %s", op, table, resp.StatusCode, bytes.TrimSpace(detail))
}
