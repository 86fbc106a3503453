// Package remote implements the artifact store backed by the hosted
// metadata service. Artifacts upload as canonical JSON documents and
// download verbatim; every request authenticates with the "kurral"
// API key header.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"goa.design/clue/health"

	"github.com/kurral/kurral/runtime/artifact"
	"github.com/kurral/kurral/runtime/store"
)

type (
	// Option configures the remote store client.
	Option func(*Client)

	// Client implements store.Store over the artifact service HTTP API.
	Client struct {
		base   string
		apiKey string
		tenant string
		http   *http.Client
	}

	// UploadResult reports what the service recorded for an upload.
	UploadResult struct {
		KurralID         string `json:"kurral_id"`
		ObjectStorageURI string `json:"object_storage_uri"`
		Message          string `json:"message"`
	}

	uploadRequest struct {
		ArtifactData json.RawMessage `json:"artifact_data"`
	}

	// listPage is one page of the paginated listing endpoint.
	listPage struct {
		Items    []listItem `json:"items"`
		Total    int        `json:"total"`
		Page     int        `json:"page"`
		PageSize int        `json:"page_size"`
		Pages    int        `json:"pages"`
	}

	listItem struct {
		KurralID        string   `json:"kurral_id"`
		RunID           string   `json:"run_id"`
		TenantID        string   `json:"tenant_id"`
		SemanticBuckets []string `json:"semantic_buckets"`
		CreatedAt       apiTime  `json:"created_at"`
	}

	apiError struct {
		Detail string `json:"detail"`
	}

	// apiTime accepts service timestamps with or without a zone offset.
	apiTime struct {
		time.Time
	}
)

const (
	// DefaultEndpoint is the hosted artifact service.
	DefaultEndpoint = "https://api.kurral.io"

	// apiKeyHeader carries the API key on every request.
	apiKeyHeader = "kurral"

	clientName = "artifact-store-api"

	defaultTimeout = 30 * time.Second

	// listPageSize is the page size used when walking listings. The
	// service caps page_size at 1000.
	listPageSize = 1000
)

// ErrAlreadyUploaded reports an upload for a kurral_id the service already
// holds. The service never overwrites an uploaded artifact.
var ErrAlreadyUploaded = errors.New("artifact already uploaded")

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithTenant scopes lookups, listings and deletes to the given tenant.
func WithTenant(id string) Option {
	return func(cl *Client) {
		cl.tenant = id
	}
}

// New constructs a client for the artifact service at endpoint. An empty
// endpoint selects the hosted service.
func New(endpoint, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("remote: api key is required")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	cl := &Client{
		base:   strings.TrimRight(endpoint, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: defaultTimeout}
	}
	return cl, nil
}

var (
	_ store.Store   = (*Client)(nil)
	_ health.Pinger = (*Client)(nil)
)

// Put uploads a sealed artifact, discarding the service-assigned storage
// location. Uploading a kurral_id the service already holds returns
// ErrAlreadyUploaded.
func (c *Client) Put(ctx context.Context, a *artifact.Artifact) error {
	_, err := c.Upload(ctx, a)
	return err
}

// Upload uploads a sealed artifact and reports the service-assigned
// storage location.
func (c *Client) Upload(ctx context.Context, a *artifact.Artifact) (UploadResult, error) {
	if a == nil || a.KurralID == "" {
		return UploadResult{}, fmt.Errorf("%w: artifact without kurral_id", artifact.ErrArtifactInvalid)
	}
	data, err := artifact.Serialize(a)
	if err != nil {
		return UploadResult{}, err
	}
	body, err := json.Marshal(uploadRequest{ArtifactData: data})
	if err != nil {
		return UploadResult{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/artifacts/upload", nil, bytes.NewReader(body))
	if err != nil {
		return UploadResult{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusCreated:
	case http.StatusConflict:
		return UploadResult{}, fmt.Errorf("%w: %s", ErrAlreadyUploaded, a.KurralID)
	default:
		return UploadResult{}, serviceError(resp)
	}

	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return UploadResult{}, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	return out, nil
}

// Get downloads the artifact with the given kurral_id.
func (c *Client) Get(ctx context.Context, kurralID string) (*artifact.Artifact, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/artifacts/"+url.PathEscape(kurralID), c.tenantQuery(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, store.ErrNotFound
	default:
		return nil, serviceError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	return artifact.Deserialize(body)
}

// GetByRunID returns the most recent artifact for the run. The service has
// no run-scoped endpoint, so the listing is walked newest first until the
// run appears.
func (c *Client) GetByRunID(ctx context.Context, runID string) (*artifact.Artifact, error) {
	entries, err := c.List(ctx, store.Filter{RunID: runID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, store.ErrNotFound
	}
	return c.Get(ctx, entries[0].KurralID)
}

// List walks the service listing newest first. The service filters tenant
// and bucket; run id narrowing happens client side.
func (c *Client) List(ctx context.Context, f store.Filter) ([]store.IndexEntry, error) {
	var out []store.IndexEntry
	for page := 1; ; page++ {
		pg, err := c.listArtifacts(ctx, f, page)
		if err != nil {
			return nil, err
		}
		for _, it := range pg.Items {
			e := it.entry()
			if !f.Match(e) {
				continue
			}
			out = append(out, e)
			if f.Limit > 0 && len(out) == f.Limit {
				return out, nil
			}
		}
		if len(pg.Items) == 0 || page >= pg.Pages {
			return out, nil
		}
	}
}

// Delete removes the artifact and its stored document.
func (c *Client) Delete(ctx context.Context, kurralID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/artifacts/"+url.PathEscape(kurralID), c.tenantQuery(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return store.ErrNotFound
	default:
		return serviceError(resp)
	}
}

// Name implements health.Pinger.
func (c *Client) Name() string { return clientName }

// Ping implements health.Pinger by probing the service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service health returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) listArtifacts(ctx context.Context, f store.Filter, page int) (listPage, error) {
	q := url.Values{
		"page":      []string{strconv.Itoa(page)},
		"page_size": []string{strconv.Itoa(listPageSize)},
	}
	tenant := f.TenantID
	if tenant == "" {
		tenant = c.tenant
	}
	if tenant != "" {
		q.Set("tenant_id", tenant)
	}
	if f.Bucket != "" {
		q.Set("semantic_bucket", f.Bucket)
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/artifacts", q, nil)
	if err != nil {
		return listPage{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return listPage{}, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return listPage{}, serviceError(resp)
	}
	var pg listPage
	if err := json.NewDecoder(resp.Body).Decode(&pg); err != nil {
		return listPage{}, fmt.Errorf("%w: %s", store.ErrStorageUnavailable, err)
	}
	return pg, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) tenantQuery() url.Values {
	if c.tenant == "" {
		return nil
	}
	return url.Values{"tenant_id": []string{c.tenant}}
}

// serviceError turns a non-2xx response into a storage error carrying the
// service's detail message when one decodes.
func serviceError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var e apiError
	if err := json.Unmarshal(body, &e); err == nil && e.Detail != "" {
		return fmt.Errorf("%w: service returned %d: %s", store.ErrStorageUnavailable, resp.StatusCode, e.Detail)
	}
	return fmt.Errorf("%w: service returned %d", store.ErrStorageUnavailable, resp.StatusCode)
}

func (it listItem) entry() store.IndexEntry {
	return store.IndexEntry{
		KurralID:        it.KurralID,
		RunID:           it.RunID,
		CreatedAt:       it.CreatedAt.Time,
		TenantID:        it.TenantID,
		SemanticBuckets: it.SemanticBuckets,
	}
}

func (t *apiTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		ts, err := time.Parse(layout, s)
		if err == nil {
			t.Time = ts
			return nil
		}
	}
	return fmt.Errorf("invalid created_at %q", s)
}
