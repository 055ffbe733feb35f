package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"booklib/internal/apperr"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBody       = 64 << 10
)

// HTTPGateway talks to the library backend over its JSON API.
type HTTPGateway struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewHTTPGateway builds a gateway against baseURL. rps <= 0 disables the
// client-side rate limit.
func NewHTTPGateway(log *slog.Logger, baseURL string, timeout time.Duration, rps float64) (*HTTPGateway, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid library api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid library api url %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &HTTPGateway{
		base:    u,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}, nil
}

func (g *HTTPGateway) ListDocuments(ctx context.Context, filter Filter, offset, limit int) ([]Document, error) {
	filter = filter.Normalize()
	q := url.Values{}
	if filter.Category != "" {
		q.Set("category", filter.Category)
	}
	if filter.Author != "" {
		q.Set("author", filter.Author)
	} else if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	q.Set("skip", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var docs []Document
	if err := g.do(ctx, http.MethodGet, "/books/", q, nil, "", &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (g *HTTPGateway) SemanticSearch(ctx context.Context, query string) ([]Document, error) {
	q := url.Values{}
	q.Set("q", query)
	var docs []Document
	if err := g.do(ctx, http.MethodGet, "/rag/search/", q, nil, "", &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (g *HTTPGateway) IndexStatus(ctx context.Context, id DocumentID) (StatusReport, error) {
	var rep StatusReport
	if err := g.do(ctx, http.MethodGet, "/rag/status/"+url.PathEscape(id.String()), nil, nil, "", &rep); err != nil {
		return StatusReport{}, err
	}
	return rep, nil
}

func (g *HTTPGateway) BuildIndex(ctx context.Context, id DocumentID, force bool) error {
	q := url.Values{}
	q.Set("force", strconv.FormatBool(force))
	return g.do(ctx, http.MethodPost, "/rag/index/"+url.PathEscape(id.String()), q, nil, "", nil)
}

func (g *HTTPGateway) GroundedQuery(ctx context.Context, req QueryRequest) (string, error) {
	if err := Validate(&req); err != nil {
		return "", fmt.Errorf("invalid grounded query: %w", err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := g.do(ctx, http.MethodPost, "/rag/query/", nil, bytes.NewReader(body), "application/json", &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

func (g *HTTPGateway) DeleteDocument(ctx context.Context, id DocumentID) error {
	return g.do(ctx, http.MethodDelete, "/books/"+url.PathEscape(id.String()), nil, nil, "", nil)
}

func (g *HTTPGateway) UpdateDocument(ctx context.Context, id DocumentID, fields UpdateFields) (Document, error) {
	if err := Validate(&fields); err != nil {
		return Document{}, fmt.Errorf("invalid document fields: %w", err)
	}
	form := url.Values{}
	form.Set("title", fields.Title)
	form.Set("author", fields.Author)
	var doc Document
	err := g.do(ctx, http.MethodPut, "/books/"+url.PathEscape(id.String()), nil,
		strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", &doc)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (g *HTTPGateway) ConvertDocument(ctx context.Context, id DocumentID) (Document, error) {
	var doc Document
	if err := g.do(ctx, http.MethodPost, "/books/"+url.PathEscape(id.String())+"/convert", nil, nil, "", &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (g *HTTPGateway) Categories(ctx context.Context) ([]string, error) {
	var cats []string
	if err := g.do(ctx, http.MethodGet, "/categories/", nil, nil, "", &cats); err != nil {
		return nil, err
	}
	return cats, nil
}

func (g *HTTPGateway) CountDocuments(ctx context.Context) (int, error) {
	var n int
	if err := g.do(ctx, http.MethodGet, "/books/count", nil, nil, "", &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (g *HTTPGateway) ReindexCategory(ctx context.Context, category string, force bool) (ReindexReport, error) {
	q := url.Values{}
	q.Set("force", strconv.FormatBool(force))
	var rep ReindexReport
	if err := g.do(ctx, http.MethodPost, "/rag/reindex/category/"+url.PathEscape(category), q, nil, "", &rep); err != nil {
		return ReindexReport{}, err
	}
	return rep, nil
}

func (g *HTTPGateway) ReindexAll(ctx context.Context, force bool) (ReindexReport, error) {
	q := url.Values{}
	q.Set("force", strconv.FormatBool(force))
	var rep ReindexReport
	if err := g.do(ctx, http.MethodPost, "/rag/reindex/all", q, nil, "", &rep); err != nil {
		return ReindexReport{}, err
	}
	return rep, nil
}

func (g *HTTPGateway) DeleteCategory(ctx context.Context, category string) error {
	return g.do(ctx, http.MethodDelete, "/categories/"+url.PathEscape(category), nil, nil, "", nil)
}

func (g *HTTPGateway) EstimateDocument(ctx context.Context, id DocumentID, opts EstimateOptions) (Estimate, error) {
	return g.estimate(ctx, "/rag/estimate/book/"+url.PathEscape(id.String()), opts)
}

func (g *HTTPGateway) EstimateCategory(ctx context.Context, category string, opts EstimateOptions) (Estimate, error) {
	return g.estimate(ctx, "/rag/estimate/category/"+url.PathEscape(category), opts)
}

func (g *HTTPGateway) EstimateAll(ctx context.Context, opts EstimateOptions) (Estimate, error) {
	return g.estimate(ctx, "/rag/estimate/all", opts)
}

func (g *HTTPGateway) estimate(ctx context.Context, path string, opts EstimateOptions) (Estimate, error) {
	if err := Validate(&opts); err != nil {
		return Estimate{}, fmt.Errorf("invalid estimate options: %w", err)
	}
	q := url.Values{}
	if opts.Per1K != nil {
		q.Set("per1k", strconv.FormatFloat(*opts.Per1K, 'f', -1, 64))
	}
	if opts.MaxTokens > 0 {
		q.Set("max_tokens", strconv.Itoa(opts.MaxTokens))
	}
	var est Estimate
	if err := g.do(ctx, http.MethodGet, path, q, nil, "", &est); err != nil {
		return Estimate{}, err
	}
	return est, nil
}

// do performs one request. Transport and decode failures become
// apperr.ErrNetwork, non-2xx answers *apperr.ServerError. Cancellation of
// ctx is returned as ctx.Err().
func (g *HTTPGateway) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: %w: %v", method, path, apperr.ErrNetwork, err)
	}

	u := *g.base
	u.Path = g.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.log.Warn("library request failed", "method", method, "path", path, "request_id", reqID, "err", err)
		return fmt.Errorf("%s %s: %w: %v", method, path, apperr.ErrNetwork, err)
	}
	defer resp.Body.Close()

	g.log.Debug("library request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"request_id", reqID,
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apperr.ServerError{Status: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s %s: failed to decode response: %w: %v", method, path, apperr.ErrNetwork, err)
	}
	return nil
}

// readDetail extracts the backend's {"detail": ...} from an error body. A
// non-string detail (validation errors) is returned as its JSON text.
func readDetail(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || len(payload.Detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(payload.Detail, &s); err == nil {
		return s
	}
	return string(payload.Detail)
}
