package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/logger"
	"github.com/sanchirEs/mns-chatbot-sub001/internal/retry"
	"github.com/sanchirEs/mns-chatbot-sub001/pkg/types"
)

// DateLayout is how the date range is rendered in query parameters
const DateLayout = "2006-01-02"

// Responses larger than this are rejected
const maxBodyBytes = 32 << 20

// PageRequest identifies one page of the upstream listing
type PageRequest struct {
	Page    int
	Size    int
	From    time.Time // Zero → parameter omitted
	To      time.Time
	StoreID string
}

// Page is one fetched page of raw records
type Page struct {
	Number  int
	Shape   types.EnvelopeShape
	Records [][]byte
}

// Source is the paginated upstream product listing
type Source interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
}

// Options configure an HTTPSource. Parameter names default to
// page/size/startDate/endDate/storeId.
type Options struct {
	BaseURL    string
	Path       string
	Token      string
	Timeout    time.Duration
	PageParam  string
	SizeParam  string
	FromParam  string
	ToParam    string
	StoreParam string
	Retry      retry.Policy
}

// HTTPSource fetches pages from a JSON-over-HTTP listing endpoint
type HTTPSource struct {
	endpoint   string
	token      string
	params     Options
	policy     retry.Policy
	httpClient *http.Client
	log        *logger.Logger
}

// NewHTTPSource validates the endpoint and builds a source
func NewHTTPSource(opts Options, log *logger.Logger) (*HTTPSource, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("upstream base url not set")
	}
	endpoint := strings.TrimRight(opts.BaseURL, "/")
	if opts.Path != "" {
		endpoint += "/" + strings.TrimLeft(opts.Path, "/")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", endpoint, err)
	}

	params := opts
	setDefault(&params.PageParam, "page")
	setDefault(&params.SizeParam, "size")
	setDefault(&params.FromParam, "startDate")
	setDefault(&params.ToParam, "endDate")
	setDefault(&params.StoreParam, "storeId")

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPSource{
		endpoint:   endpoint,
		token:      opts.Token,
		params:     params,
		policy:     opts.Retry,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.OrNop(log).With("component", "upstream"),
	}, nil
}

func setDefault(s *string, v string) {
	if *s == "" {
		*s = v
	}
}

// FetchPage retrieves and unwraps one page. Failures after retries are
// reported as types.ErrSyncUnavailable.
func (s *HTTPSource) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	target := s.pageURL(req)

	body, attempts, err := retry.Do(ctx, s.policy, func(ctx context.Context) ([]byte, error) {
		return s.get(ctx, target)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: page %d after %d attempts: %w", types.ErrSyncUnavailable, req.Page, attempts, err)
	}

	env, err := DetectEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", types.ErrSyncUnavailable, req.Page, err)
	}
	if env.Shape == types.ShapeNone {
		s.log.Warn("no product array found in upstream page",
			"page", req.Page,
			"probed_paths", ProbedPaths(),
			"body_bytes", len(body))
	}

	return &Page{Number: req.Page, Shape: env.Shape, Records: env.Records}, nil
}

func (s *HTTPSource) pageURL(req PageRequest) string {
	q := url.Values{}
	q.Set(s.params.PageParam, strconv.Itoa(req.Page))
	if req.Size > 0 {
		q.Set(s.params.SizeParam, strconv.Itoa(req.Size))
	}
	if !req.From.IsZero() {
		q.Set(s.params.FromParam, req.From.Format(DateLayout))
	}
	if !req.To.IsZero() {
		q.Set(s.params.ToParam, req.To.Format(DateLayout))
	}
	if req.StoreID != "" {
		q.Set(s.params.StoreParam, req.StoreID)
	}

	sep := "?"
	if strings.Contains(s.endpoint, "?") {
		sep = "&"
	}
	return s.endpoint + sep + q.Encode()
}

// get performs one round trip. Client errors other than 429 are permanent.
func (s *HTTPSource) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, retry.WithRetryAfter(statusErr, retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
		}
		return nil, retry.Permanent(statusErr)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, retry.Permanent(fmt.Errorf("upstream page exceeds %d bytes", maxBodyBytes))
	}
	return body, nil
}

// Close releases idle connections
func (s *HTTPSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
