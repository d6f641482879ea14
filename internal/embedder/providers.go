package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sanchirEs/mns-chatbot-sub001/internal/retry"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultLocalModel  = "local-trigram-hash"

	// Default endpoints
	DefaultJinaBaseURL   = "https://api.jina.ai/v1"
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	DefaultTimeout = 30 * time.Second
)

// HTTPProvider implements Embedder against an OpenAI compatible
// /embeddings endpoint. Both OpenAI and Jina AI speak this format.
type HTTPProvider struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	sendDims   bool // Ask the API to shorten vectors to dimension
	httpClient *http.Client
	cache      *Cache
	policy     retry.Policy
}

// HTTPOptions configures an HTTPProvider
type HTTPOptions struct {
	Name      string // ProviderOpenAI or ProviderJina
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int // 0 → provider default
	Timeout   time.Duration
	Cache     *Cache
	Retry     retry.Policy
}

// NewHTTPProvider creates an embedder for a hosted provider
func NewHTTPProvider(opts HTTPOptions) (*HTTPProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: %s api key not set", ErrNoProviderEnabled, opts.Name)
	}

	p := &HTTPProvider{
		name:   opts.Name,
		apiKey: opts.APIKey,
		cache:  opts.Cache,
		policy: opts.Retry,
	}

	var defaultDim int
	switch opts.Name {
	case ProviderOpenAI:
		p.baseURL, p.model, defaultDim = DefaultOpenAIBaseURL, DefaultOpenAIModel, OpenAIDimension
	case ProviderJina:
		p.baseURL, p.model, defaultDim = DefaultJinaBaseURL, DefaultJinaModel, JinaDimension
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, opts.Name)
	}
	if opts.BaseURL != "" {
		p.baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Model != "" {
		p.model = opts.Model
	}
	p.dimension = defaultDim
	if opts.Dimension > 0 {
		p.dimension = opts.Dimension
		p.sendDims = opts.Dimension != defaultDim
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p.httpClient = &http.Client{Timeout: timeout}

	return p, nil
}

func (p *HTTPProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	// Use batch API for consistency
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{
		Texts: []string{req.Text},
		Model: req.Model,
	})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (p *HTTPProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	// Serve what we can from cache, call the API for the rest
	embeddings := make([]*Embedding, len(req.Texts))
	var missing []int
	for i, text := range req.Texts {
		if p.cache != nil {
			if emb, ok := p.cache.Get(cacheKey(model, text)); ok {
				embeddings[i] = emb
				continue
			}
		}
		missing = append(missing, i)
	}

	if len(missing) > 0 {
		texts := make([]string, len(missing))
		for j, i := range missing {
			texts[j] = req.Texts[i]
		}

		fetched, attempts, err := retry.Do(ctx, p.policy, func(ctx context.Context) ([]*Embedding, error) {
			return p.callAPI(ctx, texts, model)
		})
		if err != nil {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrProviderUnavailable, attempts, err)
		}

		for j, i := range missing {
			emb := fetched[j]
			emb.Hash = ComputeHash(req.Texts[i])
			embeddings[i] = emb
			if p.cache != nil {
				p.cache.Set(cacheKey(model, req.Texts[i]), emb)
			}
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   p.name,
		Model:      model,
	}, nil
}

type embeddingAPIRequest struct {
	Input      []string `json:"input"`
	Model      string   `json:"model"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingAPIResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// callAPI performs one HTTP round trip. Errors not worth retrying are
// wrapped with retry.Permanent.
func (p *HTTPProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	reqBody := embeddingAPIRequest{Input: texts, Model: model}
	if p.sendDims {
		reqBody.Dimensions = p.dimension
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.WithRetryAfter(ErrRateLimited, retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case resp.StatusCode >= 500:
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
		return nil, retry.WithRetryAfter(err, retry.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()))
	case resp.StatusCode != http.StatusOK:
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, retry.Permanent(fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes)))
	}

	var apiResp embeddingAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Data) != len(texts) {
		return nil, fmt.Errorf("api returned %d embeddings for %d texts", len(apiResp.Data), len(texts))
	}

	sort.Slice(apiResp.Data, func(i, j int) bool {
		return apiResp.Data[i].Index < apiResp.Data[j].Index
	})

	resolvedModel := apiResp.Model
	if resolvedModel == "" {
		resolvedModel = model
	}

	embeddings := make([]*Embedding, len(apiResp.Data))
	for i, data := range apiResp.Data {
		if err := checkDimension(data.Embedding, p.dimension); err != nil {
			return nil, retry.Permanent(err)
		}
		embeddings[i] = &Embedding{
			Vector:    data.Embedding,
			Dimension: len(data.Embedding),
			Provider:  p.name,
			Model:     resolvedModel,
		}
	}

	return embeddings, nil
}

func (p *HTTPProvider) Dimension() int {
	return p.dimension
}

func (p *HTTPProvider) Provider() string {
	return p.name
}

func (p *HTTPProvider) Model() string {
	return p.model
}

func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}
