package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Remote embeds text through an OpenAI-compatible /embeddings endpoint. The
// provider has no native batching here: every text is one request.
type Remote struct {
	cfg        Config
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

type remoteRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type remoteResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// NewRemoteFromEnv builds the remote backend using EMBEDDING_* environment
// variables for credentials and endpoint.
func NewRemoteFromEnv(cfg Config) (*Remote, error) {
	cfg.ApplyDefaults()

	apiKey := strings.TrimSpace(os.Getenv("EMBEDDING_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("embeddings: EMBEDDING_API_KEY is required for the remote backend")
	}

	baseURL := strings.TrimSpace(os.Getenv("EMBEDDING_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("embeddings: invalid embedding base URL %q", baseURL)
	}

	if cfg.ModelID == "" {
		cfg.ModelID = "text-embedding-3-small"
	}

	return &Remote{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.timeout()},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}, nil
}

func (r *Remote) Dimension() int {
	return r.cfg.Dimension
}

func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (r *Remote) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	sanitized, err := sanitizeInputs(texts)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(sanitized))
	for i, text := range sanitized {
		vector, err := r.embedWithRetry(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vector
	}
	return vectors, nil
}

func (r *Remote) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		results, err := callWithTimeout(ctx, r.cfg.timeout(), func(callCtx context.Context) ([][]float32, error) {
			vector, callErr := r.requestEmbedding(callCtx, text)
			if callErr != nil {
				return nil, callErr
			}
			return [][]float32{vector}, nil
		})
		if err == nil {
			return results[0], nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < r.cfg.MaxRetries {
			time.Sleep(r.cfg.retryDelay() * time.Duration(attempt))
		}
	}
	return nil, fmt.Errorf("embeddings: remote backend failed after %d attempts: %w", r.cfg.MaxRetries, lastErr)
}

func (r *Remote) requestEmbedding(ctx context.Context, text string) ([]float32, error) {
	payload := remoteRequest{
		Model: r.cfg.ModelID,
		Input: []string{text},
	}
	if r.cfg.Dimension > 0 {
		dim := r.cfg.Dimension
		payload.Dimensions = &dim
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("embeddings: encode request payload: %w", err)
	}

	endpoint := r.baseURL + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("embeddings: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings: provider status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("embeddings: decode response: %w", err)
	}
	if len(decoded.Data) != 1 {
		return nil, fmt.Errorf("embeddings: provider returned %d embeddings for one input", len(decoded.Data))
	}

	raw := decoded.Data[0].Embedding
	if r.cfg.Dimension > 0 && len(raw) != r.cfg.Dimension {
		return nil, fmt.Errorf("embeddings: embedding length %d does not match configured dimension %d", len(raw), r.cfg.Dimension)
	}

	vector := make([]float32, len(raw))
	for i, value := range raw {
		vector[i] = float32(value)
	}
	return vector, nil
}
