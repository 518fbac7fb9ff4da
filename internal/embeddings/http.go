package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/huaquanghan/agent-memory-server/pkg/types"
)

// HTTPProvider calls an OpenAI-compatible embeddings endpoint. Transport
// failures, timeouts and non-2xx responses are reported as transient so the
// promotion pipeline retries them with backoff.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	dims    int
	client  *http.Client
}

// NewHTTPProvider creates a provider for POST {baseURL}/embeddings.
func NewHTTPProvider(baseURL, apiKey, model string, dims int, timeout time.Duration) *HTTPProvider {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dims <= 0 {
		dims = 1536
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: text, Model: p.model})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, types.Transient("embed request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, types.Transient("embed request",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(b)))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, types.Transient("decode embed response", err)
	}
	if len(result.Data) == 0 {
		return nil, types.Transient("embed response", errors.New("no embedding returned"))
	}
	return result.Data[0].Embedding, nil
}

func (p *HTTPProvider) Dimensions() int { return p.dims }
