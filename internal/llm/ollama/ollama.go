// Package ollama adapts a local Ollama server to the llm.Backend and
// vector.Embedder contracts.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/JakeFAU/academic-crawl-pipeline/internal/crawler"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultURL         = "http://localhost:11434"
	DefaultModel       = "llama3.1"
	DefaultTemperature = 0.2
)

// Config selects the server and model.
type Config struct {
	URL         string
	Model       string
	Temperature float64
	HTTPClient  *http.Client
}

// Client is a thin wrapper over api.Client bound to one model.
type Client struct {
	api   *api.Client
	model string
	temp  float64
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("ollama url %q must include scheme and host", cfg.URL)
	}
	return &Client{
		api:   api.NewClient(base, cfg.HTTPClient),
		model: cfg.Model,
		temp:  cfg.Temperature,
	}, nil
}

// Model implements llm.Backend.
func (c *Client) Model() string { return c.model }

// Complete sends prompt as one user message and concatenates the reply.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: []api.Message{{Role: "user", Content: prompt}},
		Stream:   &stream,
		Options:  map[string]any{"temperature": c.temp},
	}
	var reply strings.Builder
	err := c.api.Chat(ctx, req, func(resp api.ChatResponse) error {
		reply.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: ollama chat %s: %w", crawler.ErrLLMTransport, c.model, describe(err))
	}
	return reply.String(), nil
}

// Embedder computes dense embeddings with an Ollama embedding model.
type Embedder struct {
	client *Client
}

// NewEmbedder builds an Embedder. cfg.Model names the embedding model.
func NewEmbedder(cfg Config) (*Embedder, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: c}, nil
}

// Embed returns the embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.api.Embed(ctx, &api.EmbedRequest{Model: e.client.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("%w: ollama embed %s: %w", crawler.ErrVectorStore, e.client.model, describe(err))
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("%w: ollama embed %s returned no vectors", crawler.ErrVectorStore, e.client.model)
	}
	return resp.Embeddings[0], nil
}

func describe(err error) error {
	var status api.StatusError
	if errors.As(err, &status) {
		return fmt.Errorf("status %d: %s", status.StatusCode, status.ErrorMessage)
	}
	return err
}
