package provider

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"capforge/internal/config"
	"capforge/internal/logging"
)

// GenAIProvider synthesizes programs through the Gemini API.
type GenAIProvider struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGenAIProvider creates a Gemini-backed provider.
func NewGenAIProvider(cfg config.ProviderConfig, timeout time.Duration) (*GenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIProvider{client: client, model: model, timeout: timeout}, nil
}

// GenerateProgram asks the model for a program and parses the typed reply.
func (p *GenAIProvider) GenerateProgram(ctx context.Context, req Request) (*GeneratedProgram, error) {
	log := logging.Get(logging.CategoryProvider)
	system, user := buildPrompt(req)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	result, err := p.client.Models.GenerateContent(ctx,
		p.model,
		genai.Text(user),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
			ResponseMIMEType:  "application/json",
			Temperature:       genai.Ptr[float32](0.1),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return nil, fmt.Errorf("empty generation response")
	}
	log.Debugw("program generated",
		"capability", req.Role+"/"+req.Operation,
		"model", p.model,
		"elapsed", time.Since(start))

	return parseProgram(text)
}
