package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.5-flash-lite"

// ErrNoAPIKey is returned when no Gemini key is configured.
var ErrNoAPIKey = errors.New("gemini API key is required")

type GeminiClient struct {
	client *genai.Client
	model  string
}

func NewGeminiClient(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	if model == "" {
		model = DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{
		client: client,
		model:  model,
	}, nil
}

// Model returns the configured Gemini model name.
func (g *GeminiClient) Model() string {
	return g.model
}

// GenerateResponse sends one prompt and returns the cleaned text reply.
func (g *GeminiClient) GenerateResponse(ctx context.Context, prompt string) (string, error) {
	userContent := genai.NewContentFromText(prompt, genai.RoleUser)

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0.7)),
		TopP:            genai.Ptr(float32(0.8)),
		MaxOutputTokens: int32(256),
	}

	resp, err := g.client.Models.GenerateContent(
		ctx,
		g.model,
		[]*genai.Content{userContent},
		config,
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", errors.New("gemini returned an empty response")
	}

	return text, nil
}
