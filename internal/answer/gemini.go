package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultGeminiModel is used when no model is named.
const DefaultGeminiModel = "gemini-2.5-flash"

// Gemini implements the Completer interface using Google Gemini
type Gemini struct {
	client    *genai.Client
	modelName string
}

// NewGemini creates a new Gemini Completer instance
func NewGemini(apiKey string, modelName string, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = DefaultGeminiModel
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client:    client,
		modelName: modelName,
	}, nil
}

// Complete sends prompt with the system instruction and returns the text reply.
func (g *Gemini) Complete(ctx context.Context, prompt, system string, maxTokens int) (string, error) {
	// A model per call keeps the system instruction local to this request.
	model := g.client.GenerativeModel(g.modelName)
	model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	model.SetMaxOutputTokens(int32(maxTokens))
	model.SetTemperature(0)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return "", &RemoteError{Message: blocked.Error(), Err: ErrMalformed}
		}
		return "", fmt.Errorf("generating content: %w", classifyGoogleError(err))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", &RemoteError{Message: "no response from gemini"}
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}
	return strings.TrimSpace(responseText.String()), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
