package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/snapdraft/backend/internal/models"
)

// Generator produces post content from a store profile and generation
// parameters. The orchestrator treats it as an opaque external call.
type Generator interface {
	Generate(ctx context.Context, profile models.StoreProfile, cfg models.GenerationConfig) (*models.GenerationResult, error)
	Refine(ctx context.Context, currentContent, instruction string) (string, error)
}

// Gemini is the Generator implementation backed by Google's Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates the Gemini adapter.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("generation: gemini api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("generation: create gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Close releases the underlying API client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

// Generate asks the model for an analysis plus post candidates as a JSON
// object and decodes it into a GenerationResult.
func (g *Gemini) Generate(ctx context.Context, profile models.StoreProfile, cfg models.GenerationConfig) (*models.GenerationResult, error) {
	model := g.client.GenerativeModel(g.model)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"analysis": {Type: genai.TypeString},
			"posts": {
				Type:  genai.TypeArray,
				Items: &genai.Schema{Type: genai.TypeString},
			},
		},
		Required: []string{"analysis", "posts"},
	}

	prompt, err := buildPrompt(profile, cfg)
	if err != nil {
		return nil, err
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("generation: generate content: %w", err)
	}

	text, err := responseText(resp)
	if err != nil {
		return nil, err
	}

	var result models.GenerationResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("generation: decode model response: %w", err)
	}
	if len(result.Posts) == 0 {
		return nil, errors.New("generation: model returned no posts")
	}
	return &result, nil
}

// Refine rewrites existing content following an instruction and returns the
// revised text.
func (g *Gemini) Refine(ctx context.Context, currentContent, instruction string) (string, error) {
	if strings.TrimSpace(currentContent) == "" {
		return "", errors.New("generation: nothing to refine")
	}

	model := g.client.GenerativeModel(g.model)
	prompt := fmt.Sprintf(
		"Revise the following social media post per the instruction. Return only the revised post text.\n\nInstruction: %s\n\nPost:\n%s",
		instruction, currentContent,
	)

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generation: refine content: %w", err)
	}
	return responseText(resp)
}

func buildPrompt(profile models.StoreProfile, cfg models.GenerationConfig) (string, error) {
	payload := struct {
		Profile models.StoreProfile     `json:"profile"`
		Config  models.GenerationConfig `json:"config"`
	}{profile, cfg}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("generation: encode prompt payload: %w", err)
	}

	targets := cfg.Platform
	if len(cfg.Platforms) > 1 {
		targets = strings.Join(cfg.Platforms, ", ")
	}

	return fmt.Sprintf(
		"You write social media posts for small businesses. Using the profile and parameters below, produce a short analysis of the angle taken and one post per target platform (%s).\n\n%s",
		targets, string(encoded),
	), nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("generation: empty model response")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("generation: model response contained no text")
	}
	return sb.String(), nil
}
