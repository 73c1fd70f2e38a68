package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-2.5-flash"

const systemPrompt = `Você classifica mensagens de pacientes de uma clínica.
Responda SOMENTE com um objeto JSON minificado, sem markdown, no formato:
{"kind":"continue|handoff","intent":"<rótulo>","reply":"<resposta opcional>","queue":"<fila humana quando handoff>","confidence":0.0,"extracted":{},"expect_fields":[]}
Use "handoff" apenas quando o paciente pedir um atendente ou o assunto exigir uma pessoa.
confidence é um número entre 0 e 1.`

type generateFunc func(ctx context.Context, system, user string) (string, error)

// GeminiClassifier classifies through a Gemini model.
type GeminiClassifier struct {
	client   *genai.Client
	generate generateFunc
	logger   *slog.Logger
}

// NewGeminiClassifier creates a classifier backed by the Gemini API.
func NewGeminiClassifier(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiClassifier, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	c := &GeminiClassifier{client: client, logger: logger}
	c.generate = func(ctx context.Context, system, user string) (string, error) {
		m := client.GenerativeModel(model)
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
		m.ResponseMIMEType = "application/json"
		resp, err := m.GenerateContent(ctx, genai.Text(user))
		if err != nil {
			return "", fmt.Errorf("failed to generate content: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
			return "", fmt.Errorf("empty response from model")
		}
		part := resp.Candidates[0].Content.Parts[0]
		text, ok := part.(genai.Text)
		if !ok {
			return "", fmt.Errorf("unexpected response type from model: %T", part)
		}
		return string(text), nil
	}
	return c, nil
}

// Close releases the underlying client.
func (c *GeminiClassifier) Close() {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Close(); err != nil {
		c.logger.Warn("failed to close gemini client", "err", err)
	}
}

// Classify implements Bridge.
func (c *GeminiClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	system := systemPrompt
	if req.Instructions != "" {
		system += "\n\n" + req.Instructions
	}
	raw, err := c.generate(ctx, system, userPrompt(req))
	if err != nil {
		return Result{}, err
	}
	c.logger.Debug("classifier response", "conversation_id", req.ConversationID, "raw", raw)
	return ParseResult(raw)
}

func userPrompt(req Request) string {
	var b strings.Builder
	if len(req.History) > 0 {
		b.WriteString("Histórico:\n")
		for _, t := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", t.Author, t.Text)
		}
	}
	fmt.Fprintf(&b, "Mensagem: %q", req.Text)
	return b.String()
}

// ParseResult decodes a model response, tolerating markdown fences.
func ParseResult(raw string) (Result, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var res Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return Result{}, fmt.Errorf("failed to parse classifier response: %w (response was: %s)", err, raw)
	}
	switch res.Kind {
	case KindContinue, KindHandoff:
	case "":
		res.Kind = KindContinue
	default:
		return Result{}, fmt.Errorf("unknown classification kind %q", res.Kind)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return Result{}, fmt.Errorf("confidence %v out of range", res.Confidence)
	}
	return res, nil
}
