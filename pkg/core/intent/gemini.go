package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"google.golang.org/genai"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/gemini"
	"github.com/vango-go/vai-order/pkg/core/quota"
)

const classifierSystemPrompt = `You extract exactly one food-order action from a customer's spoken utterance.
Actions: ADD_ITEM, REMOVE_ITEM, MODIFY_QUANTITY, ADD_CUSTOMIZATION, NO_OP.
Use menu names verbatim for "item". Leave "item" empty for ADD_CUSTOMIZATION or MODIFY_QUANTITY when the customer refers to the last thing they ordered.
Set "reward" only when the customer asks to redeem a reward or free item.
Reply with JSON only.`

var intentSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"action": {
			Type: genai.TypeString,
			Enum: []string{string(ActionAddItem), string(ActionRemoveItem), string(ActionModifyQuantity), string(ActionAddCustomization), string(ActionNoOp)},
		},
		"item":           {Type: genai.TypeString},
		"quantity":       {Type: genai.TypeInteger},
		"customizations": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		"reward":         {Type: genai.TypeBoolean},
	},
	Required: []string{"action"},
}

// GeminiClassifier asks a Gemini model for a structured intent. Transient
// provider failures are retried Retries times with exponential backoff
// starting at RetryBase.
type GeminiClassifier struct {
	Retries   uint64
	RetryBase time.Duration

	gen     gemini.Generator
	model   string
	limiter *quota.Limiter
}

func NewGeminiClassifier(gen gemini.Generator, model string, limiter *quota.Limiter) *GeminiClassifier {
	return &GeminiClassifier{
		Retries:   2,
		RetryBase: 100 * time.Millisecond,
		gen:       gen,
		model:     model,
		limiter:   limiter,
	}
}

// Classify implements Classifier.
func (c *GeminiClassifier) Classify(ctx context.Context, req Request) (Intent, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
		ResponseSchema:   intentSchema,
	}
	prompt := buildClassifierPrompt(req)

	var text string
	backoff := retry.WithMaxRetries(c.Retries, retry.NewExponential(c.retryBase()))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Allow(ctx, quota.ProviderIntent); err != nil {
			return err
		}
		var err error
		text, err = gemini.Generate(ctx, c.gen, c.model, classifierSystemPrompt, prompt, cfg)
		if err == nil {
			return nil
		}
		perr := core.NewProviderError("gemini", err, gemini.IsTransient(err))
		if gemini.IsTransient(err) && ctx.Err() == nil {
			return retry.RetryableError(perr)
		}
		return perr
	})
	if err != nil {
		return Intent{}, err
	}
	var in Intent
	if err := json.Unmarshal([]byte(gemini.StripCodeFence(text)), &in); err != nil {
		return Intent{}, fmt.Errorf("decode intent: %w", err)
	}
	in.Action = Action(strings.ToUpper(strings.TrimSpace(string(in.Action))))
	if !in.Action.Valid() {
		return Intent{}, fmt.Errorf("model returned unknown action %q", in.Action)
	}
	return in, nil
}

func (c *GeminiClassifier) retryBase() time.Duration {
	if c.RetryBase <= 0 {
		return 100 * time.Millisecond
	}
	return c.RetryBase
}

func buildClassifierPrompt(req Request) string {
	var b strings.Builder
	if len(req.Vocabulary) > 0 {
		b.WriteString("Menu: ")
		b.WriteString(strings.Join(req.Vocabulary, ", "))
		b.WriteString("\n")
	}
	b.WriteString("Current order: ")
	b.WriteString(req.Order.Summary())
	b.WriteString("\n")
	if len(req.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range req.History {
			fmt.Fprintf(&b, "customer: %s\nassistant: %s\n", t.UserMessage, t.AIResponse)
		}
	}
	b.WriteString("Utterance: ")
	b.WriteString(req.Text)
	return b.String()
}

// FallbackClassifier uses Primary and falls back to Secondary when Primary
// fails for any reason other than cancellation.
type FallbackClassifier struct {
	Primary   Classifier
	Secondary Classifier
	Logger    *slog.Logger
}

// Classify implements Classifier.
func (f FallbackClassifier) Classify(ctx context.Context, req Request) (Intent, error) {
	in, err := f.Primary.Classify(ctx, req)
	if err == nil || f.Secondary == nil {
		return in, err
	}
	if ctx.Err() != nil {
		return Intent{}, ctx.Err()
	}
	if f.Logger != nil {
		f.Logger.Warn("primary intent classifier failed; using fallback", "error", err)
	}
	return f.Secondary.Classify(ctx, req)
}
