package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/conversation"
	"github.com/vango-go/vai-order/pkg/core/gemini"
	"github.com/vango-go/vai-order/pkg/core/intent"
	"github.com/vango-go/vai-order/pkg/core/quota"
)

// ResponseRequest is the input to response generation.
type ResponseRequest struct {
	Transcription string
	Update        intent.OrderUpdateResult
	History       []conversation.Turn
	MenuContext   string
	OrderContext  string
	Language      string
}

// Responder produces the assistant's reply for a turn.
type Responder interface {
	Respond(ctx context.Context, req ResponseRequest) (string, error)
}

// TemplateResponder builds replies from the order update alone.
type TemplateResponder struct{}

// Respond implements Responder.
func (TemplateResponder) Respond(_ context.Context, req ResponseRequest) (string, error) {
	u := req.Update
	if u.Err != nil {
		if errors.Is(u.Err, core.ErrItemNotFound) {
			return "Sorry, I couldn't find that. Could you tell me which menu item you meant?", nil
		}
		return "Sorry, I didn't quite catch that. Could you repeat your order?", nil
	}
	if u.Duplicate {
		return "Got it. Your order so far: " + u.Order.Summary() + ".", nil
	}
	if !u.Updated || u.Line == nil {
		if u.Order.Empty() {
			return "What can I get for you today?", nil
		}
		return "Your order so far: " + u.Order.Summary() + ". Anything else?", nil
	}

	line := *u.Line
	switch u.Action {
	case intent.ActionAddItem:
		if line.IsRewardItem {
			return fmt.Sprintf("Great, I added your reward %s. Anything else?", line.Name), nil
		}
		return fmt.Sprintf("Got it, %d %s. Anything else?", line.Quantity, line.Name), nil
	case intent.ActionRemoveItem:
		return fmt.Sprintf("Okay, I removed the %s.", line.Name), nil
	case intent.ActionModifyQuantity:
		if u.Intent.Quantity <= 0 {
			return fmt.Sprintf("Okay, I took the %s off your order.", line.Name), nil
		}
		return fmt.Sprintf("Sure, that's %d %s now.", line.Quantity, line.Name), nil
	case intent.ActionAddCustomization:
		return fmt.Sprintf("Sure, %s on the %s.", strings.Join(u.Intent.Customizations, " and "), line.Name), nil
	}
	return "Your order so far: " + u.Order.Summary() + ".", nil
}

const responderSystemPrompt = `You are a friendly drive-through order taker speaking to a customer.
Reply in one or two short spoken sentences. Never invent menu items or prices.
Confirm what changed in the order, or ask a brief clarifying question when nothing changed.`

// GeminiResponder generates replies with a Gemini model.
type GeminiResponder struct {
	gen     gemini.Generator
	model   string
	limiter *quota.Limiter
}

func NewGeminiResponder(gen gemini.Generator, model string, limiter *quota.Limiter) *GeminiResponder {
	return &GeminiResponder{gen: gen, model: model, limiter: limiter}
}

// Respond implements Responder.
func (r *GeminiResponder) Respond(ctx context.Context, req ResponseRequest) (string, error) {
	if err := r.limiter.Allow(ctx, quota.ProviderGeneration); err != nil {
		return "", err
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](0.4),
		MaxOutputTokens: 120,
	}
	text, err := gemini.Generate(ctx, r.gen, r.model, responderSystemPrompt, buildResponsePrompt(req), cfg)
	if err != nil {
		return "", core.NewProviderError("gemini", err, gemini.IsTransient(err))
	}
	return text, nil
}

func buildResponsePrompt(req ResponseRequest) string {
	var b strings.Builder
	if req.Language != "" {
		fmt.Fprintf(&b, "Reply in language: %s\n", req.Language)
	}
	if req.MenuContext != "" {
		fmt.Fprintf(&b, "Menu: %s\n", req.MenuContext)
	}
	if req.OrderContext != "" {
		fmt.Fprintf(&b, "Customer context: %s\n", req.OrderContext)
	}
	for _, t := range req.History {
		fmt.Fprintf(&b, "customer: %s\nassistant: %s\n", t.UserMessage, t.AIResponse)
	}
	u := req.Update
	fmt.Fprintf(&b, "Action: %s (updated=%t)\n", u.Action, u.Updated)
	if u.Err != nil {
		fmt.Fprintf(&b, "Problem: %s\n", u.Err.Error())
	}
	fmt.Fprintf(&b, "Order now: %s\n", u.Order.Summary())
	fmt.Fprintf(&b, "Customer said: %s", req.Transcription)
	return b.String()
}
