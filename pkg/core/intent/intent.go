// Package intent turns a transcribed utterance into a single working-order
// mutation and applies it to the session under its lock.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/conversation"
	"github.com/vango-go/vai-order/pkg/core/order"
	"github.com/vango-go/vai-order/pkg/core/session"
)

// Action is the kind of order mutation an utterance maps to.
type Action string

const (
	ActionAddItem          Action = "ADD_ITEM"
	ActionRemoveItem       Action = "REMOVE_ITEM"
	ActionModifyQuantity   Action = "MODIFY_QUANTITY"
	ActionAddCustomization Action = "ADD_CUSTOMIZATION"
	ActionNoOp             Action = "NO_OP"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAddItem, ActionRemoveItem, ActionModifyQuantity, ActionAddCustomization, ActionNoOp:
		return true
	}
	return false
}

// Intent is a classifier's reading of one utterance.
type Intent struct {
	Action         Action   `json:"action"`
	Item           string   `json:"item,omitempty"`
	Quantity       int      `json:"quantity,omitempty"`
	Customizations []string `json:"customizations,omitempty"`
	Reward         bool     `json:"reward,omitempty"`
}

// Request is the classifier input.
type Request struct {
	Text       string
	Order      order.WorkingOrder
	History    []conversation.Turn
	Vocabulary []string
}

// Classifier maps an utterance to an Intent.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Intent, error)
}

// OrderUpdateResult reports what a turn did to the working order. Err holds
// classification or catalog failures; those leave the order unchanged.
type OrderUpdateResult struct {
	Updated   bool               `json:"updated"`
	Action    Action             `json:"action"`
	Intent    Intent             `json:"intent"`
	Line      *order.LineItem    `json:"line,omitempty"`
	Order     order.WorkingOrder `json:"order"`
	Duplicate bool               `json:"duplicate,omitempty"`
	Err       error              `json:"-"`
}

// ErrorMessage returns Err as a string for transport.
func (r OrderUpdateResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Vocabulary is implemented by catalogs that can list matchable names.
type Vocabulary interface {
	Names() []string
}

// Processor classifies utterances and applies the resulting mutation.
type Processor struct {
	sessions      *session.Registry
	catalog       order.Catalog
	classifier    Classifier
	historyWindow int
	log           *slog.Logger
}

// Config configures a Processor.
type Config struct {
	HistoryWindow int
	Logger        *slog.Logger
}

func NewProcessor(sessions *session.Registry, catalog order.Catalog, classifier Classifier, cfg Config) *Processor {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 6
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Processor{
		sessions:      sessions,
		catalog:       catalog,
		classifier:    classifier,
		historyWindow: cfg.HistoryWindow,
		log:           cfg.Logger,
	}
}

// Process classifies transcription and applies it to the session's order.
func (p *Processor) Process(ctx context.Context, transcription, sessionID string) (OrderUpdateResult, error) {
	return p.ProcessRequest(ctx, "", transcription, sessionID)
}

// ProcessRequest is Process with an idempotency key: a requestID that has
// already been applied to the session is reported as a duplicate and not
// applied again. The returned error is non-nil only for session-level
// failures (missing, expired, being finalized) or cancellation.
func (p *Processor) ProcessRequest(ctx context.Context, requestID, transcription, sessionID string) (OrderUpdateResult, error) {
	plan, err := p.Plan(ctx, requestID, transcription, sessionID)
	if err != nil {
		return plan.Preview, err
	}
	result := plan.Preview
	err = p.sessions.Update(sessionID, func(st *session.State) error {
		var err error
		result, err = plan.Commit(st)
		return err
	})
	if err != nil {
		return result, err
	}
	p.log.Debug("intent applied",
		"session_id", sessionID,
		"request_id", requestID,
		"action", result.Action,
		"updated", result.Updated,
	)
	return result, nil
}

// Plan is a classified utterance ready to be applied. Preview is the result
// of applying it to the order as it was when planned.
type Plan struct {
	RequestID string
	SessionID string
	Text      string
	Intent    Intent
	Item      order.MenuItem
	Preview   OrderUpdateResult

	// failure is a classification or catalog error; the plan commits as a
	// no-op carrying it.
	failure error
}

// Plan classifies transcription and resolves its menu item without touching
// the session. Cancellation is reported only here; Commit never aborts.
func (p *Processor) Plan(ctx context.Context, requestID, transcription, sessionID string) (Plan, error) {
	plan := Plan{
		RequestID: requestID,
		SessionID: sessionID,
		Text:      strings.TrimSpace(transcription),
		Intent:    Intent{Action: ActionNoOp},
		Preview:   OrderUpdateResult{Action: ActionNoOp},
	}
	snap, err := p.sessions.Get(sessionID)
	if err != nil {
		return plan, err
	}
	history, err := p.sessions.History(sessionID, p.historyWindow)
	if err != nil {
		return plan, err
	}
	plan.Preview.Order = snap.Order

	req := Request{Text: plan.Text, Order: snap.Order, History: history}
	if v, ok := p.catalog.(Vocabulary); ok {
		req.Vocabulary = v.Names()
	}
	plan.resolve(ctx, p, req)
	if err := ctx.Err(); err != nil {
		return plan, err
	}
	if plan.failure != nil {
		p.log.Info("utterance not applied", "session_id", sessionID, "error", plan.failure)
	}
	plan.Preview = plan.outcome(snap.Order.Clone())
	return plan, nil
}

func (pl *Plan) resolve(ctx context.Context, p *Processor, req Request) {
	in, err := p.classifier.Classify(ctx, req)
	if err != nil {
		pl.failure = fmt.Errorf("classify: %w", err)
		return
	}
	if !in.Action.Valid() {
		pl.failure = core.NewInvalidArgument(fmt.Sprintf("unknown intent action %q", in.Action), "action")
		return
	}
	pl.Intent = in
	if in.Action == ActionNoOp {
		return
	}
	if strings.TrimSpace(in.Item) != "" {
		item, err := p.catalog.ResolveItem(ctx, in.Item)
		if err != nil {
			pl.failure = err
			return
		}
		pl.Item = item
	} else if in.Action == ActionAddItem || in.Action == ActionRemoveItem {
		pl.failure = core.ErrItemNotFound.With("no item named in %q", req.Text)
	}
}

// outcome applies the plan to o and describes the result.
func (pl Plan) outcome(o order.WorkingOrder) OrderUpdateResult {
	result := OrderUpdateResult{Action: ActionNoOp, Order: o}
	if pl.failure != nil {
		result.Err = pl.failure
		return result
	}
	result.Action = pl.Intent.Action
	result.Intent = pl.Intent
	if pl.Intent.Action == ActionNoOp {
		return result
	}
	next, line, changed := apply(o, pl.Intent, pl.Item)
	if changed {
		result.Order = next
		result.Updated = true
		result.Line = &line
	} else if pl.Intent.Action == ActionRemoveItem || pl.Intent.Action == ActionModifyQuantity {
		result.Err = core.ErrItemNotFound.With("%s is not in the order", displayName(pl.Intent, pl.Item))
	}
	return result
}

// Commit applies the plan to st and marks its request applied. Call it
// inside Registry.Update; it is all-or-nothing and does not block.
func (pl Plan) Commit(st *session.State) (OrderUpdateResult, error) {
	if st.Finalizing {
		return pl.Preview, core.ErrConcurrentModification.With("session %s is being finalized", pl.SessionID)
	}
	if st.Applied(pl.RequestID) {
		res := pl.Preview
		res.Updated, res.Line, res.Err, res.Duplicate = false, nil, nil, true
		res.Order = st.Order.Clone()
		return res, nil
	}
	res := pl.outcome(st.Order.Clone())
	st.Order = res.Order
	st.MarkApplied(pl.RequestID)
	res.Order = st.Order.Clone()
	return res, nil
}

func displayName(in Intent, item order.MenuItem) string {
	if item.Name != "" {
		return item.Name
	}
	if in.Item != "" {
		return in.Item
	}
	return "that item"
}

// apply computes the mutation for in against o. Matching uses the resolved
// menu item id; an empty id targets the most recent line.
func apply(o order.WorkingOrder, in Intent, item order.MenuItem) (order.WorkingOrder, order.LineItem, bool) {
	menuID := item.ID
	switch in.Action {
	case ActionAddItem:
		next, line := o.Add(order.LineItem{
			MenuItemID:     item.ID,
			Name:           item.Name,
			Quantity:       max(in.Quantity, 1),
			Customizations: in.Customizations,
			IsRewardItem:   in.Reward && item.Rewardable,
		})
		return next, line, true
	case ActionRemoveItem:
		return o.Remove(menuID)
	case ActionModifyQuantity:
		if menuID == "" {
			if len(o.Items) == 0 {
				return o, order.LineItem{}, false
			}
			menuID = o.Items[len(o.Items)-1].MenuItemID
		}
		return o.SetQuantity(menuID, in.Quantity)
	case ActionAddCustomization:
		next := o
		var line order.LineItem
		changed := false
		for _, c := range in.Customizations {
			n, l, ok := next.Customize(menuID, c)
			if ok {
				next, line, changed = n, l, true
			}
		}
		return next, line, changed
	default:
		return o, order.LineItem{}, false
	}
}
