package intent

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/order"
	"github.com/vango-go/vai-order/pkg/core/quota"
	"github.com/vango-go/vai-order/pkg/core/session"
)

func newFixture(t *testing.T, classifier Classifier) (*Processor, *session.Registry, string) {
	t.Helper()
	reg := session.New(session.Config{IdleTimeout: time.Hour})
	catalog, err := order.NewStaticCatalog(order.DefaultMenu())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	s, err := reg.Create("c1", "a@b.com")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return NewProcessor(reg, catalog, classifier, Config{}), reg, s.ID
}

func mustProcess(t *testing.T, p *Processor, sessionID, text string) OrderUpdateResult {
	t.Helper()
	res, err := p.Process(context.Background(), text, sessionID)
	if err != nil {
		t.Fatalf("Process(%q): %v", text, err)
	}
	return res
}

func TestProcessor_BurgerScenario(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})

	res := mustProcess(t, p, id, "I'd like a burger")
	if !res.Updated || res.Action != ActionAddItem {
		t.Fatalf("result=%+v", res)
	}
	snap, _ := reg.Get(id)
	if len(snap.Order.Items) != 1 {
		t.Fatalf("items=%+v", snap.Order.Items)
	}
	line := snap.Order.Items[0]
	if line.MenuItemID != "burger" || line.Quantity != 1 {
		t.Fatalf("line=%+v", line)
	}
}

func TestProcessor_MultiTurnMutations(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})

	mustProcess(t, p, id, "can I get two burgers with no onions")
	mustProcess(t, p, id, "and some fries")
	mustProcess(t, p, id, "add extra cheese to the burger")
	mustProcess(t, p, id, "make that three fries")
	res := mustProcess(t, p, id, "actually remove the burger")

	if !res.Updated || res.Action != ActionRemoveItem {
		t.Fatalf("remove result=%+v", res)
	}
	snap, _ := reg.Get(id)
	if len(snap.Order.Items) != 1 || snap.Order.Items[0].MenuItemID != "fries" || snap.Order.Items[0].Quantity != 3 {
		t.Fatalf("order=%+v", snap.Order.Items)
	}
}

func TestProcessor_CustomizationTargetsLatestLine(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})
	mustProcess(t, p, id, "a burger please")
	res := mustProcess(t, p, id, "no pickles and extra mayo")
	if !res.Updated || res.Action != ActionAddCustomization {
		t.Fatalf("result=%+v", res)
	}
	snap, _ := reg.Get(id)
	got := snap.Order.Items[0].Customizations
	if !reflect.DeepEqual(got, []string{"no pickles", "extra mayo"}) {
		t.Fatalf("customizations=%v", got)
	}
}

func TestProcessor_UnknownItemLeavesOrderUnchanged(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})
	mustProcess(t, p, id, "a burger")

	res := mustProcess(t, p, id, "remove the fries")
	if res.Updated || res.Err == nil {
		t.Fatalf("expected not-updated with error, got %+v", res)
	}
	if !errors.Is(res.Err, core.ErrItemNotFound) {
		t.Fatalf("err=%v", res.Err)
	}
	snap, _ := reg.Get(id)
	if len(snap.Order.Items) != 1 {
		t.Fatalf("order changed: %+v", snap.Order.Items)
	}
}

type failingClassifier struct{ err error }

func (f failingClassifier) Classify(context.Context, Request) (Intent, error) { return Intent{}, f.err }

func TestProcessor_ClassifierFailureIsReportedNotFatal(t *testing.T) {
	p, reg, id := newFixture(t, failingClassifier{err: errors.New("model down")})

	res, err := p.Process(context.Background(), "a burger", id)
	if err != nil {
		t.Fatalf("Process returned fatal error: %v", err)
	}
	if res.Updated || res.Err == nil || res.Action != ActionNoOp {
		t.Fatalf("result=%+v", res)
	}
	snap, _ := reg.Get(id)
	if !snap.Order.Empty() {
		t.Fatalf("order mutated")
	}
}

func TestProcessor_SessionErrorsAreFatal(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})
	if _, err := p.Process(context.Background(), "a burger", "missing"); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("err=%v", err)
	}
	_ = reg.Close(id, session.ReasonCancelled)
	if _, err := p.Process(context.Background(), "a burger", id); !errors.Is(err, core.ErrSessionExpired) {
		t.Fatalf("err=%v", err)
	}
}

func TestProcessor_RefusesWhileFinalizing(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})
	_ = reg.Update(id, func(st *session.State) error {
		st.Finalizing = true
		return nil
	})
	_, err := p.Process(context.Background(), "a burger", id)
	if !errors.Is(err, core.ErrConcurrentModification) {
		t.Fatalf("err=%v, want concurrent modification", err)
	}
}

func TestProcessor_RequestIDAppliedOnce(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})
	ctx := context.Background()

	first, err := p.ProcessRequest(ctx, "req-1", "a burger", id)
	if err != nil || !first.Updated {
		t.Fatalf("first=%+v err=%v", first, err)
	}
	second, err := p.ProcessRequest(ctx, "req-1", "a burger", id)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Updated || !second.Duplicate {
		t.Fatalf("second=%+v", second)
	}
	snap, _ := reg.Get(id)
	if len(snap.Order.Items) != 1 {
		t.Fatalf("items=%d, want 1", len(snap.Order.Items))
	}
}

func TestProcessor_CancelledContextDoesNotApply(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Process(ctx, "a burger", id); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want canceled", err)
	}
	snap, _ := reg.Get(id)
	if !snap.Order.Empty() {
		t.Fatalf("cancelled request mutated order")
	}
}

func TestPlan_CommitUsesOrderAtCommitTime(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})
	mustProcess(t, p, id, "a burger")

	plan, err := p.Plan(context.Background(), "req-1", "remove the burger", id)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.Preview.Updated {
		t.Fatalf("preview=%+v, want removal", plan.Preview)
	}
	if snap, _ := reg.Get(id); len(snap.Order.Items) != 1 {
		t.Fatalf("Plan changed the order")
	}

	mustProcess(t, p, id, "remove the burger")

	var res OrderUpdateResult
	commit := func() {
		t.Helper()
		err := reg.Update(id, func(st *session.State) error {
			var err error
			res, err = plan.Commit(st)
			return err
		})
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	commit()
	if res.Updated || !errors.Is(res.Err, core.ErrItemNotFound) {
		t.Fatalf("result=%+v, want item not found", res)
	}
	commit()
	if !res.Duplicate || res.Err != nil {
		t.Fatalf("second commit=%+v, want duplicate", res)
	}
}

func TestPlan_CommitRefusedWhileFinalizing(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})
	plan, err := p.Plan(context.Background(), "req-1", "a soda", id)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	err = reg.Update(id, func(st *session.State) error {
		st.Finalizing = true
		_, err := plan.Commit(st)
		return err
	})
	if !errors.Is(err, core.ErrConcurrentModification) {
		t.Fatalf("err=%v, want concurrent modification", err)
	}
	if snap, _ := reg.Get(id); !snap.Order.Empty() {
		t.Fatalf("refused commit changed the order: %+v", snap.Order)
	}
}

func TestProcessor_ConcurrentAddsAreNotLost(t *testing.T) {
	p, reg, id := newFixture(t, RuleClassifier{})
	var wg sync.WaitGroup
	for _, text := range []string{"a burger", "some fries", "a soda", "a coffee"} {
		wg.Add(1)
		go func(text string) {
			defer wg.Done()
			if _, err := p.Process(context.Background(), text, id); err != nil {
				t.Errorf("Process(%q): %v", text, err)
			}
		}(text)
	}
	wg.Wait()
	snap, _ := reg.Get(id)
	if len(snap.Order.Items) != 4 {
		t.Fatalf("items=%d, want 4", len(snap.Order.Items))
	}
}

func TestRuleClassifier(t *testing.T) {
	catalog, _ := order.NewStaticCatalog(order.DefaultMenu())
	vocab := catalog.Names()
	withOrder, _ := order.New().Add(order.LineItem{MenuItemID: "burger", Name: "burger"})

	tests := []struct {
		text  string
		order order.WorkingOrder
		want  Intent
	}{
		{"I'd like a burger", order.New(), Intent{Action: ActionAddItem, Item: "burger", Quantity: 1}},
		{"two cheeseburgers please", order.New(), Intent{Action: ActionAddItem, Item: "cheeseburger", Quantity: 2}},
		{"can I get a burger without pickles", order.New(), Intent{Action: ActionAddItem, Item: "burger", Quantity: 1, Customizations: []string{"no pickles"}}},
		{"redeem my free coffee", order.New(), Intent{Action: ActionAddItem, Item: "coffee", Quantity: 1, Reward: true}},
		{"take off the fries", withOrder, Intent{Action: ActionRemoveItem, Item: "fries"}},
		{"make it three", withOrder, Intent{Action: ActionModifyQuantity, Quantity: 3}},
		{"change the burger to zero", withOrder, Intent{Action: ActionModifyQuantity, Item: "burger", Quantity: 0}},
		{"put ketchup on the fries", withOrder, Intent{Action: ActionAddCustomization, Item: "fries", Customizations: []string{"ketchup"}}},
		{"no onions", withOrder, Intent{Action: ActionAddCustomization, Customizations: []string{"no onions"}}},
		{"no onions", order.New(), Intent{Action: ActionNoOp}},
		{"what comes on the burger", withOrder, Intent{Action: ActionNoOp}},
		{"that's all thanks", withOrder, Intent{Action: ActionNoOp}},
		{"", order.New(), Intent{Action: ActionNoOp}},
	}
	for _, tt := range tests {
		got, err := RuleClassifier{}.Classify(context.Background(), Request{Text: tt.text, Order: tt.order, Vocabulary: vocab})
		if err != nil {
			t.Fatalf("Classify(%q): %v", tt.text, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Classify(%q)=%+v, want %+v", tt.text, got, tt.want)
		}
	}
}

type fakeGenerator struct {
	text  string
	err   error
	calls int
}

func (f *fakeGenerator) GenerateContent(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: f.text}}}}},
	}, nil
}

func TestGeminiClassifier_ParsesJSON(t *testing.T) {
	gen := &fakeGenerator{text: "```json\n{\"action\":\"add_item\",\"item\":\"burger\",\"quantity\":2}\n```"}
	c := NewGeminiClassifier(gen, "", nil)
	in, err := c.Classify(context.Background(), Request{Text: "two burgers", Order: order.New()})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if in.Action != ActionAddItem || in.Item != "burger" || in.Quantity != 2 {
		t.Fatalf("intent=%+v", in)
	}
}

func TestGeminiClassifier_QuotaAndProviderErrors(t *testing.T) {
	gen := &fakeGenerator{text: `{"action":"NO_OP"}`}
	limiter := quota.New(nil, map[string]quota.Limit{quota.ProviderIntent: {Requests: 1, Window: time.Hour}})
	c := NewGeminiClassifier(gen, "", limiter)

	if _, err := c.Classify(context.Background(), Request{Text: "hi"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := c.Classify(context.Background(), Request{Text: "hi"}); !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("second err=%v, want rate limited", err)
	}
	if gen.calls != 1 {
		t.Fatalf("provider calls=%d, want 1", gen.calls)
	}

	down := &fakeGenerator{err: genai.APIError{Code: 503}}
	failing := NewGeminiClassifier(down, "", nil)
	failing.RetryBase = time.Millisecond
	_, err := failing.Classify(context.Background(), Request{Text: "hi"})
	if !errors.Is(err, core.ErrProviderFailure) || !core.IsTransient(err) {
		t.Fatalf("err=%v, want transient provider failure", err)
	}
	if down.calls != 3 {
		t.Fatalf("provider calls=%d, want 3", down.calls)
	}
}

// flakyGenerator fails the first n calls with err, then answers with text.
type flakyGenerator struct {
	fakeGenerator
	n int
}

func (f *flakyGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	if f.n > 0 {
		f.n--
		f.calls++
		return nil, f.err
	}
	return f.fakeGenerator.GenerateContent(ctx, model, contents, cfg)
}

func TestGeminiClassifier_RetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantErr   bool
		wantCalls int
	}{
		{name: "unavailable", err: genai.APIError{Code: 503}, wantCalls: 2},
		{name: "bad request", err: genai.APIError{Code: 400}, wantErr: true, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &flakyGenerator{fakeGenerator: fakeGenerator{text: `{"action":"NO_OP"}`, err: tt.err}, n: 1}
			c := NewGeminiClassifier(gen, "", nil)
			c.RetryBase = time.Millisecond

			in, err := c.Classify(context.Background(), Request{Text: "hi"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v, wantErr=%v", err, tt.wantErr)
			}
			if !tt.wantErr && in.Action != ActionNoOp {
				t.Fatalf("intent=%+v", in)
			}
			if gen.calls != tt.wantCalls {
				t.Fatalf("provider calls=%d, want %d", gen.calls, tt.wantCalls)
			}
		})
	}
}

func TestFallbackClassifier(t *testing.T) {
	catalog, _ := order.NewStaticCatalog(order.DefaultMenu())
	f := FallbackClassifier{Primary: failingClassifier{err: errors.New("down")}, Secondary: RuleClassifier{}}
	in, err := f.Classify(context.Background(), Request{Text: "a soda", Vocabulary: catalog.Names()})
	if err != nil || in.Action != ActionAddItem || in.Item != "soda" {
		t.Fatalf("intent=%+v err=%v", in, err)
	}
}
