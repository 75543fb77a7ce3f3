package handlers

import (
	"net/http"
	"testing"

	"github.com/vango-go/vai-order/pkg/core/session"
)

func TestSessionsHandler_CreateGetCancel(t *testing.T) {
	f := newFixture(t)
	h := f.sessionsHandler()

	rr := serve(h.Create, http.MethodPost, "/v1/sessions", "", `{"customer_id":"c7","customer_email":"c7@example.com"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	created := decodeJSON(t, rr)
	id, _ := created["id"].(string)
	if id == "" || created["status"] != string(session.StatusActive) {
		t.Fatalf("created=%v", created)
	}
	if loc := rr.Header().Get("Location"); loc != "/v1/sessions/"+id {
		t.Fatalf("Location=%q", loc)
	}

	rr = serve(h.Get, http.MethodGet, "/v1/sessions/"+id, id, "")
	if rr.Code != http.StatusOK || decodeJSON(t, rr)["customer_id"] != "c7" {
		t.Fatalf("get status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(h.Cancel, http.MethodDelete, "/v1/sessions/"+id, id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status=%d body=%s", rr.Code, rr.Body.String())
	}
	got := decodeJSON(t, rr)
	if got["status"] != string(session.StatusClosed) || got["close_reason"] != session.ReasonCancelled {
		t.Fatalf("cancelled=%v", got)
	}

	rr = serve(h.Heartbeat, http.MethodPost, "/v1/sessions/"+id+"/heartbeat", id, "")
	if rr.Code != http.StatusGone || errorCode(t, rr) != "session_expired" {
		t.Fatalf("heartbeat after cancel status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestSessionsHandler_CreateValidation(t *testing.T) {
	f := newFixture(t)
	h := f.sessionsHandler()

	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"missing customer", `{"customer_email":"x@example.com"}`},
		{"unknown field", `{"customer_id":"c1","extra":true}`},
		{"malformed", `{"customer_id":`},
		{"trailing data", `{"customer_id":"c1"} {}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h.Create, http.MethodPost, "/v1/sessions", "", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestSessionsHandler_UnknownSession(t *testing.T) {
	f := newFixture(t)
	h := f.sessionsHandler()
	for name, fn := range map[string]http.HandlerFunc{
		"get":       h.Get,
		"order":     h.Order,
		"history":   h.History,
		"heartbeat": h.Heartbeat,
		"cancel":    h.Cancel,
	} {
		rr := serve(fn, http.MethodGet, "/v1/sessions/nope", "nope", "")
		if rr.Code != http.StatusNotFound || errorCode(t, rr) != "session_not_found" {
			t.Fatalf("%s: status=%d body=%s", name, rr.Code, rr.Body.String())
		}
	}
}

func TestSessionsHandler_HistoryWindowAndBranches(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)
	for _, text := range []string{"a burger", "add fries", "a soda"} {
		if _, err := f.sessions.AddTurn(id, text, "ok"); err != nil {
			t.Fatalf("AddTurn: %v", err)
		}
	}
	if _, err := f.sessions.AddBranchedTurn(id, 1, "a coffee", "ok"); err != nil {
		t.Fatalf("AddBranchedTurn: %v", err)
	}
	h := f.sessionsHandler()

	rr := serve(h.History, http.MethodGet, "/v1/sessions/"+id+"/history?window=1", id, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	turns := decodeJSON(t, rr)["turns"].([]any)
	if len(turns) != 1 || turns[0].(map[string]any)["user_message"] != "a coffee" {
		t.Fatalf("windowed turns=%v", turns)
	}

	rr = serve(h.History, http.MethodGet, "/v1/sessions/"+id+"/history?all=true", id, "")
	body := decodeJSON(t, rr)
	if got := len(body["turns"].([]any)); got != 2 {
		t.Fatalf("active path len=%d, want 2", got)
	}
	if got := len(body["branches"].([]any)); got != 2 {
		t.Fatalf("branches=%d, want 2", got)
	}

	rr = serve(h.History, http.MethodGet, "/v1/sessions/"+id+"/history?window=-2", id, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("negative window status=%d", rr.Code)
	}
}

func TestSessionsHandler_FinalizeFlow(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)
	h := f.sessionsHandler()

	rr := serve(h.Finalize, http.MethodPost, "/v1/sessions/"+id+"/finalize", id, "")
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "empty_order" {
		t.Fatalf("empty finalize status=%d body=%s", rr.Code, rr.Body.String())
	}

	turns := f.turnsHandler()
	rr = serve(turns.Utterance, http.MethodPost, "/v1/sessions/"+id+"/utterances", id, `{"text":"two burgers please"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("utterance status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(h.Finalize, http.MethodPost, "/v1/sessions/"+id+"/finalize", id,
		`{"notes":"no ice","pickup_time":"2026-10-16T18:30:00Z","payment_ref":"pay_1"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("finalize status=%d body=%s", rr.Code, rr.Body.String())
	}
	orderID, _ := decodeJSON(t, rr)["order_id"].(string)
	rec, ok := f.store.Get(orderID)
	if !ok {
		t.Fatalf("order %q not stored", orderID)
	}
	if rec.Details.Notes != "no ice" || rec.Details.PaymentRef != "pay_1" || rec.Details.PickupTime == nil {
		t.Fatalf("details=%+v", rec.Details)
	}
	if len(rec.Items) != 1 || rec.Items[0].Quantity != 2 {
		t.Fatalf("items=%+v", rec.Items)
	}

	rr = serve(h.Finalize, http.MethodPost, "/v1/sessions/"+id+"/finalize", id, "")
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "already_finalized" {
		t.Fatalf("second finalize status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = serve(h.Order, http.MethodGet, "/v1/sessions/"+id+"/order", id, "")
	got := decodeJSON(t, rr)
	if got["order_id"] != orderID || got["status"] != string(session.StatusClosed) {
		t.Fatalf("order after finalize=%v", got)
	}
}
