package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lazyhollow/doppel/internal/chat"
	"github.com/lazyhollow/doppel/internal/engine"
	"github.com/lazyhollow/doppel/internal/llm"
	"github.com/lazyhollow/doppel/internal/store"
)

func testServer(t *testing.T, client llm.Client) (*Server, *store.DB) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	embedder := &engine.MockEmbedder{Dims: 64}
	var orch *chat.Orchestrator
	if client != nil {
		orch = &chat.Orchestrator{
			DB:       db,
			Embedder: embedder,
			Resolver: engine.RuleResolver{},
			LLM:      client,
		}
	}
	return New(db, embedder, orch, "test"), db
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("x-user-id", "u1")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealthNoAuth(t *testing.T) {
	srv, _ := testServer(t, nil)

	req := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["db"] != true {
		t.Errorf("db = %v, want true", resp["db"])
	}
}

func TestMissingUserHeader(t *testing.T) {
	srv, _ := testServer(t, nil)

	for _, path := range []string{"/api/facts", "/api/memories", "/api/rules"} {
		req := httptest.NewRequest("GET", path, nil)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without x-user-id: status = %d, want 401", path, w.Code)
		}
	}

	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader(`{"message":"hi"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("POST /api/chat without x-user-id: status = %d, want 401", w.Code)
	}
}

func TestFactLifecycleRoutes(t *testing.T) {
	srv, db := testServer(t, nil)

	if _, err := db.ProposeFact("u1", store.FactInput{Key: "home_city", Value: "Lisbon", Confidence: 0.6}); err != nil {
		t.Fatalf("ProposeFact: %v", err)
	}

	w := doRequest(t, srv, "GET", "/api/facts", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: status = %d; body: %s", w.Code, w.Body.String())
	}
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}

	w = doRequest(t, srv, "POST", "/api/facts/home_city/approve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("approve: status = %d; body: %s", w.Code, w.Body.String())
	}
	var approved struct {
		Status     string `json:"status"`
		Provenance string `json:"provenance"`
	}
	json.Unmarshal(w.Body.Bytes(), &approved)
	if approved.Status != "confirmed" || approved.Provenance != "user_confirmed" {
		t.Errorf("approved = %+v", approved)
	}

	// Approving again: no candidate left.
	w = doRequest(t, srv, "POST", "/api/facts/home_city/approve", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("second approve: status = %d, want 404", w.Code)
	}

	w = doRequest(t, srv, "DELETE", "/api/facts/home_city", "")
	if w.Code != http.StatusOK {
		t.Errorf("delete: status = %d", w.Code)
	}
	w = doRequest(t, srv, "DELETE", "/api/facts/home_city", "")
	if w.Code != http.StatusOK {
		t.Errorf("repeat delete: status = %d, want 200 (idempotent)", w.Code)
	}
}

func TestMemoryRoutes(t *testing.T) {
	srv, db := testServer(t, nil)

	m, err := db.ProposeEpisodic("u1", store.EpisodicInput{Text: "went hiking", Confidence: 0.7})
	if err != nil {
		t.Fatalf("ProposeEpisodic: %v", err)
	}

	w := doRequest(t, srv, "POST", "/api/memories/"+m.ID+"/approve", "")
	if w.Code != http.StatusOK {
		t.Fatalf("approve: status = %d; body: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, "POST", "/api/memories/no-such-id/approve", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("approve missing: status = %d, want 404", w.Code)
	}

	w = doRequest(t, srv, "GET", "/api/memories", "")
	var list struct {
		Memories []struct {
			Provenance string `json:"provenance"`
		} `json:"memories"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Memories) != 1 || list.Memories[0].Provenance != "user_confirmed" {
		t.Errorf("memories = %+v", list.Memories)
	}
}

func TestRuleRoutes(t *testing.T) {
	srv, db := testServer(t, nil)

	r, err := db.ProposeRule("u1", store.RuleInput{RuleType: "habit", Action: "drinks coffee"})
	if err != nil {
		t.Fatalf("ProposeRule: %v", err)
	}

	w := doRequest(t, srv, "POST", "/api/rules/"+r.ID+"/observed", "")
	if w.Code != http.StatusOK {
		t.Fatalf("observed: status = %d", w.Code)
	}
	w = doRequest(t, srv, "POST", "/api/rules/"+r.ID+"/applied", "")
	if w.Code != http.StatusOK {
		t.Fatalf("applied: status = %d", w.Code)
	}

	w = doRequest(t, srv, "PATCH", "/api/rules/"+r.ID, `{"confidence":0.9}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch: status = %d; body: %s", w.Code, w.Body.String())
	}
	var patched struct {
		Confidence    float64 `json:"confidence"`
		TimesObserved int     `json:"times_observed"`
		TimesApplied  int     `json:"times_applied"`
	}
	json.Unmarshal(w.Body.Bytes(), &patched)
	if patched.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", patched.Confidence)
	}
	if patched.TimesObserved != 2 || patched.TimesApplied != 1 {
		t.Errorf("counters = %d/%d, want 2/1", patched.TimesObserved, patched.TimesApplied)
	}
}

func TestDocumentRoutes(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := doRequest(t, srv, "POST", "/api/documents", `{"title":"notes","text":"hiking gear checklist"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add: status = %d; body: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, "POST", "/api/documents", `{"title":"empty"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("add without text: status = %d, want 400", w.Code)
	}

	w = doRequest(t, srv, "GET", "/api/documents", "")
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}
}

func TestDeleteDocumentRoute(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := doRequest(t, srv, "POST", "/api/documents", `{"title":"notes","text":"hiking gear checklist"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add: status = %d; body: %s", w.Code, w.Body.String())
	}
	var added struct {
		ID string `json:"id"`
	}
	json.Unmarshal(w.Body.Bytes(), &added)
	if added.ID == "" {
		t.Fatal("add returned no id")
	}

	w = doRequest(t, srv, "DELETE", "/api/documents/"+added.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status = %d; body: %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, "GET", "/api/documents", "")
	var list struct {
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 0 {
		t.Errorf("count after delete = %d, want 0", list.Count)
	}

	w = doRequest(t, srv, "DELETE", "/api/documents/"+added.ID, "")
	if w.Code != http.StatusOK {
		t.Errorf("repeat delete: status = %d, want 200 (idempotent)", w.Code)
	}
}

func TestAddFactRoute(t *testing.T) {
	srv, db := testServer(t, nil)

	w := doRequest(t, srv, "POST", "/api/facts", `{"key":"home_city","value":"Lisbon","confidence":0.8}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add: status = %d; body: %s", w.Code, w.Body.String())
	}
	var created struct {
		Status     string `json:"status"`
		Provenance string `json:"provenance"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.Status != "candidate" || created.Provenance != "ai_proposed" {
		t.Errorf("created = %+v, want candidate/ai_proposed by default", created)
	}

	w = doRequest(t, srv, "POST", "/api/facts", `{"key":"pet","value":"a cat","status":"confirmed"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add confirmed: status = %d; body: %s", w.Code, w.Body.String())
	}
	f, err := db.GetFact("u1", "pet")
	if err != nil {
		t.Fatalf("GetFact: %v", err)
	}
	if f == nil || f.Status != store.StatusConfirmed {
		t.Errorf("fact = %+v, want confirmed", f)
	}
	if len(f.Embedding) == 0 {
		t.Error("fact stored without embedding")
	}

	w = doRequest(t, srv, "POST", "/api/facts", `{"key":"only_key"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing value: status = %d, want 400", w.Code)
	}
	w = doRequest(t, srv, "POST", "/api/facts", `{"key":"k","value":"v","status":"pending"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad status: status = %d, want 400", w.Code)
	}
}

func TestAddMemoryRoute(t *testing.T) {
	srv, db := testServer(t, nil)

	w := doRequest(t, srv, "POST", "/api/memories", `{"text":"went swimming yesterday","confidence":0.9,"status":"confirmed"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add: status = %d; body: %s", w.Code, w.Body.String())
	}
	var created struct {
		ID         string `json:"id"`
		Text       string `json:"text"`
		OccurredAt *int64 `json:"occurred_at"`
		Provenance string `json:"provenance"`
	}
	json.Unmarshal(w.Body.Bytes(), &created)
	if created.Text != "went swimming" {
		t.Errorf("text = %q, want temporal phrase stripped", created.Text)
	}
	if created.OccurredAt == nil {
		t.Error("occurred_at not resolved from temporal phrase")
	}
	if created.Provenance != "ai_confirmed" {
		t.Errorf("provenance = %q, want ai_confirmed", created.Provenance)
	}

	m, err := db.GetEpisodic("u1", created.ID)
	if err != nil {
		t.Fatalf("GetEpisodic: %v", err)
	}
	if m == nil || len(m.Embedding) == 0 {
		t.Error("memory stored without embedding")
	}

	w = doRequest(t, srv, "POST", "/api/memories", `{"confidence":0.5}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing text: status = %d, want 400", w.Code)
	}
}

func TestRecallMemoryRoute(t *testing.T) {
	srv, db := testServer(t, nil)

	m, err := db.ConfirmEpisodic("u1", store.EpisodicInput{Text: "went hiking", Confidence: 0.7})
	if err != nil {
		t.Fatalf("ConfirmEpisodic: %v", err)
	}

	w := doRequest(t, srv, "POST", "/api/memories/"+m.ID+"/recall", "")
	if w.Code != http.StatusOK {
		t.Fatalf("recall: status = %d; body: %s", w.Code, w.Body.String())
	}
	var recalled struct {
		RecallCount    int     `json:"recall_count"`
		MemoryStrength float64 `json:"memory_strength"`
	}
	json.Unmarshal(w.Body.Bytes(), &recalled)
	if recalled.RecallCount != 1 {
		t.Errorf("recall_count = %d, want 1", recalled.RecallCount)
	}
	if recalled.MemoryStrength > 1.0 {
		t.Errorf("memory_strength = %v, exceeds 1.0", recalled.MemoryStrength)
	}

	w = doRequest(t, srv, "POST", "/api/memories/no-such-id/recall", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("recall missing: status = %d, want 404", w.Code)
	}
}

func TestSearchRoute(t *testing.T) {
	srv, db := testServer(t, nil)

	emb := &engine.MockEmbedder{Dims: 64}
	vec, _ := emb.Embed(context.Background(), "favorite_food: ramen")
	if _, err := db.ConfirmFact("u1", store.FactInput{Key: "favorite_food", Value: "ramen", Embedding: vec}); err != nil {
		t.Fatalf("ConfirmFact: %v", err)
	}

	w := doRequest(t, srv, "GET", "/api/search?q=ramen", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Count   int `json:"count"`
		Results []struct {
			Source string `json:"source"`
		} `json:"results"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Results[0].Source != "fact" {
		t.Errorf("resp = %+v", resp)
	}

	w = doRequest(t, srv, "GET", "/api/search", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing q: status = %d, want 400", w.Code)
	}
}

func TestChatEmptyMessage(t *testing.T) {
	srv, _ := testServer(t, &llm.MockClient{})

	w := doRequest(t, srv, "POST", "/api/chat", `{"message":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = doRequest(t, srv, "POST", "/api/chat", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", w.Code)
	}
}

func TestChatNoModel(t *testing.T) {
	srv, _ := testServer(t, nil)

	w := doRequest(t, srv, "POST", "/api/chat", `{"message":"hi"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestChatStreamsWithOpHeaders(t *testing.T) {
	mock := &llm.MockClient{
		Turn: llm.NewMockTurn("",
			llm.ToolUse{ID: "t1", Name: chat.ToolConfirmFact, Input: json.RawMessage(`{"key":"home_city","value":"Lisbon"}`)},
			llm.ToolUse{ID: "t2", Name: chat.ToolProposeFact, Input: json.RawMessage(`{"value":"missing key"}`)},
		),
		Reply: "Got it.",
	}
	srv, db := testServer(t, mock)

	w := doRequest(t, srv, "POST", "/api/chat", `{"message":"I live in Lisbon"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "Got it." {
		t.Errorf("body = %q, want streamed reply", w.Body.String())
	}

	if got := w.Header().Get("x-memory-ops-count"); got != "2" {
		t.Errorf("x-memory-ops-count = %q, want 2", got)
	}

	raw, err := base64.StdEncoding.DecodeString(w.Header().Get("x-memory-ops"))
	if err != nil {
		t.Fatalf("decode x-memory-ops: %v", err)
	}
	var ops []chat.Op
	if err := json.Unmarshal(raw, &ops); err != nil {
		t.Fatalf("unmarshal ops: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2", len(ops))
	}
	if ops[0].Status != chat.OpOK || ops[1].Status != chat.OpIgnored {
		t.Errorf("ops statuses = %q/%q, want ok/ignored", ops[0].Status, ops[1].Status)
	}

	f, _ := db.GetFact("u1", "home_city")
	if f == nil || f.Status != store.StatusConfirmed {
		t.Errorf("fact = %+v, want confirmed", f)
	}
}

func TestChatOpsHeaderWithMalformedArgs(t *testing.T) {
	mock := &llm.MockClient{
		Turn: llm.NewMockTurn("",
			llm.ToolUse{ID: "t1", Name: chat.ToolProposeFact, Input: json.RawMessage(`{broken`)},
		),
		Reply: "ok",
	}
	srv, _ := testServer(t, mock)

	w := doRequest(t, srv, "POST", "/api/chat", `{"message":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d; body: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("x-memory-ops-count"); got != "1" {
		t.Errorf("x-memory-ops-count = %q, want 1", got)
	}

	// Invalid tool args must not break the header's JSON.
	raw, err := base64.StdEncoding.DecodeString(w.Header().Get("x-memory-ops"))
	if err != nil {
		t.Fatalf("decode x-memory-ops: %v", err)
	}
	var ops []chat.Op
	if err := json.Unmarshal(raw, &ops); err != nil {
		t.Fatalf("unmarshal ops: %v", err)
	}
	if len(ops) != 1 || ops[0].Status != chat.OpIgnored {
		t.Errorf("ops = %+v, want one ignored op", ops)
	}
}

func TestChatNoOpsStillSetsHeaders(t *testing.T) {
	srv, _ := testServer(t, &llm.MockClient{Turn: llm.NewMockTurn("Plain answer.")})

	w := doRequest(t, srv, "POST", "/api/chat", `{"message":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("x-memory-ops-count"); got != "0" {
		t.Errorf("x-memory-ops-count = %q, want 0", got)
	}
	if w.Body.String() != "Plain answer." {
		t.Errorf("body = %q", w.Body.String())
	}
}
