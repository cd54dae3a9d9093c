package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lazyhollow/doppel/internal/engine"
	"github.com/lazyhollow/doppel/internal/store"
)

func httpStatus(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// --- facts ---

type factJSON struct {
	ID          int64   `json:"id"`
	Key         string  `json:"key"`
	Value       string  `json:"value"`
	Confidence  float64 `json:"confidence"`
	Status      string  `json:"status"`
	Sensitivity string  `json:"sensitivity"`
	Provenance  string  `json:"provenance"`
	ExpiresAt   *int64  `json:"expires_at,omitempty"`
	FactDate    *int64  `json:"fact_date,omitempty"`
	RecallCount int     `json:"recall_count"`
	UpdatedAt   int64   `json:"updated_at"`
}

func factOut(f *store.Fact) factJSON {
	return factJSON{
		ID: f.ID, Key: f.Key, Value: f.Value, Confidence: f.Confidence,
		Status: f.Status, Sensitivity: f.Sensitivity, Provenance: f.ProvenanceKind,
		ExpiresAt: f.ExpiresAt, FactDate: f.FactDate,
		RecallCount: f.RecallCount, UpdatedAt: f.UpdatedAt,
	}
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	facts, err := s.db.ListCurrentFacts(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]factJSON, len(facts))
	for i := range facts {
		out[i] = factOut(&facts[i])
	}
	writeJSON(w, map[string]any{"count": len(out), "facts": out})
}

func (s *Server) handleAddFact(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key         string  `json:"key"`
		Value       string  `json:"value"`
		Confidence  float64 `json:"confidence"`
		Sensitivity string  `json:"sensitivity"`
		TTLDays     *int    `json:"ttl_days"`
		FactDate    string  `json:"fact_date"`
		Status      string  `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Key == "" || req.Value == "" {
		http.Error(w, `{"error":"key and value required"}`, http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		req.Status = store.StatusCandidate
	}
	if req.Status != store.StatusCandidate && req.Status != store.StatusConfirmed {
		http.Error(w, `{"error":"status must be candidate or confirmed"}`, http.StatusBadRequest)
		return
	}
	if s.embedder == nil {
		http.Error(w, `{"error":"no embedder configured"}`, http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	vec, err := s.embedder.Embed(ctx, req.Key+": "+req.Value)
	if err != nil {
		writeError(w, err)
		return
	}

	in := store.FactInput{
		Key: req.Key, Value: req.Value, Confidence: req.Confidence,
		Sensitivity: req.Sensitivity, TTLDays: req.TTLDays, Embedding: vec,
	}
	if req.FactDate != "" {
		if res := (engine.RuleResolver{}).Resolve(req.FactDate, time.Now()); res.Date != nil {
			ms := res.Date.UnixMilli()
			in.FactDate = &ms
		}
	}

	var f *store.Fact
	if req.Status == store.StatusConfirmed {
		f, err = s.db.ConfirmFact(userID(r), in)
	} else {
		f, err = s.db.ProposeFact(userID(r), in)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(factOut(f))
}

func (s *Server) handleApproveFact(w http.ResponseWriter, r *http.Request) {
	f, err := s.db.ApproveFact(userID(r), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, factOut(f))
}

func (s *Server) handleDeleteFact(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteFact(userID(r), chi.URLParam(r, "key")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleSweepFacts(w http.ResponseWriter, r *http.Request) {
	n, err := s.db.SweepExpiredFacts(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"swept": n})
}

// --- episodic memories ---

type memoryJSON struct {
	ID             string  `json:"id"`
	Text           string  `json:"text"`
	OccurredAt     *int64  `json:"occurred_at,omitempty"`
	Location       string  `json:"location,omitempty"`
	Confidence     float64 `json:"confidence"`
	Importance     float64 `json:"importance"`
	MemoryStrength float64 `json:"memory_strength"`
	RecallCount    int     `json:"recall_count"`
	Provenance     string  `json:"provenance"`
	CreatedAt      int64   `json:"created_at"`
}

func memoryOut(m *store.EpisodicMemory) memoryJSON {
	return memoryJSON{
		ID: m.ID, Text: m.Text, OccurredAt: m.OccurredAt, Location: m.Location,
		Confidence: m.Confidence, Importance: m.Importance,
		MemoryStrength: m.MemoryStrength, RecallCount: m.RecallCount,
		Provenance: m.ProvenanceKind, CreatedAt: m.CreatedAt,
	}
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	memories, err := s.db.ListEpisodic(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]memoryJSON, len(memories))
	for i := range memories {
		out[i] = memoryOut(&memories[i])
	}
	writeJSON(w, map[string]any{"count": len(out), "memories": out})
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
		OccurredAt string  `json:"occurred_at"`
		Location   string  `json:"location"`
		Status     string  `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, `{"error":"text required"}`, http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		req.Status = store.StatusCandidate
	}
	if req.Status != store.StatusCandidate && req.Status != store.StatusConfirmed {
		http.Error(w, `{"error":"status must be candidate or confirmed"}`, http.StatusBadRequest)
		return
	}
	if s.embedder == nil {
		http.Error(w, `{"error":"no embedder configured"}`, http.StatusServiceUnavailable)
		return
	}

	// Same dating contract as the chat tools: a temporal phrase in the
	// text wins over an explicit occurred_at, and is stripped.
	resolver := engine.RuleResolver{}
	now := time.Now()
	res := resolver.Resolve(req.Text, now)
	text := res.CleanedText
	if text == "" {
		text = req.Text
	}
	var occurred *int64
	if res.Date != nil {
		ms := res.Date.UnixMilli()
		occurred = &ms
	} else if req.OccurredAt != "" {
		if r2 := resolver.Resolve(req.OccurredAt, now); r2.Date != nil {
			ms := r2.Date.UnixMilli()
			occurred = &ms
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		writeError(w, err)
		return
	}

	in := store.EpisodicInput{
		Text: text, Confidence: req.Confidence,
		OccurredAt: occurred, Location: req.Location, Embedding: vec,
	}
	var m *store.EpisodicMemory
	if req.Status == store.StatusConfirmed {
		m, err = s.db.ConfirmEpisodic(userID(r), in)
	} else {
		m, err = s.db.ProposeEpisodic(userID(r), in)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(memoryOut(m))
}

func (s *Server) handleRecallMemory(w http.ResponseWriter, r *http.Request) {
	m, err := s.db.RecordEpisodicRecall(userID(r), chi.URLParam(r, "id"), nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, memoryOut(m))
}

func (s *Server) handleApproveMemory(w http.ResponseWriter, r *http.Request) {
	m, err := s.db.ApproveEpisodic(userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, memoryOut(m))
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteEpisodic(userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

func (s *Server) handleDecayMemories(w http.ResponseWriter, r *http.Request) {
	n, err := s.db.DecayEpisodic(nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"decayed": n})
}

// --- procedural rules ---

type ruleJSON struct {
	ID            string  `json:"id"`
	RuleType      string  `json:"rule_type"`
	Condition     string  `json:"condition,omitempty"`
	Action        string  `json:"action"`
	Context       string  `json:"context,omitempty"`
	Confidence    float64 `json:"confidence"`
	Frequency     string  `json:"frequency,omitempty"`
	Importance    float64 `json:"importance"`
	TimesObserved int     `json:"times_observed"`
	TimesApplied  int     `json:"times_applied"`
	Status        string  `json:"status"`
	UpdatedAt     int64   `json:"updated_at"`
}

func ruleOut(rule *store.ProceduralRule) ruleJSON {
	return ruleJSON{
		ID: rule.ID, RuleType: rule.RuleType, Condition: rule.Condition,
		Action: rule.Action, Context: rule.Context, Confidence: rule.Confidence,
		Frequency: rule.Frequency, Importance: rule.Importance,
		TimesObserved: rule.TimesObserved, TimesApplied: rule.TimesApplied,
		Status: rule.Status, UpdatedAt: rule.UpdatedAt,
	}
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.db.ListRules(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]ruleJSON, len(rules))
	for i := range rules {
		out[i] = ruleOut(&rules[i])
	}
	writeJSON(w, map[string]any{"count": len(out), "rules": out})
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Condition  *string  `json:"condition"`
		Action     *string  `json:"action"`
		Context    *string  `json:"context"`
		Confidence *float64 `json:"confidence"`
		Frequency  *string  `json:"frequency"`
		Importance *float64 `json:"importance"`
		Status     *string  `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	u := store.RuleUpdate{
		Condition: req.Condition, Action: req.Action, Context: req.Context,
		Confidence: req.Confidence, Frequency: req.Frequency,
		Importance: req.Importance, Status: req.Status,
	}

	// Changing the rule's text means its stored vector is stale.
	if u.NeedsReembed() && s.embedder != nil {
		current, err := s.db.GetRule(userID(r), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		if current != nil {
			action, condition, rctx := current.Action, current.Condition, current.Context
			if u.Action != nil {
				action = *u.Action
			}
			if u.Condition != nil {
				condition = *u.Condition
			}
			if u.Context != nil {
				rctx = *u.Context
			}
			ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
			defer cancel()
			if vec, err := s.embedder.Embed(ctx, action+" "+condition+" "+rctx); err == nil {
				u.Embedding = vec
			}
		}
	}

	rule, err := s.db.UpdateRule(userID(r), chi.URLParam(r, "id"), u)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, ruleOut(rule))
}

func (s *Server) handleRuleObserved(w http.ResponseWriter, r *http.Request) {
	if err := s.db.RecordRuleObservation(userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "observed"})
}

func (s *Server) handleRuleApplied(w http.ResponseWriter, r *http.Request) {
	if err := s.db.RecordRuleApplication(userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "applied"})
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteRule(userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

// --- documents ---

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.db.ListDocuments(userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	type docJSON struct {
		ID        string `json:"id"`
		Title     string `json:"title,omitempty"`
		Text      string `json:"text"`
		CreatedAt int64  `json:"created_at"`
	}
	out := make([]docJSON, len(docs))
	for i, d := range docs {
		out[i] = docJSON{ID: d.ID, Title: d.Title, Text: d.Text, CreatedAt: d.CreatedAt}
	}
	writeJSON(w, map[string]any{"count": len(out), "documents": out})
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		Text  string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Text == "" {
		http.Error(w, `{"error":"text required"}`, http.StatusBadRequest)
		return
	}
	if s.embedder == nil {
		http.Error(w, `{"error":"no embedder configured"}`, http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	vec, err := s.embedder.Embed(ctx, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}

	d, err := s.db.AddDocument(userID(r), req.Title, req.Text, vec)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"id": d.ID, "status": "stored"})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteDocument(userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}

// --- search ---

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		http.Error(w, `{"error":"q parameter required"}`, http.StatusBadRequest)
		return
	}

	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	if s.embedder == nil {
		http.Error(w, `{"error":"search not available, no embedder configured"}`, http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 60*time.Second)
	defer cancel()

	results, err := engine.Search(ctx, s.db, s.embedder, userID(r), query, limit)
	if err != nil {
		writeError(w, err)
		return
	}

	type resultJSON struct {
		Source   string  `json:"source"`
		Text     string  `json:"text"`
		Score    float64 `json:"score"`
		Semantic float64 `json:"semantic"`
		Lexical  float64 `json:"lexical"`
	}
	out := make([]resultJSON, len(results))
	for i, res := range results {
		out[i] = resultJSON{
			Source: res.Source, Text: res.Text,
			Score: res.CombinedScore, Semantic: res.Semantic, Lexical: res.Lexical,
		}
	}
	writeJSON(w, map[string]any{"query": query, "count": len(out), "results": out})
}
