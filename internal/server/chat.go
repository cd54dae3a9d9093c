package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/lazyhollow/doppel/internal/chat"
)

// httpSink streams a chat turn over a plain HTTP response. The op
// summary rides in headers, which is why Ops must arrive before the
// first body chunk.
type httpSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

// Ops encodes the op records into x-memory-ops (base64 JSON, header
// values cannot carry raw JSON safely) and x-memory-ops-count.
func (s *httpSink) Ops(ops []chat.Op) {
	if ops == nil {
		ops = []chat.Op{}
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		raw = []byte("[]")
	}
	s.w.Header().Set("x-memory-ops", base64.StdEncoding.EncodeToString(raw))
	s.w.Header().Set("x-memory-ops-count", strconv.Itoa(len(ops)))
}

func (s *httpSink) Chunk(text string) {
	if !s.wrote {
		s.w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		s.w.WriteHeader(http.StatusOK)
		s.wrote = true
	}
	s.w.Write([]byte(text))
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		http.Error(w, `{"error":"chat not available, no model configured"}`, http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid json"}`, http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, `{"error":"message required"}`, http.StatusBadRequest)
		return
	}

	sink := &httpSink{w: w}
	sink.flusher, _ = w.(http.Flusher)

	_, _, err := s.orchestrator.Turn(r.Context(), userID(r), req.Message, sink)
	if err != nil {
		// Headers are gone once streaming started; only a clean failure
		// can still report a status code.
		if !sink.wrote {
			writeError(w, err)
		}
		return
	}
}
