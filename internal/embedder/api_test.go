package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestRing(t *testing.T, keys ...string) *KeyRing {
	t.Helper()
	content := ""
	for _, k := range keys {
		content += k + "\n"
	}
	ring, err := LoadKeyRing(writeKeysFile(t, content))
	if err != nil {
		t.Fatal(err)
	}
	return ring
}

func embeddingsHandler(t *testing.T, fn func(w http.ResponseWriter, r *http.Request) bool) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if fn != nil && !fn(w, r) {
			return
		}
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		var resp apiResponse
		for i := range req.Input {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i), 1}})
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func TestAPIEmbedder_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(embeddingsHandler(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-aaa" {
			t.Errorf("unexpected auth header %q", got)
		}
		return true
	}))
	defer srv.Close()

	e, err := NewAPIEmbedder(APIConfig{
		BaseURL:   srv.URL,
		Model:     "test-embed",
		Dimension: 2,
		Keys:      newTestRing(t, "sk-aaa"),
	})
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := e.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 2 || v[0] != float32(i) {
			t.Errorf("vector %d misaligned: %v", i, v)
		}
	}
}

func TestAPIEmbedder_PayloadTooLargeNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	e, err := NewAPIEmbedder(APIConfig{
		BaseURL: srv.URL,
		Model:   "test-embed",
		Keys:    newTestRing(t, "sk-aaa"),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.EmbedBatch(context.Background(), []string{"big"})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 request, got %d", calls)
	}
}

func TestAPIEmbedder_RotatesKeyOnAuthFailure(t *testing.T) {
	srv := httptest.NewServer(embeddingsHandler(t, func(w http.ResponseWriter, r *http.Request) bool {
		if r.Header.Get("Authorization") == "Bearer sk-bad" {
			http.Error(w, "invalid key", http.StatusUnauthorized)
			return false
		}
		return true
	}))
	defer srv.Close()

	ring := newTestRing(t, "sk-bad", "sk-good")
	e, err := NewAPIEmbedder(APIConfig{
		BaseURL: srv.URL,
		Model:   "test-embed",
		Keys:    ring,
	})
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := e.EmbedBatch(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(vecs))
	}
	if ring.Len() != 1 {
		t.Errorf("expected bad key dropped from ring, have %d keys", ring.Len())
	}
}

func TestAPIEmbedder_AllKeysExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	e, err := NewAPIEmbedder(APIConfig{
		BaseURL: srv.URL,
		Model:   "test-embed",
		Keys:    newTestRing(t, "sk-one", "sk-two"),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.EmbedBatch(context.Background(), []string{"hello"})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestAPIEmbedder_RetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(embeddingsHandler(t, func(w http.ResponseWriter, r *http.Request) bool {
		calls++
		if calls < 3 {
			http.Error(w, "backend down", http.StatusServiceUnavailable)
			return false
		}
		return true
	}))
	defer srv.Close()

	e, err := NewAPIEmbedder(APIConfig{
		BaseURL: srv.URL,
		Model:   "test-embed",
		Keys:    newTestRing(t, "sk-aaa"),
	})
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := e.EmbedBatch(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 1 {
		t.Fatalf("expected 1 vector, got %d", len(vecs))
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestAPIEmbedder_OutOfOrderResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":1,"embedding":[1]},{"index":0,"embedding":[0]}]}`)
	}))
	defer srv.Close()

	e, err := NewAPIEmbedder(APIConfig{
		BaseURL: srv.URL,
		Model:   "test-embed",
		Keys:    newTestRing(t, "sk-aaa"),
	})
	if err != nil {
		t.Fatal(err)
	}

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if vecs[0][0] != 0 || vecs[1][0] != 1 {
		t.Errorf("vectors not realigned by index: %v", vecs)
	}
}

func TestNewAPIEmbedder_Validation(t *testing.T) {
	if _, err := NewAPIEmbedder(APIConfig{Model: "m", Keys: nil}); err == nil {
		t.Error("expected error without base URL")
	}
	if _, err := NewAPIEmbedder(APIConfig{BaseURL: "http://x", Keys: nil}); err == nil {
		t.Error("expected error without model")
	}
	if _, err := NewAPIEmbedder(APIConfig{BaseURL: "http://x", Model: "m"}); err == nil {
		t.Error("expected error without credentials")
	}
}
