package chatsync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

func makeTestEnvelope(t *testing.T) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"event": EventInboundMessage,
		"data": map[string]any{
			"id":              "msg-001",
			"conversation_id": "conv-001",
			"sender":          map[string]any{"id": "user-001", "display_name": "Test User"},
			"content":         "Hello from test",
			"created_at":      "2026-01-01T00:00:00Z",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// ============================================================================
// VerifySignature
// ============================================================================

func TestVerifySignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestEnvelope(t)
		if !VerifySignature(body, Sign(body, testSecret), testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestEnvelope(t)
		sig := strings.TrimPrefix(Sign(body, testSecret), "sha256=")
		if !VerifySignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong signature", func(t *testing.T) {
		body := makeTestEnvelope(t)
		if VerifySignature(body, "sha256="+strings.Repeat("0", 64), testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestEnvelope(t)
		if VerifySignature(body, Sign(body, "wrong-secret"), testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestEnvelope(t)
		sig := Sign(body, testSecret)
		if VerifySignature(append(body, ' '), sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifySignature(nil, "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifySignature([]byte("body"), "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifySignature([]byte("body"), "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifySignature([]byte("body"), "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// ParseEnvelope
// ============================================================================

func TestParseEnvelope(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		env, err := ParseEnvelope(makeTestEnvelope(t))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if env.Event != EventInboundMessage {
			t.Fatalf("expected event %s, got %s", EventInboundMessage, env.Event)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParseEnvelope([]byte("not json")); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("missing event", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{"data":{}}`))
		if err == nil || !strings.Contains(err.Error(), "missing event") {
			t.Fatalf("expected missing event error, got: %v", err)
		}
	})
}

// ============================================================================
// WebhookSource
// ============================================================================

func TestNewWebhookSource(t *testing.T) {
	if _, err := NewWebhookSource("", nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
	src, err := NewWebhookSource(testSecret, nil)
	if err != nil || src == nil {
		t.Fatalf("unexpected result: %v %v", src, err)
	}
}

func TestWebhookSourceHandle(t *testing.T) {
	t.Run("invalid signature", func(t *testing.T) {
		src, _ := NewWebhookSource(testSecret, nil)
		status, data := src.Handle(makeTestEnvelope(t), "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
		if data.(map[string]string)["error"] != "Invalid signature" {
			t.Fatalf("unexpected body: %v", data)
		}
	})

	t.Run("malformed envelope", func(t *testing.T) {
		src, _ := NewWebhookSource(testSecret, nil)
		body := []byte(`{"data": 1}`)
		status, _ := src.Handle(body, Sign(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("no handlers", func(t *testing.T) {
		src, _ := NewWebhookSource(testSecret, nil)
		body := makeTestEnvelope(t)
		status, _ := src.Handle(body, Sign(body, testSecret))
		if status != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", status)
		}
	})

	t.Run("delivers payload", func(t *testing.T) {
		src, _ := NewWebhookSource(testSecret, nil)
		var got Message
		src.On(EventInboundMessage, func(raw json.RawMessage) {
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Errorf("decode: %v", err)
			}
		})
		body := makeTestEnvelope(t)
		status, _ := src.Handle(body, Sign(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if got.ID != "msg-001" || got.Text() != "Hello from test" {
			t.Fatalf("unexpected message: %+v", got)
		}
	})

	t.Run("off removes handler", func(t *testing.T) {
		src, _ := NewWebhookSource(testSecret, nil)
		calls := 0
		off := src.On(EventInboundMessage, func(json.RawMessage) { calls++ })
		off()
		body := makeTestEnvelope(t)
		src.Handle(body, Sign(body, testSecret))
		if calls != 0 {
			t.Fatalf("expected no calls, got %d", calls)
		}
	})

	t.Run("handler panic is contained", func(t *testing.T) {
		src, _ := NewWebhookSource(testSecret, nil)
		src.On(EventInboundMessage, func(json.RawMessage) { panic("boom") })
		body := makeTestEnvelope(t)
		status, _ := src.Handle(body, Sign(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
	})
}

func TestWebhookSourceServeHTTP(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		src, _ := NewWebhookSource(testSecret, nil)
		w := httptest.NewRecorder()
		src.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hooks/chat", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("routes into the store", func(t *testing.T) {
		src, _ := NewWebhookSource(testSecret, nil)
		store := NewConversationStore(nil)
		store.UpsertConversationSummary(Conversation{ID: "conv-001"}, "me")
		router := NewEventRouter(store, NewPresenceTracker(nil), nil, nil, StaticIdentity{User: Identity{ID: "me"}}, nil)
		router.Mount(src)

		body := makeTestEnvelope(t)
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				req := httptest.NewRequest(http.MethodPost, "/hooks/chat", strings.NewReader(string(body)))
				req.Header.Set(SignatureHeader, Sign(body, testSecret))
				w := httptest.NewRecorder()
				src.ServeHTTP(w, req)
				if w.Code != http.StatusOK {
					t.Errorf("expected 200, got %d", w.Code)
				}
			}()
		}
		wg.Wait()

		conv, _ := store.Conversation("conv-001")
		if conv.UnreadCount != 1 {
			t.Fatalf("expected one unread message after duplicate pushes, got %d", conv.UnreadCount)
		}
		if conv.LastMessage == nil || conv.LastMessage.ID != "msg-001" {
			t.Fatalf("unexpected last message: %+v", conv.LastMessage)
		}
	})
}
