package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newProtected(t *testing.T) (*Verifier, http.Handler) {
	t.Helper()
	verifier := NewVerifier("middleware-test-secret")
	mw := NewMiddleware(verifier)

	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		if !ok {
			t.Error("handler reached without identity in context")
		}
		w.Write([]byte(id))
	})
	return verifier, mw.Handle(echo)
}

func TestMiddlewareAcceptsBearerToken(t *testing.T) {
	verifier, handler := newProtected(t)

	token, err := verifier.Sign("supplier-42", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "supplier-42" {
		t.Fatalf("identity = %q, want supplier-42", rec.Body.String())
	}
}

func TestMiddlewareAcceptsQueryToken(t *testing.T) {
	verifier, handler := newProtected(t)

	token, err := verifier.Sign("customer-7", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Websocket opens cannot set headers from a browser.
	req := httptest.NewRequest(http.MethodGet, "/?token="+token, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	verifier, handler := newProtected(t)

	expired, err := verifier.Sign("x", -time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	wrongKey, err := NewVerifier("other-secret").Sign("x", time.Minute)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"expired", expired},
		{"wrong key", wrongKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}
}
