package messaging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fablink/messaging/internal/identity"
)

func TestSendLimiterIsPerIdentity(t *testing.T) {
	limiter := NewSendLimiter(1, 2)

	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	do := func(caller string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/messages", nil)
		req = req.WithContext(identity.WithIdentity(req.Context(), caller))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if do("a") != http.StatusCreated || do("a") != http.StatusCreated {
		t.Fatal("burst requests must pass")
	}
	if do("a") != http.StatusTooManyRequests {
		t.Fatal("third immediate request must be throttled")
	}
	// Another identity has its own bucket.
	if do("b") != http.StatusCreated {
		t.Fatal("second identity throttled by the first's bucket")
	}
}
