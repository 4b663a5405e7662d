package callback

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cvflow/internal/admission"
	"cvflow/pkg/config"
)

type countingStrategy struct {
	calls int
}

func (c *countingStrategy) Check(string, time.Time) admission.Decision {
	c.calls++
	return admission.Allowed
}

func (c *countingStrategy) Evict(time.Time) int { return 0 }
func (c *countingStrategy) Name() string        { return "counting" }

func TestAuth_MissingTokenRejected(t *testing.T) {
	h := Auth(config.CallbackConfig{Secret: "s3cret"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a valid token")
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/callback", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuth_WrongTokenRejected(t *testing.T) {
	h := Auth(config.CallbackConfig{Secret: "s3cret"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run with a wrong token")
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/callback", nil)
	r.Header.Set("Authorization", "Bearer nope")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuth_BearerTokenAccepted(t *testing.T) {
	ran := false
	h := Auth(config.CallbackConfig{Secret: "s3cret"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/callback", nil)
	r.Header.Set("Authorization", "Bearer s3cret")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if !ran {
		t.Fatal("expected handler to run with a valid bearer token")
	}
}

func TestAuth_TokenHeaderAccepted(t *testing.T) {
	ran := false
	h := Auth(config.CallbackConfig{Secret: "s3cret"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
	}))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/callback", nil)
	r.Header.Set(HeaderToken, "s3cret")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if !ran {
		t.Fatal("expected handler to run with a valid token header")
	}
}

func TestAuth_NoSecretConfiguredPassesThrough(t *testing.T) {
	ran := false
	h := Auth(config.CallbackConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ran = true
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/callback", nil))

	if !ran {
		t.Fatal("expected handler to run when no secret is configured")
	}
}

func TestAuth_IPAllowList(t *testing.T) {
	cfg := config.CallbackConfig{AllowedIPs: []string{"203.0.113.7"}}

	r := httptest.NewRequest(http.MethodPost, "/api/v1/callback", nil)
	r.RemoteAddr = "192.0.2.3:1234"
	w := httptest.NewRecorder()
	Auth(cfg)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run for a non-listed IP")
	})).ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	ran := false
	r2 := httptest.NewRequest(http.MethodPost, "/api/v1/callback", nil)
	r2.Header.Set("X-Forwarded-For", "203.0.113.7")
	Auth(cfg)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		ran = true
	})).ServeHTTP(httptest.NewRecorder(), r2)
	if !ran {
		t.Fatal("expected handler to run for an allow-listed IP")
	}
}

// An unauthorized caller must leave no trace in the admission strategy: auth
// runs before admission in the chain.
func TestAuth_UnauthorizedDoesNotTouchAdmission(t *testing.T) {
	strategy := &countingStrategy{}
	admissionMW := admission.Middleware(admission.Options{Strategy: strategy, KeyFn: ClientKey})
	chain := Auth(config.CallbackConfig{Secret: "s3cret"})(admissionMW(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))

	r := httptest.NewRequest(http.MethodPost, "/api/v1/callback", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	chain.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if strategy.calls != 0 {
		t.Fatalf("admission strategy must not be consulted for unauthorized callers, got %d calls", strategy.calls)
	}
}
