package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func tag(name string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("X-Order", name)
			next.ServeHTTP(w, r)
		})
	}
}

func TestChain_Order(t *testing.T) {
	c := NewChain(tag("outer"), tag("inner"))
	h := c.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	got := w.Header().Values("X-Order")
	if len(got) != 2 || got[0] != "outer" || got[1] != "inner" {
		t.Errorf("order = %v, want [outer inner]", got)
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
}

func TestChain_Append(t *testing.T) {
	base := NewChain(tag("a"))
	extended := base.Append(tag("b"))

	if base.Len() != 1 {
		t.Errorf("Append mutated the base chain: len = %d", base.Len())
	}
	if extended.Len() != 2 {
		t.Errorf("extended len = %d, want 2", extended.Len())
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if body := w.Body.String(); body == "" {
		t.Error("empty 500 body")
	}
}

func TestAccessLog_PassesThrough(t *testing.T) {
	h := AccessLog("salt")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d", w.Code)
	}
	if w.Body.String() != "short and stout" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestAccessLog_SkipPaths(t *testing.T) {
	called := false
	h := AccessLog("salt", "/healthz")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	if !called {
		t.Error("skip path was not served")
	}
}
