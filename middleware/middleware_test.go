package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func TestLoggerRecordsStatus(t *testing.T) {
	tests := []struct {
		method string
		status int
	}{
		{"GET", http.StatusOK},
		{"POST", http.StatusCreated},
		{"DELETE", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			var seen *statusRecorder
			inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = w.(*statusRecorder)
				w.WriteHeader(tt.status)
			})
			rec := httptest.NewRecorder()
			Logger(inner).ServeHTTP(rec, httptest.NewRequest(tt.method, "/jobs", nil))
			if rec.Code != tt.status || seen.status != tt.status {
				t.Errorf("code = %d, recorded %d; want %d", rec.Code, seen.status, tt.status)
			}
		})
	}
}

func TestLoggerKeepsFlusher(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer lost http.Flusher")
		}
		w.Write([]byte("event: x\n\n"))
		f.Flush()
	})
	rec := httptest.NewRecorder()
	Logger(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/stream", nil))
	if !rec.Flushed {
		t.Error("response not flushed")
	}
}

func TestCORSMiddleware(t *testing.T) {
	called := false
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		okHandler(w, r)
	}))

	t.Run("GET", func(t *testing.T) {
		called = false
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/stimuli", nil))
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("Access-Control-Allow-Origin header not set")
		}
		if !called {
			t.Error("inner handler not called")
		}
	})

	t.Run("OPTIONS preflight", func(t *testing.T) {
		called = false
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/jobs", nil))
		if rec.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Error("Access-Control-Allow-Methods header not set")
		}
		if called {
			t.Error("preflight reached the inner handler")
		}
	})
}

func TestEnableCors(t *testing.T) {
	rec := httptest.NewRecorder()
	w := http.ResponseWriter(rec)
	enableCors(&w)

	expected := map[string]string{
		"Access-Control-Allow-Origin":      "*",
		"Access-Control-Allow-Methods":     "POST, GET, OPTIONS, PUT, DELETE",
		"Access-Control-Allow-Credentials": "true",
		"Access-Control-Expose-Headers":    "Content-Length",
	}
	for header, want := range expected {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("Header %q = %q; want %q", header, got, want)
		}
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "Authorization") {
		t.Error("Access-Control-Allow-Headers should contain Authorization")
	}
}

func TestApplyMiddlewaresWithAuth(t *testing.T) {
	innerCalled := false
	inner := func(w http.ResponseWriter, r *http.Request) {
		innerCalled = true
		w.WriteHeader(http.StatusOK)
	}

	authCalled := false
	AuthMiddleware = func(next http.Handler, role AuthRole) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCalled = true
			if r.Header.Get("X-Auth") == "valid" {
				next.ServeHTTP(w, r)
				return
			}
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	defer func() { AuthMiddleware = nil }()

	tests := []struct {
		name       string
		role       AuthRole
		header     string
		wantAuth   bool
		wantInner  bool
		wantStatus int
	}{
		{"operator authorized", RoleOperator, "valid", true, true, http.StatusOK},
		{"operator unauthorized", RoleOperator, "", true, false, http.StatusUnauthorized},
		{"public", RolePublic, "", false, true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			innerCalled, authCalled = false, false
			req := httptest.NewRequest("GET", "/jobs", nil)
			if tt.header != "" {
				req.Header.Set("X-Auth", tt.header)
			}
			rec := httptest.NewRecorder()
			ApplyMiddlewares(inner, tt.role).ServeHTTP(rec, req)
			if authCalled != tt.wantAuth || innerCalled != tt.wantInner || rec.Code != tt.wantStatus {
				t.Errorf("auth=%v inner=%v code=%d; want %v %v %d",
					authCalled, innerCalled, rec.Code, tt.wantAuth, tt.wantInner, tt.wantStatus)
			}
		})
	}
}

func TestApplyMiddlewaresWithoutAuthService(t *testing.T) {
	rec := httptest.NewRecorder()
	ApplyMiddlewares(okHandler, RoleOperator).ServeHTTP(rec, httptest.NewRequest("GET", "/jobs", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("code = %d", rec.Code)
	}
}
