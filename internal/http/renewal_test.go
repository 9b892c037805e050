package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aegisfin/calsync/internal/channel"
)

type stubRenewalRunner struct {
	report *channel.RenewalReport
	err    error
	calls  int
}

func (s *stubRenewalRunner) RunRenewalPass(ctx context.Context, now time.Time) (*channel.RenewalReport, error) {
	s.calls++
	return s.report, s.err
}

func TestRenewalPassRequiresSecret(t *testing.T) {
	runner := &stubRenewalRunner{report: &channel.RenewalReport{}}
	h := &renewalHandler{scheduler: runner, secret: "sched-secret"}

	req := httptest.NewRequest(http.MethodPost, "/sync/renewal-pass", nil)
	req.Header.Set("X-Scheduler-Secret", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if runner.calls != 0 {
		t.Fatal("unauthorized request ran a renewal pass")
	}
}

func TestRenewalPassReportsPartialFailure(t *testing.T) {
	runner := &stubRenewalRunner{report: &channel.RenewalReport{Renewed: 3, Failed: 1, Errors: []string{"user 9: watch failed"}}}
	h := &renewalHandler{scheduler: runner, secret: "sched-secret"}

	req := httptest.NewRequest(http.MethodPost, "/sync/renewal-pass", nil)
	req.Header.Set("X-Scheduler-Secret", "sched-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 even with failures", rec.Code)
	}

	var report channel.RenewalReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Renewed != 3 || report.Failed != 1 || len(report.Errors) != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestRenewalPassInternalFailure(t *testing.T) {
	runner := &stubRenewalRunner{err: errors.New("db down")}
	h := &renewalHandler{scheduler: runner, secret: "sched-secret"}

	req := httptest.NewRequest(http.MethodPost, "/sync/renewal-pass", nil)
	req.Header.Set("X-Scheduler-Secret", "sched-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestRequireAPIToken(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := requireAPIToken("api-token")(next)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer api-token", http.StatusNoContent},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"no bearer prefix", "api-token", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/users/1/settings", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRequireAPITokenUnconfigured(t *testing.T) {
	h := requireAPIToken("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/1/settings", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 when no token configured", rec.Code)
	}
}
