package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aegisfin/calsync/internal/channel"
	"github.com/aegisfin/calsync/internal/http/errors"
)

// renewalHandler exposes the channel renewal pass to an external cron. A
// partial pass still answers 200; the caller inspects the report rather than
// retrying the whole pass.
type renewalRunner interface {
	RunRenewalPass(ctx context.Context, now time.Time) (*channel.RenewalReport, error)
}

type renewalHandler struct {
	scheduler renewalRunner
	secret    string
}

func (h *renewalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get("X-Scheduler-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		errors.Unauthorized(w, r, "invalid scheduler secret")
		return
	}

	report, err := h.scheduler.RunRenewalPass(r.Context(), time.Now())
	if err != nil {
		errors.InternalError(w, r, err, "renewal pass")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}
