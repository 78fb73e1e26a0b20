package mw

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/3xpluto/quotagate/internal/admission"
	"github.com/3xpluto/quotagate/internal/backpressure"
)

// Checker is the admission engine as seen by HTTP handlers.
type Checker interface {
	Check(ctx context.Context, req admission.Request) (admission.Decision, error)
}

// Admit gates next behind an admission check for action. It must run inside
// ResolveIdentity. Quota headers are set on every outcome; a rejection is a
// 429 with the machine-readable payload, an engine fault a plain 500. A
// client that disconnects mid-check gets no response.
func Admit(engine Checker, action string, log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			log.Error("admission without identity", slog.String("rid", RID(r.Context())), slog.String("action", action))
			writeInternal(w)
			return
		}

		dec, err := engine.Check(r.Context(), admission.Request{
			CallerID: id.CallerID,
			Plan:     id.Plan,
			Action:   action,
		})
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			log.Debug("client went away during admission",
				slog.String("rid", RID(r.Context())),
				slog.String("action", action),
			)
			return
		}
		if err != nil {
			log.Error("admission check failed",
				slog.String("rid", RID(r.Context())),
				slog.String("action", action),
				slog.String("error", err.Error()),
			)
			writeInternal(w)
			return
		}

		sig := backpressure.Signal(dec)
		for k, vs := range sig.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		if sig.Body != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(sig.Status)
			_ = json.NewEncoder(w).Encode(sig.Body)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeInternal(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   "internal_error",
		"message": "admission service error",
	})
}
