package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"obsapi.org/internal/notify"
	"obsapi.org/internal/obs"
)

func (a *API) listening(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Listening for notifications"))
}

// notifications answers the subscription handshake or hands the batch to the
// intake. Untrusted and malformed batches get the same 202 as trusted ones.
func (a *API) notifications(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(token))
		return
	}

	var batch notify.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		obs.Logger().Warn("unreadable notification batch", zap.Error(err))
		obs.CountNotification("malformed")
	} else {
		res := a.deps.Intake.Handle(r.Context(), batch)
		obs.Logger().Debug("notification batch handled",
			zap.Bool("trusted", res.Trusted),
			zap.Int("admitted", res.Admitted),
			zap.Int("debounced", res.Debounced))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte(http.StatusText(http.StatusAccepted)))
}
