package httpapi

import (
	"net/http"
	"strings"

	"obsapi.org/internal/transfer"
)

type offerRequest struct {
	Account string `json:"account"`
	Email   string `json:"email"`
}

func (a *API) offerTransfer(w http.ResponseWriter, r *http.Request) {
	var req offerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Account) == "" || strings.TrimSpace(req.Email) == "" {
		writeError(w, r, http.StatusBadRequest, "account and email are required")
		return
	}
	if err := a.deps.Transfers.Offer(r.Context(), req.Account, req.Email); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) decision(w http.ResponseWriter, r *http.Request) (transfer.Request, bool) {
	var req transfer.Request
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return req, false
	}
	if req.ValidationString == "" || req.Account == "" {
		writeError(w, r, http.StatusBadRequest, "validationString and account are required")
		return req, false
	}
	req.IPAddress = clientIP(r)
	return req, true
}

func (a *API) confirmTransfer(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decision(w, r)
	if !ok {
		return
	}
	if req.ContactEmail == "" {
		writeError(w, r, http.StatusBadRequest, "email is required")
		return
	}
	transferred, err := a.deps.Transfers.Confirm(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transferred": transferred})
}

func (a *API) skipTransfer(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decision(w, r)
	if !ok {
		return
	}
	if err := a.deps.Transfers.Skip(r.Context(), req); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) throttled(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.deps.Transfers.Throttled(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}
