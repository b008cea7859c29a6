package httpapi

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"obsapi.org/internal/audit"
	"obsapi.org/internal/ids"
	"obsapi.org/internal/obs"
	"obsapi.org/internal/store"
)

const stateCookie = "obs_oauth_state"

func (a *API) signin(w http.ResponseWriter, r *http.Request) {
	state := ids.Secret()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     a.deps.BasePath + "/",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https",
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.deps.OAuth.AuthCodeURL(state), http.StatusFound)
}

// authorise finishes sign-in: it stores the token, subscribes to the
// mailbox and sends the browser home.
func (a *API) authorise(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		writeError(w, r, http.StatusBadRequest, e+": "+q.Get("error_description"))
		return
	}
	cookie, err := r.Cookie(stateCookie)
	if err != nil || subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(q.Get("state"))) != 1 {
		writeError(w, r, http.StatusBadRequest, "sign-in state mismatch")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: a.deps.BasePath + "/", MaxAge: -1})

	tok, err := a.deps.OAuth.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		fail(w, r, err)
		return
	}
	access := store.AccessToken{
		Value:        tok.AccessToken,
		RefreshValue: tok.RefreshToken,
		Expiry:       tok.ExpiresAt,
		OwnerID:      tok.Owner,
		RawPayload:   tok.Raw,
		AuthorisedAt: a.now().UTC(),
	}
	if err := a.deps.Tokens.Save(r.Context(), access); err != nil {
		fail(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "token.saved", map[string]any{"owner": tok.Owner})

	sub, err := a.deps.Subscriptions.Create(r.Context(), access)
	if err != nil {
		fail(w, r, err)
		return
	}
	home := a.deps.BasePath + "/home.html?" + url.Values{
		"subscriptionId": {sub.ID},
		"userId":         {sub.OwnerID},
	}.Encode()
	http.Redirect(w, r, home, http.StatusFound)
}

// signout drops the subscription and bounces through the provider logout.
func (a *API) signout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.deps.Subscriptions.Delete(r.Context(), id); err != nil {
		obs.Logger().Warn("signout could not delete subscription", zap.String("subscription_id", id), zap.Error(err))
	}
	http.Redirect(w, r, a.deps.OAuth.LogoutURL(origin(r)), http.StatusFound)
}

func origin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

type tokenView struct {
	Owner        string    `json:"owner"`
	Expires      time.Time `json:"expires"`
	AuthorisedAt time.Time `json:"authorised_at"`
	HasRefresh   bool      `json:"has_refresh"`
}

func (a *API) token(w http.ResponseWriter, r *http.Request) {
	tok, err := a.deps.Tokens.Current(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenView{
		Owner:        tok.OwnerID,
		Expires:      tok.Expiry,
		AuthorisedAt: tok.AuthorisedAt,
		HasRefresh:   tok.RefreshValue != "",
	})
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	cur, err := a.deps.Tokens.Current(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	tok, err := a.deps.OAuth.Refresh(r.Context(), cur.RefreshValue)
	if err != nil {
		fail(w, r, err)
		return
	}
	next := store.AccessToken{
		OwnerID:      cur.OwnerID,
		Value:        tok.AccessToken,
		RefreshValue: tok.RefreshToken,
		Expiry:       tok.ExpiresAt,
	}
	if next.RefreshValue == "" {
		next.RefreshValue = cur.RefreshValue
	}
	if err := a.deps.Tokens.SaveRefreshed(r.Context(), next); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
