package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/scrumlive/ceremony"
)

// PublicRetro handles GET /retros/public/{token}.
func (a *API) PublicRetro(w http.ResponseWriter, r *http.Request) {
	a.publicView(w, r, ceremony.KindRetro)
}

// PublicPoker handles GET /poker/public/{token}.
func (a *API) PublicPoker(w http.ResponseWriter, r *http.Request) {
	a.publicView(w, r, ceremony.KindPoker)
}

func (a *API) publicView(w http.ResponseWriter, r *http.Request, kind ceremony.Kind) {
	ctx := r.Context()
	sess, err := a.svc.SessionByToken(ctx, kind, chi.URLParam(r, "token"))
	if err != nil {
		mapError(w, err)
		return
	}
	claimed, err := a.svc.ClaimedIDs(ctx, sess.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	resp := PublicSessionResponse{Session: publicSession(sess), Claimed: claimed}
	if kind == ceremony.KindRetro {
		items, err := a.svc.Items(ctx, sess.ID)
		if err != nil {
			mapError(w, err)
			return
		}
		resp.Items = items
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClaimRetroPersona handles POST /retros/public/{token}/claim.
func (a *API) ClaimRetroPersona(w http.ResponseWriter, r *http.Request) {
	a.claim(w, r, ceremony.KindRetro)
}

// ClaimPokerPersona handles POST /poker/public/{token}/claim.
func (a *API) ClaimPokerPersona(w http.ResponseWriter, r *http.Request) {
	a.claim(w, r, ceremony.KindPoker)
}

func (a *API) claim(w http.ResponseWriter, r *http.Request, kind ceremony.Kind) {
	ip := a.clientIP(r)
	if blocked, retryAfter := a.claimLimiter.check(ip); blocked {
		a.audit.log(AuditClaimRateLimited, r, slog.String("client_ip", ip))
		writeRateLimited(w, retryAfter)
		return
	}
	req, ok := decodeJSON[ClaimRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}

	ids, err := a.svc.Claim(r.Context(), kind, chi.URLParam(r, "token"), ceremony.ClaimRequest{
		PersonaID: req.PersonaID,
		ClientID:  req.ClientID,
		Name:      req.Name,
	})
	if err != nil {
		a.claimFailed(r, ip, req.PersonaID, err)
		mapError(w, err)
		return
	}
	a.claimLimiter.recordSuccess(ip)
	a.audit.log(AuditClaimGranted, r, slog.String("kind", string(kind)), slog.Int64("persona_id", req.PersonaID))
	writeJSON(w, http.StatusOK, ClaimsResponse{Claimed: ids})
}

// claimFailed records a rejected claim. Only rejections an enumerating client could
// learn from count towards the rate limit.
func (a *API) claimFailed(r *http.Request, ip string, personaID int64, err error) {
	if errors.Is(err, ceremony.ErrAlreadyClaimed) || errors.Is(err, ceremony.ErrNotFound) {
		a.claimLimiter.recordFailure(ip)
	}
	_, code := classify(err)
	a.audit.log(AuditClaimRejected, r, slog.Int64("persona_id", personaID), slog.String("code", code))
}

// ReleaseRetroPersona handles DELETE /retros/public/{token}/claim/{personaID}.
func (a *API) ReleaseRetroPersona(w http.ResponseWriter, r *http.Request) {
	a.release(w, r, ceremony.KindRetro)
}

// ReleasePokerPersona handles DELETE /poker/public/{token}/claim/{personaID}.
func (a *API) ReleasePokerPersona(w http.ResponseWriter, r *http.Request) {
	a.release(w, r, ceremony.KindPoker)
}

func (a *API) release(w http.ResponseWriter, r *http.Request, kind ceremony.Kind) {
	personaID, err := strconv.ParseInt(chi.URLParam(r, "personaID"), 10, 64)
	if err != nil || personaID <= 0 {
		writeError(w, http.StatusBadRequest, codeValidation, "personaID must be a positive integer")
		return
	}
	ids, err := a.svc.Release(r.Context(), kind, chi.URLParam(r, "token"), personaID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditClaimReleased, r, slog.String("kind", string(kind)), slog.Int64("persona_id", personaID))
	writeJSON(w, http.StatusOK, ClaimsResponse{Claimed: ids})
}

// SubmitRetroItem handles POST /retros/public/{token}/items.
func (a *API) SubmitRetroItem(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ItemRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	it, err := a.svc.SubmitItem(r.Context(), chi.URLParam(r, "token"), ceremony.ItemInput{
		Type:      req.Type,
		Detail:    req.Detail,
		PersonaID: req.PersonaID,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSession(AuditItemSubmitted, r, it.SessionID, slog.String("item_id", it.ID))
	writeJSON(w, http.StatusCreated, it)
}

// CastVote handles POST /poker/public/{token}/vote.
func (a *API) CastVote(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[VoteRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	v, err := a.svc.CastVote(r.Context(), chi.URLParam(r, "token"), req.PersonaID, req.Value)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSession(AuditVoteCast, r, v.SessionID, slog.Int64("persona_id", v.PersonaID))
	writeJSON(w, http.StatusOK, v)
}
