package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/scrumlive/ceremony"
)

// CreateRetro handles POST /retros. An open retro for the same team and
// sprint is returned instead of creating a second one.
func (a *API) CreateRetro(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateRetroRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	sess, created, err := a.svc.CreateRetro(r.Context(), req.TeamID, req.SprintID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.writeCreated(w, r, sess, created)
}

// CreatePoker handles POST /poker/sessions. An open session for the team is
// reset and reused.
func (a *API) CreatePoker(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreatePokerRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	sess, created, err := a.svc.CreatePoker(r.Context(), req.TeamID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.writeCreated(w, r, sess, created)
}

func (a *API) writeCreated(w http.ResponseWriter, r *http.Request, sess *ceremony.Session, created bool) {
	attrs := []slog.Attr{slog.String("kind", string(sess.Kind)), slog.Int64("team_id", sess.TeamID)}
	if created {
		a.audit.logSession(AuditSessionCreated, r, sess.ID, attrs...)
		writeJSON(w, http.StatusCreated, SessionResponse{Session: sess, Created: true})
		return
	}
	a.audit.logSession(AuditSessionReused, r, sess.ID, attrs...)
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess})
}

// ListRetros handles GET /retros.
func (a *API) ListRetros(w http.ResponseWriter, r *http.Request) {
	a.listSessions(w, r, ceremony.KindRetro)
}

// ListPoker handles GET /poker/sessions.
func (a *API) ListPoker(w http.ResponseWriter, r *http.Request) {
	a.listSessions(w, r, ceremony.KindPoker)
}

func (a *API) listSessions(w http.ResponseWriter, r *http.Request, kind ceremony.Kind) {
	teamID, err := queryInt64(r, "team_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error())
		return
	}
	sessions, err := a.svc.ListSessions(r.Context(), kind, teamID)
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(sessions, limit, offset)
	if page == nil {
		page = []*ceremony.Session{}
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: page, PaginationMeta: meta})
}

// GetRetro handles GET /retros/{sessionID}.
func (a *API) GetRetro(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := a.svc.Session(ctx, ceremony.KindRetro, chi.URLParam(r, "sessionID"))
	if err != nil {
		mapError(w, err)
		return
	}
	items, err := a.svc.Items(ctx, sess.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	claimed, err := a.svc.ClaimedIDs(ctx, sess.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	if items == nil {
		items = []*ceremony.Item{}
	}
	writeJSON(w, http.StatusOK, RetroDetailResponse{Retro: sess, Items: items, Claimed: claimed})
}

// GetPoker handles GET /poker/sessions/{sessionID}.
func (a *API) GetPoker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := a.svc.Session(ctx, ceremony.KindPoker, chi.URLParam(r, "sessionID"))
	if err != nil {
		mapError(w, err)
		return
	}
	votes, err := a.svc.Votes(ctx, sess.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	claimed, err := a.svc.ClaimedIDs(ctx, sess.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	if votes == nil {
		votes = []*ceremony.Vote{}
	}
	writeJSON(w, http.StatusOK, PokerDetailResponse{Session: sess, Votes: votes, Claimed: claimed})
}

// UpdateRetro handles PUT /retros/{sessionID}.
func (a *API) UpdateRetro(w http.ResponseWriter, r *http.Request) {
	a.updateSession(w, r, ceremony.KindRetro)
}

// UpdatePoker handles PUT /poker/sessions/{sessionID}.
func (a *API) UpdatePoker(w http.ResponseWriter, r *http.Request) {
	a.updateSession(w, r, ceremony.KindPoker)
}

func (a *API) updateSession(w http.ResponseWriter, r *http.Request, kind ceremony.Kind) {
	req, ok := decodeJSON[UpdateSessionRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	var u ceremony.Update
	if req.State != nil {
		st, err := ceremony.ParseState(*req.State)
		if err != nil {
			mapError(w, err)
			return
		}
		u.State = &st
	}
	if req.Phase != nil {
		ph, err := ceremony.ParsePhase(kind, *req.Phase)
		if err != nil {
			mapError(w, err)
			return
		}
		u.Phase = &ph
	}

	sess, err := a.svc.UpdateSession(r.Context(), kind, chi.URLParam(r, "sessionID"), u)
	if err != nil {
		mapError(w, err)
		return
	}
	event := AuditSessionUpdated
	if !sess.Open() {
		event = AuditSessionClosed
	}
	a.audit.logSession(event, r, sess.ID,
		slog.String("kind", string(kind)),
		slog.String("fase", string(sess.Phase)),
		slog.String("estado", string(sess.State)))
	writeJSON(w, http.StatusOK, SessionResponse{Session: sess})
}

// RetroPresence handles GET /retros/{sessionID}/presence.
func (a *API) RetroPresence(w http.ResponseWriter, r *http.Request) {
	a.presence(w, r, ceremony.KindRetro)
}

// PokerPresence handles GET /poker/sessions/{sessionID}/presence.
func (a *API) PokerPresence(w http.ResponseWriter, r *http.Request) {
	a.presence(w, r, ceremony.KindPoker)
}

func (a *API) presence(w http.ResponseWriter, r *http.Request, kind ceremony.Kind) {
	sess, err := a.svc.Session(r.Context(), kind, chi.URLParam(r, "sessionID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.hub.Presence(sess.Token))
}

// AddRetroItem handles POST /retros/{sessionID}/items.
func (a *API) AddRetroItem(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ItemRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	it, err := a.svc.AddItem(r.Context(), chi.URLParam(r, "sessionID"), ceremony.ItemInput{
		Type:       req.Type,
		Detail:     req.Detail,
		PersonaID:  req.PersonaID,
		AssigneeID: req.AssigneeID,
		DueDate:    req.DueDate,
		Status:     req.Status,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSession(AuditItemCreated, r, it.SessionID,
		slog.String("item_id", it.ID), slog.String("tipo", string(it.Type)))
	writeJSON(w, http.StatusCreated, it)
}

// UpdateRetroItem handles PUT /retros/{sessionID}/items/{itemID}.
func (a *API) UpdateRetroItem(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ItemPatchRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	it, err := a.svc.UpdateItem(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "itemID"), ceremony.ItemPatch{
		Detail:     req.Detail,
		PersonaID:  req.PersonaID,
		AssigneeID: req.AssigneeID,
		DueDate:    req.DueDate,
		Status:     req.Status,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSession(AuditItemUpdated, r, it.SessionID, slog.String("item_id", it.ID))
	writeJSON(w, http.StatusOK, it)
}

// DeleteRetroItem handles DELETE /retros/{sessionID}/items/{itemID}.
func (a *API) DeleteRetroItem(w http.ResponseWriter, r *http.Request) {
	sessionID, itemID := chi.URLParam(r, "sessionID"), chi.URLParam(r, "itemID")
	if err := a.svc.DeleteItem(r.Context(), sessionID, itemID); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logSession(AuditItemDeleted, r, sessionID, slog.String("item_id", itemID))
	w.WriteHeader(http.StatusNoContent)
}
