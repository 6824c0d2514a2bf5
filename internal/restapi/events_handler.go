package restapi

import (
	"database/sql"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"buswatch.org/internal/auth"
	"buswatch.org/internal/clock"
	"buswatch.org/internal/models"
)

const defaultEventLimit = 200

func (api *RestAPI) subjectVisible(session auth.Session, s models.Subject) bool {
	if session.Role == models.RoleAdmin {
		return true
	}
	return slices.Contains(api.Roster.Visible(session.UserID, session.Role), s)
}

// parseSince accepts RFC 3339 or Unix milliseconds. Empty means the start of
// the current service day.
func (api *RestAPI) parseSince(v string) (time.Time, error) {
	if v == "" {
		loc, err := api.Config.Location()
		if err != nil {
			loc = time.UTC
		}
		return clock.ServiceDate(api.Clock.Now(), loc), nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, v)
}

// eventsHandler queries the event log. Non-admins must name a subject they
// may see. source=archive reads the long-term archive instead of the local
// log when one is configured.
func (api *RestAPI) eventsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	session := sessionOf(r)

	var subject string
	if raw := q.Get("subject"); raw != "" {
		s, err := models.ParseSubject(raw)
		if err != nil {
			api.validationErrorResponse(w, r, map[string][]string{"subject": {err.Error()}})
			return
		}
		if !api.subjectVisible(session, s) {
			api.sendForbidden(w, r)
			return
		}
		subject = s.String()
	} else if session.Role != models.RoleAdmin {
		api.validationErrorResponse(w, r, map[string][]string{"subject": {"required"}})
		return
	}

	since, err := api.parseSince(q.Get("since"))
	if err != nil {
		api.validationErrorResponse(w, r, map[string][]string{"since": {"RFC3339 or unix milliseconds"}})
		return
	}
	limit := defaultEventLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			api.validationErrorResponse(w, r, map[string][]string{"limit": {"gt=0"}})
			return
		}
		limit = n
	}

	var events []models.Event
	switch q.Get("source") {
	case "", "log":
		events, err = api.Dispatcher.List(r.Context(), subject, since, limit)
	case "archive":
		if api.ArchiveStore == nil {
			api.sendError(w, r, http.StatusNotImplemented, "no event archive configured")
			return
		}
		events, err = api.ArchiveStore.ListEvents(r.Context(), subject, since, min(limit, 1000))
	default:
		api.validationErrorResponse(w, r, map[string][]string{"source": {"oneof=log archive"}})
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	api.sendResponse(w, r, models.NewListResponse(events, api.Clock))
}

func (api *RestAPI) eventHandler(w http.ResponseWriter, r *http.Request) {
	e, err := api.Dispatcher.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, sql.ErrNoRows) {
		api.sendNotFound(w, r)
		return
	}
	if err != nil {
		api.serverErrorResponse(w, r, err)
		return
	}
	if !api.subjectVisible(sessionOf(r), e.Subject) {
		api.sendNotFound(w, r)
		return
	}
	api.sendResponse(w, r, models.NewEntryResponse(e, api.Clock))
}
