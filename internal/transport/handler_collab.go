package transport

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/pitabwire/assessor/internal/collab"
	"github.com/pitabwire/assessor/model"
)

type sessionView struct {
	model.SharedSession
	Live []model.ParticipantSnapshot `json:"liveParticipants"`
}

// sessionActor treats workflows:manage holders as session managers.
func sessionActor(r *http.Request) collab.Actor {
	return collab.Actor{
		UserID:  model.SubjectFrom(r.Context()),
		Manager: CapabilitiesFrom(r.Context()).Has(model.CapWorkflowsManage),
	}
}

func handleSessionCreate(hub *collab.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SharedWorkflowID string            `json:"sharedWorkflowId"`
			Collaborators    map[string]string `json:"collaborators"`
		}
		if err := decodeJSON(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		session, err := hub.CreateSession(r.Context(), sessionActor(r), body.SharedWorkflowID, body.Collaborators)
		respond(w, http.StatusCreated, session, err)
	}
}

func handleSessionGet(hub *collab.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionId")
		session, err := hub.GetSession(r.Context(), sessionActor(r), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		live := hub.Participants(id)
		if live == nil {
			live = []model.ParticipantSnapshot{}
		}
		WriteJSON(w, http.StatusOK, sessionView{SharedSession: session, Live: live})
	}
}

func handleSessionActivity(hub *collab.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 100)
		activity, err := hub.ListActivity(r.Context(), sessionActor(r), chi.URLParam(r, "sessionId"), limit)
		respond(w, http.StatusOK, newListResponse(activity, limit, 0), err)
	}
}

// newUpgrader accepts same-host handshakes and the configured CORS origins.
func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] || allowed["*"] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

func handleCollaborationSocket(hub *collab.Hub, upgrader *websocket.Upgrader, opts collab.WSOptions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		// Upgrade writes its own error response.
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.ServeWebSocket(r.Context(), ws, rctx.SubjectID, rctx.DisplayName(), opts)
	}
}
