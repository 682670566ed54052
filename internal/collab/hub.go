// Package collab is the real-time collaboration session registry. A Hub
// tracks every live connection, the shared session it has joined and the
// participant's role, relays cursor, edit and comment events between
// participants, and reaps connections that stop answering heartbeats.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/assessor/internal/observability"
	"github.com/pitabwire/assessor/internal/workflow"
	"github.com/pitabwire/assessor/model"
)

// ErrHubClosed is returned by Register after Shutdown.
var ErrHubClosed = errors.New("collaboration hub is shut down")

// Conn is one client's outbound channel. Send is never called concurrently
// for the same Conn.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// WorkflowLookup resolves the shared workflow a session is attached to.
// *workflow.Engine satisfies it.
type WorkflowLookup interface {
	GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error)
}

// Actor is the caller behind a session request. Managers may create and
// read any session.
type Actor struct {
	UserID  string
	Manager bool
}

// Settings configure a Hub.
type Settings struct {
	// HeartbeatInterval is how often connections are pinged. A connection
	// silent for two intervals is reaped.
	HeartbeatInterval time.Duration
}

type client struct {
	id        string
	conn      Conn
	userID    string
	name      string
	writeMu   sync.Mutex
	closeOnce sync.Once

	// Guarded by Hub.mu.
	sessionID string
	role      string
	cursor    *model.CursorPosition
	lastSeen  time.Time
}

type liveSession struct {
	id           string
	participants map[string]*client // key: user ID
	lastActivity time.Time
}

// Hub is the collaboration session registry.
type Hub struct {
	store     SessionStore
	workflows WorkflowLookup
	settings  Settings
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time

	// persist serializes store writes per session. It is never held while
	// delivering, since a failed delivery disconnects and re-enters it.
	persist *workflow.KeyedMutex

	mu       sync.RWMutex
	clients  map[string]*client
	sessions map[string]*liveSession
	closed   bool
}

// NewHub creates a Hub persisting through store. Session ownership is
// taken from the shared workflow found through workflows.
func NewHub(store SessionStore, workflows WorkflowLookup, settings Settings, logger *zap.Logger, metrics *observability.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.HeartbeatInterval <= 0 {
		settings.HeartbeatInterval = 30 * time.Second
	}
	return &Hub{
		store:     store,
		workflows: workflows,
		settings:  settings,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
		persist:   workflow.NewKeyedMutex(),
		clients:   make(map[string]*client),
		sessions:  make(map[string]*liveSession),
	}
}

// Register adds a connection for an authenticated user and sends it the
// connection_established handshake carrying its client id.
func (h *Hub) Register(conn Conn, userID, name string) (string, error) {
	c := &client{
		id:     uuid.New().String(),
		conn:   conn,
		userID: userID,
		name:   name,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHubClosed
	}
	c.lastSeen = h.now()
	h.clients[c.id] = c
	h.updateGaugesLocked()
	h.mu.Unlock()

	h.logger.Debug("collaboration client connected", zap.String("client_id", c.id), zap.String("user_id", userID))

	msg := h.message(model.MsgConnectionEstablished, "", c, map[string]any{"clientId": c.id})
	if err := h.send(c, msg); err != nil {
		h.Disconnect(context.Background(), c.id)
		return "", fmt.Errorf("send handshake: %w", err)
	}
	return c.id, nil
}

// HandleMessage dispatches one inbound message. Errors are reported to the
// sender as error messages and never returned.
func (h *Hub) HandleMessage(ctx context.Context, clientID string, raw []byte) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		c.lastSeen = h.now()
	}
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("message from unknown collaboration client", zap.String("client_id", clientID))
		return
	}

	var msg model.CollabMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.sendError(ctx, c, model.ErrBadRequest, "message is not valid JSON")
		return
	}
	h.metrics.RecordCollabMessage(msg.Type)

	switch msg.Type {
	case model.MsgJoinSession:
		h.join(ctx, c, msg)
	case model.MsgLeaveSession:
		h.leave(ctx, c)
	case model.MsgCursorPosition:
		h.cursor(ctx, c, msg)
	case model.MsgEditOperation:
		h.edit(ctx, c, msg)
	case model.MsgComment:
		h.comment(ctx, c, msg)
	case model.MsgPong:
		// lastSeen already refreshed.
	default:
		h.sendError(ctx, c, model.ErrBadRequest, fmt.Sprintf("unsupported message type %q", msg.Type))
	}
}

// Disconnect removes a connection, leaves its session and closes the
// socket. It is the cleanup path for socket close, heartbeat reaping,
// failed writes and shutdown. Disconnecting an unknown client is a no-op.
func (h *Hub) Disconnect(ctx context.Context, clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	left := h.detachLocked(c)
	h.updateGaugesLocked()
	h.mu.Unlock()

	h.afterLeave(ctx, c, left)
	c.close()
	h.logger.Debug("collaboration client disconnected", zap.String("client_id", c.id), zap.String("user_id", c.userID))
}

// CreateSession persists a new session over a shared workflow. The session
// owner is the workflow's creator, or its assignee when the creator is
// unknown; only the owner or a manager may open one. collaborators maps user
// ids to roles; an empty role means viewer.
func (h *Hub) CreateSession(ctx context.Context, actor Actor, sharedWorkflowID string, collaborators map[string]string) (model.SharedSession, error) {
	if sharedWorkflowID == "" {
		return model.SharedSession{}, model.NewValidationError([]model.FieldError{{
			Field: "shared_workflow_id", Code: "required", Message: "shared_workflow_id is required",
		}})
	}
	for userID, role := range collaborators {
		switch role {
		case "", model.RoleViewer, model.RoleEditor, model.RoleOwner:
		default:
			return model.SharedSession{}, model.NewValidationError([]model.FieldError{{
				Field:   "collaborators." + userID,
				Code:    "oneof",
				Message: "role must be one of: viewer editor owner",
			}})
		}
	}
	inst, err := h.workflows.GetInstance(ctx, sharedWorkflowID)
	if err != nil {
		return model.SharedSession{}, model.AsEnvelope(err, "failed to load shared workflow")
	}
	ownerID := workflowOwner(inst)
	if ownerID == "" && actor.Manager {
		ownerID = actor.UserID
	}
	if ownerID == "" || (actor.UserID != ownerID && !actor.Manager) {
		return model.SharedSession{}, model.NewForbiddenError("only the shared workflow owner may open a session")
	}
	session := model.SharedSession{
		ID:               uuid.New().String(),
		SharedWorkflowID: sharedWorkflowID,
		OwnerID:          ownerID,
		Collaborators:    collaborators,
		Status:           model.SessionStatusActive,
		StartedAt:        h.now(),
	}
	if err := h.store.CreateSession(ctx, session); err != nil {
		return model.SharedSession{}, model.AsEnvelope(err, "failed to create collaboration session")
	}
	h.logger.Info("collaboration session created",
		zap.String("session_id", session.ID),
		zap.String("shared_workflow_id", sharedWorkflowID),
		zap.String("owner_id", ownerID),
		zap.String("created_by", actor.UserID),
	)
	return session, nil
}

// GetSession returns a persisted session the actor owns or collaborates on.
func (h *Hub) GetSession(ctx context.Context, actor Actor, id string) (model.SharedSession, error) {
	session, err := h.store.GetSession(ctx, id)
	if err != nil {
		return model.SharedSession{}, model.AsEnvelope(err, "failed to load collaboration session")
	}
	if _, member := resolveRole(session, actor.UserID); !member && !actor.Manager {
		return model.SharedSession{}, model.NewForbiddenError("you are not a participant of this session")
	}
	return session, nil
}

// ListActivity returns a session's activity, newest first.
func (h *Hub) ListActivity(ctx context.Context, actor Actor, sessionID string, limit int) ([]model.SessionActivity, error) {
	if _, err := h.GetSession(ctx, actor, sessionID); err != nil {
		return nil, err
	}
	activity, err := h.store.ListActivity(ctx, sessionID, limit)
	if err != nil {
		return nil, model.AsEnvelope(err, "failed to load collaboration activity")
	}
	return activity, nil
}

// Participants returns the live participants of a session, ordered by user
// id. An unknown session has none.
func (h *Hub) Participants(sessionID string) []model.ParticipantSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	return snapshotLocked(s)
}

// Stats returns the number of live connections and sessions.
func (h *Hub) Stats() (connections, sessions int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients), len(h.sessions)
}

// Run drives the heartbeat until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.settings.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep pings every connection, reaps connections silent for two heartbeat
// intervals and prunes empty sessions idle for as long.
func (h *Hub) Sweep(ctx context.Context) {
	now := h.now()
	deadline := now.Add(-2 * h.settings.HeartbeatInterval)

	var reap, ping []*client
	var pruned []string
	h.mu.Lock()
	for _, c := range h.clients {
		if c.lastSeen.Before(deadline) {
			reap = append(reap, c)
		} else {
			ping = append(ping, c)
		}
	}
	for id, s := range h.sessions {
		if len(s.participants) == 0 && s.lastActivity.Before(deadline) {
			delete(h.sessions, id)
			pruned = append(pruned, id)
		}
	}
	h.updateGaugesLocked()
	h.mu.Unlock()

	for _, c := range reap {
		h.metrics.RecordCollabReaped()
		h.logger.Info("collaboration client missed heartbeats, disconnecting",
			zap.String("client_id", c.id),
			zap.String("user_id", c.userID),
		)
		h.Disconnect(ctx, c.id)
	}
	for _, id := range pruned {
		h.logger.Debug("pruned empty collaboration session", zap.String("session_id", id))
	}

	h.deliver(ctx, ping, h.message(model.MsgPing, "", nil, nil))
}

// Shutdown disconnects every client and rejects new registrations. Sessions
// emptied by the drain stay active so they can be rejoined after a restart.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Disconnect(ctx, id)
	}
	h.logger.Info("collaboration hub shut down", zap.Int("connections_closed", len(ids)))
}

func (h *Hub) join(ctx context.Context, c *client, msg model.CollabMessage) {
	if msg.SessionID == "" {
		h.sendError(ctx, c, model.ErrValidationError, "sessionId is required")
		return
	}

	unlock := h.persist.Lock(msg.SessionID)
	res, err := h.attach(ctx, c, msg.SessionID)
	unlock()
	if err != nil {
		h.sendError(ctx, c, err.Code, err.Message)
		return
	}
	if res.sessionID == "" {
		return
	}
	if res.rejoined {
		h.deliver(ctx, []*client{c}, h.message(model.MsgSessionUpdate, res.sessionID, c, map[string]any{
			"participants": res.participants,
		}))
		return
	}

	h.afterLeave(ctx, c, res.previous)
	if res.replaced != nil {
		h.deliver(ctx, []*client{res.replaced}, h.message(model.MsgError, res.sessionID, nil, map[string]any{
			"code":    model.ErrConflict,
			"message": "session joined from another connection",
		}))
	}

	h.logActivity(ctx, res.sessionID, c.userID, model.MsgUserJoined, map[string]any{"role": res.role})
	h.deliver(ctx, res.recipients, h.message(model.MsgUserJoined, res.sessionID, c, map[string]any{
		"role":         res.role,
		"participants": res.participants,
	}))
	h.logger.Info("user joined collaboration session",
		zap.String("session_id", res.sessionID),
		zap.String("user_id", c.userID),
		zap.String("role", res.role),
	)
}

type joinResult struct {
	sessionID    string
	role         string
	rejoined     bool
	participants []model.ParticipantSnapshot
	recipients   []*client
	previous     leaveResult
	replaced     *client
}

// attach loads the session, checks the caller may join and records c as a
// participant. The caller holds the session's persist lock, so the status
// check and the participant write cannot interleave with another join or
// with the last leave ending the session.
func (h *Hub) attach(ctx context.Context, c *client, sessionID string) (joinResult, *model.ErrorEnvelope) {
	session, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		if model.IsCode(err, model.ErrNotFound) {
			return joinResult{}, model.NewNotFoundError(fmt.Sprintf("session %q not found", sessionID))
		}
		h.logger.Error("failed to load collaboration session", zap.String("session_id", sessionID), zap.Error(err))
		return joinResult{}, model.NewExternalDependencyError("session could not be loaded", err)
	}
	if session.Status != model.SessionStatusActive {
		return joinResult{}, model.NewInvalidStateError(fmt.Sprintf("session %q has ended", session.ID))
	}
	role, ok := resolveRole(session, c.userID)
	if !ok {
		h.logger.Info("collaboration join rejected",
			zap.String("session_id", session.ID),
			zap.String("user_id", c.userID),
		)
		return joinResult{}, model.NewUnauthorizedError("you are not a participant of this session")
	}

	h.mu.Lock()
	if _, live := h.clients[c.id]; !live {
		h.mu.Unlock()
		return joinResult{}, nil
	}
	if c.sessionID == session.ID && c.role == role {
		if s := h.sessions[session.ID]; s != nil && s.participants[c.userID] == c {
			res := joinResult{sessionID: session.ID, rejoined: true, participants: snapshotLocked(s)}
			h.mu.Unlock()
			return res, nil
		}
	}

	res := joinResult{sessionID: session.ID, role: role}
	// Switching sessions leaves the previous one first.
	if c.sessionID != "" && c.sessionID != session.ID {
		res.previous = h.detachLocked(c)
	}

	s, exists := h.sessions[session.ID]
	if !exists {
		s = &liveSession{id: session.ID, participants: make(map[string]*client)}
		h.sessions[session.ID] = s
	}
	// The same user on another socket is replaced and told so.
	if old, ok := s.participants[c.userID]; ok && old != c {
		old.sessionID = ""
		old.role = ""
		old.cursor = nil
		res.replaced = old
	}
	s.participants[c.userID] = c
	s.lastActivity = h.now()
	c.sessionID = session.ID
	c.role = role
	res.participants = snapshotLocked(s)
	res.recipients = recipientsLocked(s, "")
	h.updateGaugesLocked()
	h.mu.Unlock()

	h.syncParticipantsLocked(ctx, session.ID)
	return res, nil
}

func (h *Hub) leave(ctx context.Context, c *client) {
	h.mu.Lock()
	left := h.detachLocked(c)
	h.updateGaugesLocked()
	h.mu.Unlock()
	h.afterLeave(ctx, c, left)
}

func (h *Hub) cursor(ctx context.Context, c *client, msg model.CollabMessage) {
	var pos model.CursorPosition
	if err := json.Unmarshal(msg.Payload, &pos); err != nil {
		h.sendError(ctx, c, model.ErrBadRequest, "cursor payload is invalid")
		return
	}

	h.mu.Lock()
	s := h.sessionOfLocked(c)
	if s == nil {
		h.mu.Unlock()
		h.sendError(ctx, c, model.ErrInvalidState, "join a session first")
		return
	}
	c.cursor = &pos
	s.lastActivity = h.now()
	recipients := recipientsLocked(s, c.id)
	h.mu.Unlock()

	h.deliver(ctx, recipients, h.message(model.MsgCursorPosition, s.id, c, pos))
}

func (h *Hub) edit(ctx context.Context, c *client, msg model.CollabMessage) {
	h.mu.Lock()
	s := h.sessionOfLocked(c)
	if s == nil {
		h.mu.Unlock()
		h.sendError(ctx, c, model.ErrInvalidState, "join a session first")
		return
	}
	if !model.CanEdit(c.role) {
		role := c.role
		h.mu.Unlock()
		h.logger.Info("edit rejected for role",
			zap.String("session_id", s.id),
			zap.String("user_id", c.userID),
			zap.String("role", role),
		)
		h.sendError(ctx, c, model.ErrUnauthorized, "your role does not allow edits")
		return
	}
	s.lastActivity = h.now()
	recipients := recipientsLocked(s, "")
	h.mu.Unlock()

	h.logActivity(ctx, s.id, c.userID, model.MsgEditOperation, payloadDetails(msg.Payload))
	h.deliver(ctx, recipients, h.message(model.MsgEditOperation, s.id, c, msg.Payload))
}

func (h *Hub) comment(ctx context.Context, c *client, msg model.CollabMessage) {
	h.mu.Lock()
	s := h.sessionOfLocked(c)
	if s == nil {
		h.mu.Unlock()
		h.sendError(ctx, c, model.ErrInvalidState, "join a session first")
		return
	}
	s.lastActivity = h.now()
	recipients := recipientsLocked(s, "")
	h.mu.Unlock()

	h.logActivity(ctx, s.id, c.userID, model.MsgComment, payloadDetails(msg.Payload))
	h.deliver(ctx, recipients, h.message(model.MsgComment, s.id, c, msg.Payload))
}

// leaveResult is what detachLocked hands to afterLeave once the lock is
// released.
type leaveResult struct {
	sessionID  string
	remaining  []model.ParticipantSnapshot
	recipients []*client
}

// detachLocked removes c from its session. h.mu must be held.
func (h *Hub) detachLocked(c *client) leaveResult {
	if c.sessionID == "" {
		return leaveResult{}
	}
	sessionID := c.sessionID
	c.sessionID = ""
	c.role = ""
	c.cursor = nil

	s, ok := h.sessions[sessionID]
	if !ok || s.participants[c.userID] != c {
		return leaveResult{}
	}
	delete(s.participants, c.userID)
	s.lastActivity = h.now()

	res := leaveResult{
		sessionID:  sessionID,
		remaining:  snapshotLocked(s),
		recipients: recipientsLocked(s, ""),
	}
	if len(s.participants) == 0 {
		delete(h.sessions, sessionID)
	}
	return res
}

// afterLeave persists and announces a departure recorded by detachLocked.
func (h *Hub) afterLeave(ctx context.Context, c *client, res leaveResult) {
	if res.sessionID == "" {
		return
	}
	unlock := h.persist.Lock(res.sessionID)
	ended := h.syncParticipantsLocked(ctx, res.sessionID)
	unlock()

	h.logActivity(ctx, res.sessionID, c.userID, model.MsgUserLeft, nil)
	h.deliver(ctx, res.recipients, h.message(model.MsgUserLeft, res.sessionID, c, map[string]any{
		"participants": res.remaining,
	}))
	h.logger.Info("user left collaboration session",
		zap.String("session_id", res.sessionID),
		zap.String("user_id", c.userID),
		zap.Bool("session_ended", ended),
	)
}

// syncParticipantsLocked writes the session's current live participants to
// the store, or ends the session once nobody is left. A hub that is shutting
// down only clears the participant list. The session's persist lock must be
// held. It reports whether the session was ended.
func (h *Hub) syncParticipantsLocked(ctx context.Context, sessionID string) bool {
	h.mu.RLock()
	var participants []model.ParticipantSnapshot
	if s, ok := h.sessions[sessionID]; ok {
		participants = snapshotLocked(s)
	}
	closed := h.closed
	h.mu.RUnlock()

	if len(participants) > 0 || closed {
		if participants == nil {
			participants = []model.ParticipantSnapshot{}
		}
		if err := h.store.UpdateParticipants(ctx, sessionID, participants); err != nil {
			h.logger.Warn("failed to persist session participants", zap.String("session_id", sessionID), zap.Error(err))
		}
		return false
	}
	if err := h.store.EndSession(ctx, sessionID, h.now()); err != nil {
		h.logger.Warn("failed to end collaboration session", zap.String("session_id", sessionID), zap.Error(err))
	}
	return true
}

func (h *Hub) sessionOfLocked(c *client) *liveSession {
	if c.sessionID == "" {
		return nil
	}
	s, ok := h.sessions[c.sessionID]
	if !ok || s.participants[c.userID] != c {
		return nil
	}
	return s
}

func (h *Hub) logActivity(ctx context.Context, sessionID, userID, action string, details map[string]any) {
	err := h.store.LogActivity(ctx, model.SessionActivity{
		SessionID: sessionID,
		UserID:    userID,
		Action:    action,
		Details:   details,
		CreatedAt: h.now(),
	})
	if err != nil {
		h.logger.Warn("failed to log collaboration activity",
			zap.String("session_id", sessionID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// message builds an outbound message from sender. payload may be nil.
func (h *Hub) message(msgType, sessionID string, sender *client, payload any) []byte {
	msg := model.CollabMessage{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: h.now().UnixMilli(),
	}
	if sender != nil {
		msg.UserID = sender.userID
		msg.UserName = sender.name
	}
	if payload != nil {
		if raw, ok := payload.(json.RawMessage); ok {
			msg.Payload = raw
		} else if data, err := json.Marshal(payload); err == nil {
			msg.Payload = data
		}
	}
	data, _ := json.Marshal(msg)
	return data
}

func (h *Hub) sendError(ctx context.Context, c *client, code, message string) {
	h.deliver(ctx, []*client{c}, h.message(model.MsgError, "", nil, map[string]any{
		"code":    code,
		"message": message,
	}))
}

// deliver writes data to every recipient outside the hub lock. Recipients
// whose write fails are disconnected once the loop is done.
func (h *Hub) deliver(ctx context.Context, recipients []*client, data []byte) {
	var failed []*client
	for _, c := range recipients {
		if err := h.send(c, data); err != nil {
			h.metrics.RecordCollabBroadcastFailure()
			h.logger.Warn("collaboration delivery failed",
				zap.String("client_id", c.id),
				zap.String("user_id", c.userID),
				zap.Error(err),
			)
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		h.Disconnect(ctx, c.id)
	}
}

func (h *Hub) send(c *client, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Send(data)
}

func (h *Hub) updateGaugesLocked() {
	h.metrics.SetCollabGauges(len(h.clients), len(h.sessions))
}

func (c *client) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

// workflowOwner is the user a session over inst belongs to.
func workflowOwner(inst model.WorkflowInstance) string {
	if inst.CreatedBy != "" {
		return inst.CreatedBy
	}
	return inst.AssignedTo
}

// resolveRole returns the caller's role in session: an explicit
// collaborator role, else owner for the session owner.
func resolveRole(session model.SharedSession, userID string) (string, bool) {
	if role, ok := session.Collaborators[userID]; ok {
		if role == "" {
			role = model.RoleViewer
		}
		return role, true
	}
	if session.OwnerID != "" && session.OwnerID == userID {
		return model.RoleOwner, true
	}
	return "", false
}

func snapshotLocked(s *liveSession) []model.ParticipantSnapshot {
	out := make([]model.ParticipantSnapshot, 0, len(s.participants))
	for _, c := range s.participants {
		p := model.ParticipantSnapshot{
			UserID:       c.userID,
			Name:         c.name,
			Role:         c.role,
			LastActivity: c.lastSeen,
		}
		if c.cursor != nil {
			cursor := *c.cursor
			p.Cursor = &cursor
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func recipientsLocked(s *liveSession, exceptClientID string) []*client {
	out := make([]*client, 0, len(s.participants))
	for _, c := range s.participants {
		if c.id != exceptClientID {
			out = append(out, c)
		}
	}
	return out
}

func payloadDetails(payload json.RawMessage) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	var details map[string]any
	if err := json.Unmarshal(payload, &details); err != nil {
		return map[string]any{"raw": string(payload)}
	}
	return details
}
