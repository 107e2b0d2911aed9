// Package wsconn implements the per-client connection state machine (spec
// §4.E): authenticate, admit, join a room, relay, and close. It is the
// direct consumer of pkg/room, pkg/authz, and pkg/ratelimit, and the one
// package that imports github.com/gorilla/websocket — the teacher's own
// pkg/search/websocket.go is the grounding precedent for the
// upgrade/read-pump/write-pump shape, generalized from one shared search
// hub to one room per page.
package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwell/collabd/internal/reqlog"
	"github.com/inkwell/collabd/pkg/authz"
	"github.com/inkwell/collabd/pkg/model"
	"github.com/inkwell/collabd/pkg/ratelimit"
	"github.com/inkwell/collabd/pkg/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = model.MaxContentBytes + (1 << 20) // update frames plus JSON control overhead
	sendBuffer     = 64
)

// Close codes (spec §6).
const (
	CloseNormal           = 1000
	CloseNotAuthenticated = 4001
	CloseAccessDenied     = 4003
	CloseRateLimited      = 4029
)

// PageLookup is the slice of pkg/store a connection needs to resolve the
// page and project behind a room id.
type PageLookup interface {
	PageByExternalID(ctx context.Context, externalID string) (model.Page, error)
	Project(ctx context.Context, id int64) (model.Project, error)
}

// Authenticator resolves the caller's user id from the upgrade request.
// ok is false for an anonymous/unauthenticated request; the connection
// state machine treats that as spec §4.E's "not authenticated" rejection,
// not an error.
type Authenticator interface {
	Authenticate(r *http.Request) (userID int64, ok bool)
}

// Deps bundles every collaborator the state machine consumes (spec §1:
// "the core consumes them only through the interfaces named").
type Deps struct {
	Registry       *room.Registry
	Lookups        authz.Lookups
	Pages          PageLookup
	RateLimit      ratelimit.Store
	ConnLimit      int
	ConnWindow     time.Duration
	Upgrader       websocket.Upgrader
}

var defaultUpgrader websocket.Upgrader

func init() {
	defaultUpgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// errorFrame is the text-JSON frame emitted immediately before a
// rejecting close (spec §6).
type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Control frames broadcast into a room (spec §6, plus the presence
// supplement from SPEC_FULL.md §3).
type linksUpdatedFrame struct {
	Type   string `json:"type"`
	PageID string `json:"page_id"`
}

type accessRevokedFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

type writePermissionRevokedFrame struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id"`
}

// PresenceFrame is the cursor/presence control message the original
// source relays alongside CRDT updates (SPEC_FULL.md §3): never
// persisted, just rebroadcast to the room's other connections.
type PresenceFrame struct {
	Type   string          `json:"type"`
	UserID int64           `json:"user_id"`
	Cursor json.RawMessage `json:"cursor"`
}

// EncodeLinksUpdated builds the frame pkg/derive's Notifier broadcasts.
func EncodeLinksUpdated(pageExternalID string) []byte {
	b, _ := json.Marshal(linksUpdatedFrame{Type: "links_updated", PageID: pageExternalID})
	return b
}

// EncodeAccessRevoked builds the frame the orchestrator broadcasts when an
// admission recheck should run again for userID (spec §4.E).
func EncodeAccessRevoked(userID int64) []byte {
	b, _ := json.Marshal(accessRevokedFrame{Type: "access_revoked", UserID: userID})
	return b
}

// EncodeWritePermissionRevoked builds the frame that flips a connection's
// read-only flag without a full admission recheck (spec §4.E).
func EncodeWritePermissionRevoked(userID int64) []byte {
	b, _ := json.Marshal(writePermissionRevokedFrame{Type: "write_permission_revoked", UserID: userID})
	return b
}

// Connection is one client's bidirectional session, implementing
// room.Subscriber. All exported state is read-only after newConnection;
// readOnly is the single field the room and control-frame handlers
// mutate concurrently, so it is an atomic.Bool rather than guarded by a
// shared mutex.
type Connection struct {
	ws             *websocket.Conn
	userID         int64
	pageExternalID string
	readOnly       atomic.Bool
	send           chan []byte
	notify         chan []byte
	forceClose     chan closeSignal
	closed         chan struct{}
	logger         reqlog.Logger
	reg            *room.Registry
	rm             *room.Room

	// lookups, page, and proj are the admission inputs captured at Serve
	// time so Notify's access_revoked handler (spec §4.E) can re-run
	// authz.CanAccessPage without plumbing Deps through room.Subscriber.
	lookups authz.Lookups
	page    model.Page
	proj    model.Project
}

// closeSignal is delivered over forceClose when an async recheck (spec
// §4.E's access_revoked handling) decides a live connection must be
// closed. writePump is the only goroutine that ever writes to c.ws, so
// the actual close-with-code write happens there rather than racing
// the recheck goroutine against writePump's own writes.
type closeSignal struct {
	code    int
	errCode string
	message string
}

// Send implements room.Subscriber: deliver a raw binary CRDT update.
func (c *Connection) Send(update []byte) {
	select {
	case c.send <- update:
	case <-c.closed:
	}
}

// Notify implements room.Subscriber: deliver a control-message frame, and
// locally apply the two frames that mutate this connection's own state
// rather than merely informing the client (spec §4.E).
func (c *Connection) Notify(frame []byte) {
	var probe struct {
		Type   string `json:"type"`
		UserID int64  `json:"user_id"`
	}
	if json.Unmarshal(frame, &probe) == nil {
		switch probe.Type {
		case "write_permission_revoked":
			if probe.UserID == c.userID {
				c.readOnly.Store(true)
			}
		case "access_revoked":
			if probe.UserID == c.userID {
				go c.recheckAccess()
			}
		}
	}
	select {
	case c.notify <- frame:
	case <-c.closed:
	}
}

// ReadOnly reports whether this connection is currently admitted as a
// viewer (spec §4.E): inbound CRDT updates from it are dropped.
func (c *Connection) ReadOnly() bool { return c.readOnly.Load() }

// recheckAccess re-runs the admission predicate for this connection's
// user against the page/project it joined (spec §4.E: "access_revoked
// reruns the admission check; if it now fails, the server-initiated
// close sequence fires"). It runs off the room's broadcast goroutine
// (Notify must not block delivery to other subscribers on a DB round
// trip), and hands off to writePump via forceClose rather than writing
// to c.ws directly.
func (c *Connection) recheckAccess() {
	principal := authz.Principal{UserID: c.userID}
	canAccess, err := authz.CanAccessPage(context.Background(), c.lookups, principal, c.page, c.proj)
	if err != nil {
		c.logger.Printf("wsconn: access recheck failed for user %d page %s: %v", c.userID, c.pageExternalID, err)
	}
	if canAccess {
		return
	}
	select {
	case c.forceClose <- closeSignal{code: CloseAccessDenied, errCode: "access_denied", message: "access revoked"}:
	case <-c.closed:
	}
}

// Serve implements the full state machine for one upgrade request (spec
// §4.E): connecting -> authenticating -> admitting -> loading ->
// relaying -> closing -> closed. pageExternalID is extracted by the
// caller's router from the /ws/pages/{page_external_id}/ path.
func Serve(w http.ResponseWriter, r *http.Request, pageExternalID string, deps *Deps, auth Authenticator) {
	ctx := r.Context()
	logger := reqlog.New(ctx)

	// authenticating
	userID, authed := auth.Authenticate(r)
	if !authed {
		rejectAnonymous(w, r, deps, CloseNotAuthenticated, "not_authenticated", "authentication required")
		return
	}

	// admitting: rate limit keyed on user id (spec §4.C, §4.E), then the
	// authorization predicate against the target page/project.
	rlKey := ratelimit.WSUserKey(userID)
	res, err := deps.RateLimit.CheckAndIncrement(ctx, rlKey, deps.ConnLimit, deps.ConnWindow)
	if err != nil {
		logger.Printf("wsconn: rate limit check failed for user %d: %v", userID, err)
	}
	if !res.Allowed {
		rejectAuthenticated(w, r, deps, userID, CloseRateLimited, "rate_limited", "too many connection attempts")
		return
	}

	page, err := deps.Pages.PageByExternalID(ctx, pageExternalID)
	if err != nil {
		// A nonexistent page is access-denied, not a distinct taxonomy
		// code (spec §4.E's table has no "not found" close reason).
		rejectAuthenticated(w, r, deps, userID, CloseAccessDenied, "access_denied", "page not found or inaccessible")
		return
	}
	proj, err := deps.Pages.Project(ctx, page.ProjectID)
	if err != nil {
		rejectAuthenticated(w, r, deps, userID, CloseAccessDenied, "access_denied", "page not found or inaccessible")
		return
	}
	principal := authz.Principal{UserID: userID}
	canAccess, err := authz.CanAccessPage(ctx, deps.Lookups, principal, page, proj)
	if err != nil {
		logger.Printf("wsconn: authz check failed for user %d page %s: %v", userID, pageExternalID, err)
	}
	if !canAccess {
		rejectAuthenticated(w, r, deps, userID, CloseAccessDenied, "access_denied", "access denied")
		return
	}

	// Viewer-role editors are admitted, but read-only (spec §4.E).
	readOnly := false
	isOrgMember, _ := deps.Lookups.IsOrgMember(ctx, proj.OrgID, userID)
	if !isOrgMember {
		role, isEditor, err := deps.Lookups.ProjectEditorRole(ctx, proj.ID, userID)
		if err == nil && isEditor && role == model.RoleViewer {
			readOnly = true
		}
	}

	// connecting: upgrade only after every rejection path above has had a
	// chance to run, so a rejected client still gets "accept then close
	// with code" rather than a bare HTTP error for auth/admission
	// failures it cares about at the protocol level. Every rejection
	// above, page-not-found included, goes through that same path.
	ws, err := deps.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logger.Printf("wsconn: upgrade failed: %v", err)
		return
	}

	c := &Connection{
		ws:             ws,
		userID:         userID,
		pageExternalID: pageExternalID,
		send:           make(chan []byte, sendBuffer),
		notify:         make(chan []byte, sendBuffer),
		forceClose:     make(chan closeSignal, 1),
		closed:         make(chan struct{}),
		logger:         logger,
		reg:            deps.Registry,
		lookups:        deps.Lookups,
		page:           page,
		proj:           proj,
	}
	c.readOnly.Store(readOnly)

	// loading
	initialSync, err := deps.Registry.Join(ctx, pageExternalID, c)
	if err != nil {
		logger.Printf("wsconn: join failed for page %s: %v", pageExternalID, err)
		closeWithCode(ws, CloseAccessDenied, "access_denied", "could not load page")
		return
	}
	rm, _ := deps.Registry.Room(pageExternalID)
	c.rm = rm

	go c.writePump()
	c.send <- initialSync // server->client binary: initial CRDT sync payload (spec §6)

	// relaying, until the read pump returns (client closed, network
	// error, or the room-initiated close below).
	c.readPump()

	// closing
	deps.Registry.Leave(pageExternalID, c)
	close(c.closed)
}

func (deps *Deps) upgrader() *websocket.Upgrader {
	if deps.Upgrader.CheckOrigin != nil || deps.Upgrader.ReadBufferSize != 0 {
		return &deps.Upgrader
	}
	return &defaultUpgrader
}

// readPump pumps inbound frames from the client into the room (spec
// §4.D's "per inbound client message" protocol).
func (c *Connection) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if c.readOnly.Load() {
				continue // silently dropped, not appended (spec §4.E)
			}
			if c.rm != nil {
				c.rm.Apply(c, msg)
			}
		case websocket.TextMessage:
			c.handleControlMessage(msg)
		}
	}
}

// handleControlMessage relays the presence supplement (SPEC_FULL.md §3):
// any other client->server text frame is ignored rather than erroring,
// since the wire vocabulary only defines server->client control frames
// plus this one client->server exception.
func (c *Connection) handleControlMessage(msg []byte) {
	var pf PresenceFrame
	if err := json.Unmarshal(msg, &pf); err != nil || pf.Type != "presence" {
		return
	}
	pf.UserID = c.userID
	out, err := json.Marshal(pf)
	if err != nil {
		return
	}
	if c.rm != nil {
		c.rm.Broadcast(out)
	}
}

// writePump pumps outbound binary updates and control frames to the
// client, and keeps the connection alive with periodic pings, mirroring
// the teacher's pkg/search wsConn.writePump.
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.BinaryMessage, msg); err != nil {
				return
			}
		case frame, ok := <-c.notify:
			if !ok {
				return
			}
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case sig := <-c.forceClose:
			closeWithCode(c.ws, sig.code, sig.errCode, sig.message)
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// rejectAnonymous implements the "accept then close with code" pattern
// (spec §4.E) for rejections that precede authentication, so even an
// unauthenticated caller's client library observes the JSON error frame
// and the defined close code rather than a bare HTTP error.
func rejectAnonymous(w http.ResponseWriter, r *http.Request, deps *Deps, code int, errCode, message string) {
	ws, err := deps.upgrader().Upgrade(w, r, nil)
	if err != nil {
		return
	}
	closeWithCode(ws, code, errCode, message)
}

func rejectAuthenticated(w http.ResponseWriter, r *http.Request, deps *Deps, userID int64, code int, errCode, message string) {
	rejectAnonymous(w, r, deps, code, errCode, message)
}

// closeWithCode emits the JSON error frame, then closes with the given
// websocket close code (spec §6).
func closeWithCode(ws *websocket.Conn, code int, errCode, message string) {
	defer ws.Close()
	frame, _ := json.Marshal(errorFrame{Type: "error", Code: errCode, Message: message})
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.TextMessage, frame)
	closeMsg := websocket.FormatCloseMessage(code, "")
	ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
}
