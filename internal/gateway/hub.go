package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/crdtsync/yredis-go/internal/apiclient"
	"github.com/crdtsync/yredis-go/internal/auth"
	"github.com/crdtsync/yredis-go/internal/crdt"
	"github.com/crdtsync/yredis-go/internal/logging"
	"github.com/crdtsync/yredis-go/internal/metrics"
	"github.com/crdtsync/yredis-go/internal/protocol"
	"github.com/crdtsync/yredis-go/internal/ratelimit"
	"github.com/crdtsync/yredis-go/internal/subscription"
	"github.com/crdtsync/yredis-go/internal/types"
)

// Hub is the gateway's websocket session manager: one per process, shared
// by every connection it accepts.
type Hub struct {
	checker        auth.Checker
	limiter        *ratelimit.Limiter
	table          *subscription.Table
	api            *apiclient.Client
	allowedOrigins []string

	upgrader websocket.Upgrader
	tracer   trace.Tracer
}

// NewHub builds a Hub. allowedOrigins empty means accept any origin (and
// always accept a missing Origin header, for non-browser clients).
func NewHub(checker auth.Checker, limiter *ratelimit.Limiter, table *subscription.Table, api *apiclient.Client, allowedOrigins []string) *Hub {
	h := &Hub{
		checker:        checker,
		limiter:        limiter,
		table:          table,
		api:            api,
		allowedOrigins: allowedOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	h.tracer = otel.Tracer("github.com/crdtsync/yredis-go/internal/gateway")
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients don't send Origin
	}
	if len(h.allowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(allowed, u.Scheme+"://"+u.Host) {
			return true
		}
	}
	return false
}

// ServeWs handles the websocket upgrade route ws(s)://host:port/{room}.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.limiter.CheckIP(c) {
		return
	}

	roomParam := c.Param("room")
	if roomParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}
	room := types.RoomKey{Room: types.RoomIDType(roomParam), DocID: types.DefaultDocID}

	token := c.Query("token")
	if token == "" {
		token = bearerFromSubprotocol(c.GetHeader("Sec-WebSocket-Protocol"))
	}

	ctx := c.Request.Context()
	result, err := h.checker.AuthCheck(ctx, token, room.Room)
	if err != nil || result.Permission == types.PermissionDenied {
		logging.Info(ctx, fmt.Sprintf("auth check failed for room %s", room.Room))
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	if err := h.limiter.CheckUser(ctx, string(result.UserID)); err != nil {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections for this user"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(ctx, "websocket upgrade failed")
		return
	}

	client := &Client{
		conn:      conn,
		hub:       h,
		id:        types.ClientIDType(uuid.New().String()),
		room:      room,
		send:      make(chan []byte, sendBufferSize),
		closeOnce: newCloseGuard(),
	}

	metrics.IncConnection()

	if err := h.table.Subscribe(ctx, room, client); err != nil {
		logging.Error(ctx, fmt.Sprintf("failed to subscribe client to room %s", room.Room))
		_ = conn.Close()
		metrics.DecConnection()
		return
	}

	go client.writePump()
	go client.readPump(ctx)
}

// handleDisconnect unsubscribes client from its room. Called once by
// readPump's deferred cleanup, satisfying §4.6 step 5.
func (h *Hub) handleDisconnect(c *Client) {
	h.table.Unsubscribe(c.room, c.id)
}

// routeFrame dispatches one decoded frame per §4.6: sync-step-1 replies
// with the current merged doc; sync-step-2/update broadcasts and persists;
// awareness broadcasts locally without persisting; auth-reply is accepted
// but ignored post-connect (auth is resolved once, at upgrade time).
func (h *Hub) routeFrame(ctx context.Context, c *Client, f protocol.Frame) {
	switch f.Kind {
	case protocol.KindSyncStep1:
		h.handleSyncStep1(ctx, c, f.Payload)
	case protocol.KindSyncStep2:
		h.handleUpdate(ctx, c, f.Payload)
	case protocol.KindAwareness:
		h.table.BroadcastLocalExcluding(c.room, c.id, protocol.Encode(f))
	case protocol.KindAuthReply:
		// Accepted but unused post-connect; permission was resolved at upgrade.
	default:
		logging.Warn(ctx, fmt.Sprintf("ignoring frame with unknown kind %d", f.Kind))
	}
}

func (h *Hub) handleSyncStep1(ctx context.Context, c *Client, remoteVectorBytes []byte) {
	ctx, span := h.tracer.Start(ctx, "sync_step_1", trace.WithAttributes(attribute.String("room", string(c.room.Room))))
	defer span.End()

	remoteVector, err := crdt.DecodeStateVector(remoteVectorBytes)
	if err != nil {
		c.closeWithCode(1003, "malformed state vector")
		return
	}

	doc, err := h.api.GetDoc(ctx, c.room)
	if err != nil {
		logging.Error(ctx, "failed to load doc for sync-step-1 reply")
		return
	}

	missing := crdt.Diff(doc.Merged, remoteVector)
	payload := crdt.NewState()
	for _, u := range missing {
		payload.Apply(u)
	}
	c.Deliver(protocol.Encode(protocol.Frame{Kind: protocol.KindSyncStep2, Payload: payload.Encode()}))
}

func (h *Hub) handleUpdate(ctx context.Context, c *Client, updateBytes []byte) {
	ctx, span := h.tracer.Start(ctx, "publish_update", trace.WithAttributes(attribute.String("room", string(c.room.Room))))
	defer span.End()

	if err := h.table.PublishUpdate(ctx, c.room, c, updateBytes); err != nil {
		logging.Error(ctx, fmt.Sprintf("failed to publish update for room %s", c.room.Room))
	}
	metrics.WebsocketEvents.WithLabelValues("update", "ok").Inc()
}

func bearerFromSubprotocol(protoHeader string) string {
	for _, p := range strings.Split(protoHeader, ",") {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "bearer.") {
			return strings.TrimPrefix(p, "bearer.")
		}
	}
	return ""
}
