// Package websocket streams auction events to browsers over gorilla/websocket.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/floroz/gavel-live/internal/domain/auctions"
	"github.com/floroz/gavel-live/internal/notify"
	"github.com/floroz/gavel-live/pkg/auth"
)

// Auctions is the part of the auction service the websocket layer needs
type Auctions interface {
	GetAuction(ctx context.Context, auctionID uuid.UUID) (*auctions.Auction, error)
	PublishLiveUpdate(ctx context.Context, auctionID uuid.UUID)
}

// Handler upgrades authenticated requests and attaches each connection to the hub
type Handler struct {
	hub      *notify.Hub
	auctions Auctions
	upgrader websocket.Upgrader
	buffer   int
	logger   *slog.Logger
}

// NewHandler creates a new websocket handler. buffer is the per-connection
// subscriber buffer.
func NewHandler(hub *notify.Hub, svc Auctions, buffer int, logger *slog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		auctions: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Tokens are checked before the upgrade, so any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		buffer: buffer,
		logger: logger,
	}
}

// Routes configures the websocket and stats routes
func (h *Handler) Routes(signer *auth.Signer) *mux.Router {
	router := mux.NewRouter()

	// Stats endpoint
	router.HandleFunc("/stats/auctions/{id}", h.GetStats).Methods(http.MethodGet)

	ws := router.PathPrefix("/ws").Subrouter()
	ws.Use(auth.Middleware(signer))
	ws.HandleFunc("/auctions/{id}", h.ServeAuction)

	return router
}

// ServeAuction upgrades the connection and joins it to the auction in the path
func (h *Handler) ServeAuction(w http.ResponseWriter, r *http.Request) {
	auctionID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid auction id", http.StatusBadRequest)
		return
	}

	if _, err := h.auctions.GetAuction(r.Context(), auctionID); err != nil {
		if errors.Is(err, auctions.ErrAuctionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to load auction for websocket", "auction_id", auctionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "error", err)
		return
	}

	userID, _ := auth.GetUserID(r.Context())
	c := newClient(conn, notify.NewSubscriber(uuid.NewString(), h.buffer), userID)

	if err := c.writeNow(reply{Type: replyConnected, AuctionID: auctionID.String(), ClientID: c.sub.ID()}); err != nil {
		_ = conn.Close()
		return
	}

	h.logger.Info("Websocket connected", "client_id", c.sub.ID(), "user_id", userID, "auction_id", auctionID)
	h.join(context.WithoutCancel(r.Context()), c, auctionID)

	go c.writePump()
	c.readPump(func(cmd command) { h.handleCommand(context.WithoutCancel(r.Context()), c, cmd) })

	h.disconnect(context.WithoutCancel(r.Context()), c)
}

func (h *Handler) join(ctx context.Context, c *client, auctionID uuid.UUID) {
	if h.hub.Join(auctionID, c.sub) {
		h.auctions.PublishLiveUpdate(ctx, auctionID)
	}
}

func (h *Handler) handleCommand(ctx context.Context, c *client, cmd command) {
	auctionID, err := uuid.Parse(cmd.AuctionID)
	if err != nil {
		c.reply(reply{Type: replyError, Error: "invalid auctionId"})
		return
	}

	switch cmd.Action {
	case actionJoin:
		if _, err := h.auctions.GetAuction(ctx, auctionID); err != nil {
			c.reply(reply{Type: replyError, AuctionID: cmd.AuctionID, Error: err.Error()})
			return
		}
		h.join(ctx, c, auctionID)
		c.reply(reply{Type: replyJoined, AuctionID: cmd.AuctionID})
	case actionLeave:
		if h.hub.Leave(auctionID, c.sub) {
			h.auctions.PublishLiveUpdate(ctx, auctionID)
		}
		c.reply(reply{Type: replyLeft, AuctionID: cmd.AuctionID})
	default:
		c.reply(reply{Type: replyError, Error: fmt.Sprintf("unknown action %q", cmd.Action)})
	}
}

func (h *Handler) disconnect(ctx context.Context, c *client) {
	joined := c.sub.Auctions()
	h.hub.LeaveAll(c.sub)
	c.sub.Close()
	c.stop()

	for _, auctionID := range joined {
		h.auctions.PublishLiveUpdate(ctx, auctionID)
	}
	h.logger.Info("Websocket disconnected", "client_id", c.sub.ID(), "user_id", c.userID)
}

// GetStats returns the number of local observers of an auction
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	auctionID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "invalid auction id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"auctionId":%q,"subscribers":%d}`, auctionID.String(), h.hub.SubscriberCount(auctionID))
}
