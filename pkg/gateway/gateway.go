// Package gateway accepts websocket sessions, turns client frames into
// dispatcher events and delivers outbound frames to the right socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mahaj/roomcast/pkg/apperr"
	"github.com/mahaj/roomcast/pkg/auth"
	"github.com/mahaj/roomcast/pkg/metrics"
	"github.com/mahaj/roomcast/pkg/model"
)

// Dispatcher consumes the events of every session.
type Dispatcher interface {
	Dispatch(ctx context.Context, connID string, ev model.Inbound) error
}

type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	// AuthRequired rejects upgrades without a valid token. Otherwise a token
	// is optional and only names the user.
	AuthRequired bool
}

type Gateway struct {
	mu      sync.RWMutex
	clients map[string]*Client
	pumps   sync.WaitGroup

	dispatcher Dispatcher
	issuer     *auth.Issuer
	upgrader   websocket.Upgrader
	opts       Options
	metrics    *metrics.Recorder
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a gateway. issuer may be nil when tokens are not in use. The
// dispatcher is attached afterwards because it sends through the gateway.
func New(issuer *auth.Issuer, opts Options, rec *metrics.Recorder, log *slog.Logger) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		clients: make(map[string]*Client),
		issuer:  issuer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		opts:    opts,
		metrics: rec,
		log:     log.With("component", "gateway"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (g *Gateway) Attach(d Dispatcher) {
	g.dispatcher = d
}

// Handler routes /ws to the websocket endpoint and /health to a liveness
// probe.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.ServeWS)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "connections": g.Count()})
	})
	return mux
}

// Send queues an outbound frame for connID. Unknown connections report
// ErrDisconnected; a connection whose buffer is full is dropped.
func (g *Gateway) Send(connID string, out model.Outbound) error {
	g.mu.RLock()
	client, ok := g.clients[connID]
	g.mu.RUnlock()
	if !ok {
		return apperr.ErrDisconnected
	}

	frame, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := client.enqueue(frame); err != nil {
		if errors.Is(err, apperr.ErrTransportFailure) {
			g.log.Warn("Dropping slow client", "conn", connID)
		}
		return err
	}
	return nil
}

func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// ServeWS handles websocket requests from the peer.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	var user string
	if g.issuer != nil {
		claims, err := g.issuer.FromRequest(r)
		switch {
		case err == nil:
			user = claims.UserID
		case g.opts.AuthRequired || !errors.Is(err, auth.ErrNoToken):
			g.log.Info("Unauthorized websocket upgrade", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		gw:   g,
		conn: conn,
		send: make(chan []byte, g.opts.SendBuffer),
		ID:   uuid.NewString(),
		User: user,
	}
	g.mu.Lock()
	g.clients[client.ID] = client
	g.mu.Unlock()
	g.metrics.ConnectionOpened(g.ctx)

	if err := g.dispatcher.Dispatch(g.ctx, client.ID, model.Inbound{Type: model.EventConnect, Sender: user}); err != nil {
		g.log.Error("Failed to register connection", "conn", client.ID, "error", err)
		g.remove(client)
		conn.Close()
		return
	}
	g.log.Info("Client connected", "conn", client.ID, "user", user)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	g.pumps.Add(1)
	go client.writePump()
	go client.readPump()
}

// disconnect raises the disconnect event for a session whose read side ended,
// then forgets the session. The dispatcher bounds the cleanup of each room.
func (g *Gateway) disconnect(c *Client) {
	ctx := context.WithoutCancel(g.ctx)
	if err := g.dispatcher.Dispatch(ctx, c.ID, model.Inbound{Type: model.EventDisconnect}); err != nil {
		g.log.Warn("Disconnect cleanup incomplete", "conn", c.ID, "error", err)
	}
	g.remove(c)
	g.log.Info("Client disconnected", "conn", c.ID)
}

func (g *Gateway) remove(c *Client) {
	g.mu.Lock()
	_, ok := g.clients[c.ID]
	delete(g.clients, c.ID)
	g.mu.Unlock()
	c.shutdown()
	if ok {
		g.metrics.ConnectionClosed(g.ctx)
	}
}

// Close closes every session and waits for their read pumps to raise the
// disconnect events.
func (g *Gateway) Close() {
	g.mu.RLock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.conn.Close()
	}
	g.pumps.Wait()
	g.cancel()
}
