// Package wsproxy runs the per-connection bidirectional WebSocket
// pipeline: it multiplexes a client socket and an upstream relay
// socket, enforces the publish safelist on the client->upstream flow,
// evaluates the filter engine on the upstream->client flow, and keeps
// the fan-in queue that guarantees frames reach the client in strict
// enqueue order.
package wsproxy

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nostrgate/nostrgate/internal/filterengine"
)

// Store is the subset of the policy store the proxy pipeline itself
// consumes, independent of the narrower PolicyStore the filter engine
// uses for rule evaluation. A single *policystore.Store implementation
// satisfies both.
type Store interface {
	IPBanned(ip string) (bool, error)
	SafelistFlags(npub string) (flags int, found bool, err error)
	LogRejection(eventID, pubkeyHex, npub, ip string, kind int, reason string) error
	OpenConnection(ip string) (int64, error)
	IncrementAccepted(connectionID int64) error
	IncrementRejected(connectionID int64) error
	CloseConnection(connectionID int64) error
}

// Server accepts client WebSocket connections and proxies each one to
// a single upstream Nostr relay.
type Server struct {
	upstreamURL     string
	store           Store
	engineStore     filterengine.PolicyStore
	refreshInterval time.Duration
	upgrader        websocket.Upgrader
}

// New constructs a Server proxying to upstreamURL. engineStore is
// typically the same underlying store as store; it is accepted
// separately because the filter engine only needs the narrower
// PolicyStore surface.
func New(upstreamURL string, store Store, engineStore filterengine.PolicyStore, refreshInterval time.Duration) *Server {
	return &Server{
		upstreamURL:     upstreamURL,
		store:           store,
		engineStore:     engineStore,
		refreshInterval: refreshInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the incoming request to a WebSocket and runs the
// connection's pipeline to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("wsproxy: upgrade failed")
		return
	}
	ip := clientIP(r)
	s.run(clientConn, ip)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
