package wsproxy

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nostrgate/nostrgate/internal/filterengine"
	"github.com/nostrgate/nostrgate/internal/nostrmsg"
)

// run drives one client connection end to end: IP gate, connection
// log, upstream dial, then the two directional flows joined by
// first-completion semantics.
func (s *Server) run(clientConn *websocket.Conn, ip string) {
	defer clientConn.Close()

	if ip != "" {
		banned, err := s.store.IPBanned(ip)
		if err != nil {
			log.Error().Err(err).Str("ip", ip).Msg("wsproxy: ip ban lookup failed; treating as not banned")
		} else if banned {
			log.Debug().Str("ip", ip).Msg("wsproxy: rejecting banned ip")
			return
		}
	}

	connID, err := s.store.OpenConnection(ip)
	if err != nil {
		log.Error().Err(err).Msg("wsproxy: failed to open connection log")
		return
	}
	closeOnce := sync.Once{}
	closeConn := func() {
		closeOnce.Do(func() {
			if err := s.store.CloseConnection(connID); err != nil {
				log.Error().Err(err).Int64("connection_id", connID).Msg("wsproxy: failed to close connection log")
			}
		})
	}
	defer closeConn()

	upstreamConn, _, err := websocket.DefaultDialer.Dial(s.upstreamURL, nil)
	if err != nil {
		log.Error().Err(err).Str("upstream", s.upstreamURL).Msg("wsproxy: upstream dial failed")
		return
	}
	defer upstreamConn.Close()

	engine := filterengine.New(s.engineStore, s.refreshInterval)
	fi := newFanin()

	var done sync.Once
	finished := make(chan struct{})
	finish := func() { done.Do(func() { close(finished) }) }

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		s.runSender(clientConn, fi)
	}()

	go func() {
		defer wg.Done()
		defer finish()
		s.clientToUpstream(clientConn, upstreamConn, fi, connID, ip)
	}()

	go func() {
		defer wg.Done()
		defer finish()
		s.upstreamToClient(upstreamConn, fi, engine, connID, ip)
	}()

	<-finished
	// Either flow finishing ends the connection: tear down both sockets
	// so the other flow's blocked read unblocks, then drain the sender.
	clientConn.Close()
	upstreamConn.Close()
	fi.close()
	wg.Wait()
}

// runSender is the single writer to the client socket, draining the
// fan-in queue until it is closed.
func (s *Server) runSender(clientConn *websocket.Conn, fi *fanin) {
	for {
		frames, ok := fi.drain()
		if !ok {
			return
		}
		for _, f := range frames {
			if err := clientConn.WriteMessage(f.messageType, f.data); err != nil {
				return
			}
		}
	}
}

// clientToUpstream enforces the publish safelist on EVENT frames and
// forwards every other recognized or unrecognized frame verbatim.
func (s *Server) clientToUpstream(clientConn, upstreamConn *websocket.Conn, fi *fanin, connID int64, ip string) {
	clientConn.SetPingHandler(func(appData string) error {
		return upstreamConn.WriteMessage(websocket.PingMessage, []byte(appData))
	})
	clientConn.SetPongHandler(func(appData string) error {
		return upstreamConn.WriteMessage(websocket.PongMessage, []byte(appData))
	})
	clientConn.SetCloseHandler(func(code int, text string) error {
		_ = upstreamConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
		return nil
	})

	for {
		mt, data, err := clientConn.ReadMessage()
		if err != nil {
			return
		}

		switch mt {
		case websocket.TextMessage:
			if !s.forwardClientText(upstreamConn, fi, connID, ip, data) {
				return
			}
		case websocket.BinaryMessage:
			if err := upstreamConn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}
}

// forwardClientText applies the safelist gate to EVENT frames and
// forwards everything else unchanged. It returns false when the
// upstream write fails and the flow should terminate.
func (s *Server) forwardClientText(upstreamConn *websocket.Conn, fi *fanin, connID int64, ip string, data []byte) bool {
	msg, err := nostrmsg.DecodeClientMsg(data)
	if err != nil {
		// Structural failures and unrecognized commands are forwarded
		// verbatim, never dropped.
		log.Debug().Err(err).Msg("wsproxy: client frame did not decode; forwarding unchanged")
		return upstreamConn.WriteMessage(websocket.TextMessage, data) == nil
	}

	switch msg.Kind {
	case nostrmsg.ClientMsgReq:
		log.Debug().Str("sub_id", msg.SubID).Int("filters", len(msg.Filters)).Msg("wsproxy: client REQ")
		return upstreamConn.WriteMessage(websocket.TextMessage, data) == nil
	case nostrmsg.ClientMsgClose:
		log.Debug().Str("sub_id", msg.SubID).Msg("wsproxy: client CLOSE")
		return upstreamConn.WriteMessage(websocket.TextMessage, data) == nil
	}

	npub, _ := msg.Event.Npub()
	if !s.postAllowed(npub) {
		logNpub := npub
		if logNpub == "" {
			logNpub = "unknown"
		}
		if err := s.store.LogRejection(msg.Event.ID, msg.Event.PubKey, logNpub, ip, msg.Event.Kind, filterengine.ReasonNotInSafelist); err != nil {
			log.Error().Err(err).Msg("wsproxy: failed to record not_in_safelist rejection")
		}
		if err := s.store.IncrementRejected(connID); err != nil {
			log.Error().Err(err).Int64("connection_id", connID).Msg("wsproxy: failed to increment rejected count")
		}
		fi.push(websocket.TextMessage, nostrmsg.EncodeNotice("blocked: not in safelist"))
		return true
	}

	return upstreamConn.WriteMessage(websocket.TextMessage, data) == nil
}

// postAllowed reports whether npub's safelist entry carries the
// POST_ALLOWED bit. An empty npub (undecodable pubkey) and any lookup
// error both fail closed: publishing is blocked.
func (s *Server) postAllowed(npub string) bool {
	if npub == "" {
		return false
	}
	flags, found, err := s.store.SafelistFlags(npub)
	if err != nil {
		log.Error().Err(err).Str("npub", npub).Msg("wsproxy: safelist lookup failed; blocking publish")
		return false
	}
	return found && flags&filterengine.FlagPostAllowed == filterengine.FlagPostAllowed
}

// upstreamToClient evaluates every text frame through the filter
// engine, dropping rejected EVENT frames and enqueueing everything
// else onto the fan-in queue for delivery to the client.
func (s *Server) upstreamToClient(upstreamConn *websocket.Conn, fi *fanin, engine *filterengine.Engine, connID int64, ip string) {
	upstreamConn.SetPingHandler(func(appData string) error {
		fi.push(websocket.PingMessage, []byte(appData))
		return nil
	})
	upstreamConn.SetPongHandler(func(appData string) error {
		fi.push(websocket.PongMessage, []byte(appData))
		return nil
	})
	upstreamConn.SetCloseHandler(func(code int, text string) error {
		fi.push(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
		return nil
	})

	for {
		mt, data, err := upstreamConn.ReadMessage()
		if err != nil {
			return
		}

		switch mt {
		case websocket.TextMessage:
			drop, err := engine.Evaluate(data, ip)
			if err != nil {
				log.Warn().Err(err).Msg("wsproxy: filter check failed; forwarding unchanged")
			}
			if drop {
				continue
			}
			fi.push(websocket.TextMessage, data)
			s.observeRelayFrame(data, connID)
		case websocket.BinaryMessage:
			fi.push(mt, data)
		}
	}
}

// observeRelayFrame updates the connection's accepted/rejected event
// counters when the frame is an OK response from the upstream relay,
// and logs upstream NOTICEs for observability.
func (s *Server) observeRelayFrame(data []byte, connID int64) {
	msg, err := nostrmsg.DecodeRelayMsg(data)
	if err != nil {
		return
	}
	if msg.Kind == nostrmsg.RelayMsgNotice {
		log.Debug().Str("notice", msg.Message).Msg("wsproxy: upstream NOTICE")
		return
	}
	if msg.Kind != nostrmsg.RelayMsgOK {
		return
	}
	if msg.OK {
		if err := s.store.IncrementAccepted(connID); err != nil {
			log.Error().Err(err).Int64("connection_id", connID).Msg("wsproxy: failed to increment accepted count")
		}
		return
	}
	if err := s.store.IncrementRejected(connID); err != nil {
		log.Error().Err(err).Int64("connection_id", connID).Msg("wsproxy: failed to increment rejected count")
	}
}
