package demo

import (
	"time"

	"github.com/wskit-go/wskit/logger"
	"github.com/wskit-go/wskit/pubsub"
	"github.com/wskit-go/wskit/transport/gorillaws"
	"github.com/wskit-go/wskit/wsrouter"
)

// registerHandlers wires the toy ping/echo/subscribe protocol and the
// lifecycle hooks that track live connections for room fanout.
func (s *Server) registerHandlers() {
	s.router.OnOpen(s.trackConn)
	s.router.OnClose(s.untrackConn)

	s.router.RPC(s.schemas.Ping, s.handlePing)
	s.router.RPC(s.schemas.Echo, s.handleEcho)
	s.router.On(s.schemas.Subscribe, s.handleSubscribe)
}

func (s *Server) trackConn(ctx *wsrouter.Context) {
	conn, ok := ctx.Conn().(*gorillaws.Conn)
	if !ok {
		return
	}
	s.connsMu.Lock()
	s.conns[ctx.ClientID()] = conn
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(ctx *wsrouter.Context) {
	s.connsMu.Lock()
	delete(s.conns, ctx.ClientID())
	s.connsMu.Unlock()
}

func (s *Server) handlePing(ctx *wsrouter.Context) error {
	return ctx.Reply(s.schemas.Pong, map[string]any{"timestamp": time.Now().UnixMilli()})
}

func (s *Server) handleEcho(ctx *wsrouter.Context) error {
	text, _ := ctx.Payload()["text"].(string)
	return ctx.Reply(s.schemas.EchoReply, map[string]any{"text": text})
}

// handleSubscribe adds the connection's topic filter for room and, the
// first time any connection asks for that room, arms a bus bridge that
// forwards every envelope published on it out to every connection
// currently subscribed — the same role the teacher's
// Server.subscribeToEvents/broadcastEvents pair plays bridging its event
// bus to WSHub, generalized from one fixed hub to a bridge per room.
func (s *Server) handleSubscribe(ctx *wsrouter.Context) error {
	room, _ := ctx.Payload()["room"].(string)
	if room == "" {
		return nil
	}
	if err := ctx.Subscribe(room); err != nil {
		return err
	}
	s.armRoomBridge(room)
	return nil
}

// Broadcast publishes a RoomEvent to every connection subscribed to room
// through the Pub/Sub Gateway, arming the bridge first so the publish is
// never lost to a room nobody has bridged yet.
func (s *Server) Broadcast(room, text string) pubsub.Result {
	s.armRoomBridge(room)
	return s.router.Publish(room, s.schemas.RoomEvent, map[string]any{"room": room, "text": text}, pubsub.Options{})
}

func (s *Server) armRoomBridge(room string) {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	if _, ok := s.rooms[room]; ok {
		return
	}

	raw := s.bus.Sub(room)
	s.rooms[room] = func() { s.bus.Unsub(raw, room) }

	go func() {
		for {
			select {
			case envelope, ok := <-raw:
				if !ok {
					return
				}
				s.fanOutRoomEvent(room, envelope)
			case <-s.cancelCtx.Done():
				return
			}
		}
	}()
}

// fanOutRoomEvent forwards an already-built envelope — produced by
// pubsub.Gateway.Publish, so it is valid TypeRoomEvent JSON already — to
// every tracked connection whose topic filter wants room.
func (s *Server) fanOutRoomEvent(room string, envelope []byte) {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	for _, conn := range s.conns {
		if !conn.WantsTopic(room) {
			continue
		}
		if err := conn.Send(envelope); err != nil {
			logger.Debug("demo: dropping room event for %s: %v", conn.ClientID(), err)
		}
	}
}
