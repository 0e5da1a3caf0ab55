package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"umd.ai/internal/protocol"
	"umd.ai/internal/sim/control"
	"umd.ai/internal/sim/env"
)

type Server struct {
	hub    *control.Hub
	runID  string
	params protocol.RunParams
	log    *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(hub *control.Hub, runID string, params protocol.RunParams, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		hub:    hub,
		runID:  runID,
		params: params,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		client := s.handshake(conn)
		if client == nil {
			return
		}
		defer s.hub.Leave(client)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-client.Out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := protocol.ValidateAct(msg); err != nil {
				enqueueError(client, protocol.ErrProtoBadRequest, err.Error())
				continue
			}
			var act protocol.ActMsg
			if err := json.Unmarshal(msg, &act); err != nil {
				enqueueError(client, protocol.ErrProtoBadRequest, err.Error())
				continue
			}
			if act.ProtocolVersion != protocol.Version {
				enqueueError(client, protocol.ErrProtoVersion, "protocol_version "+act.ProtocolVersion)
				continue
			}
			err = s.hub.Submit(client, act.Tick, env.Input{Move: act.Move, Turn: act.Turn})
			switch {
			case err == nil:
			case errors.Is(err, control.ErrStaleTick):
				enqueueError(client, protocol.ErrStale, err.Error())
			case errors.Is(err, control.ErrFutureTick):
				enqueueError(client, protocol.ErrBadRequest, err.Error())
			case errors.Is(err, control.ErrRateLimit):
				enqueueError(client, protocol.ErrRateLimit, err.Error())
			case errors.Is(err, control.ErrNotSeated):
				return
			default:
				enqueueError(client, protocol.ErrInternal, err.Error())
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *control.Client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	if err := protocol.ValidateHello(msg); err != nil {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoBadRequest, err.Error()))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = writeJSON(conn, protocol.NewError(protocol.ErrProtoVersion, "server speaks "+protocol.Version))
		return nil
	}

	client, err := s.hub.Join(hello.AgentName, hello.Seat)
	if err != nil {
		s.log.Printf("join refused name=%s: %v", hello.AgentName, err)
		_ = writeJSON(conn, protocol.NewError(protocol.ErrNoSeat, err.Error()))
		return nil
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		RunID:           s.runID,
		AgentID:         client.Seat,
		Params:          s.params,
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.hub.Leave(client)
		return nil
	}
	return client
}

func enqueueError(c *control.Client, code, message string) {
	b, err := json.Marshal(protocol.NewError(code, message))
	if err != nil {
		return
	}
	select {
	case c.Out <- b:
	default:
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
