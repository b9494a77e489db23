package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cheikhfiteni/context-ta-backend/internal/auth"
	"github.com/cheikhfiteni/context-ta-backend/internal/models"
	"github.com/cheikhfiteni/context-ta-backend/internal/relay"
)

const (
	chatReadLimit  = 1 << 20
	chatQueueSize  = 16
	chatWriteWait  = 10 * time.Second
	chatCloseGrace = time.Second
)

// inbound is one decoded client frame, or the reason it could not be decoded.
type inbound struct {
	req models.ChatRequest
	err error
}

// handleChat upgrades the connection and relays each client request in arrival order.
// The reader goroutine only decodes; this goroutine is the only writer.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	subject, _ := auth.SubjectFromContext(r.Context())
	logger := s.logger.With(zap.String("subject", subject), zap.String("remote", r.RemoteAddr))
	logger.Debug("chat connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbox := make(chan inbound, chatQueueSize)
	go s.readChat(ctx, cancel, conn, inbox)

	session := relay.NewSession(s.completer,
		relay.WithTimeout(s.completionTimeout),
		relay.WithLogger(logger))
	sink := relay.SinkFunc(func(f models.Frame) error {
		if err := conn.SetWriteDeadline(time.Now().Add(chatWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(f)
	})

	for {
		select {
		case <-ctx.Done():
			s.closeChat(conn)
			logger.Debug("chat connection closed")
			return
		case msg, ok := <-inbox:
			if !ok {
				logger.Debug("chat connection closed by client")
				return
			}
			if msg.err != nil {
				if err := sink.Send(models.ErrorFrame(msg.err)); err != nil {
					return
				}
				continue
			}
			if err := session.Handle(ctx, msg.req, sink); err != nil {
				if ctx.Err() == nil {
					logger.Warn("chat write failed", zap.Error(err))
				}
				return
			}
		}
	}
}

// readChat decodes client frames into inbox until the connection fails, then cancels ctx.
func (s *Server) readChat(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, inbox chan<- inbound) {
	defer close(inbox)
	defer cancel()
	conn.SetReadLimit(chatReadLimit)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg.req); err != nil {
			msg.err = fmt.Errorf("%w: malformed request: %v", models.ErrValidation, err)
		}
		select {
		case inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) closeChat(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(chatCloseGrace))
}
