package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/shared"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ChannelWS is the channel name for messages arriving over /ws.
const ChannelWS = "ws"

const wsWriteTimeout = 10 * time.Second

// wsFrame is every server-to-client frame.
type wsFrame struct {
	Type      string            `json:"type"` // "hello", "message", "error"
	ChatID    string            `json:"chat_id,omitempty"`
	Content   string            `json:"content,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	id     string
	chatID string // when set, only this chat's outbound messages are pushed
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{
		conn:   conn,
		id:     shared.NewShortID(),
		chatID: r.URL.Query().Get("chat_id"),
	}
	s.addClient(c)
	s.logger.Info("ws: client connected", "client", c.id, "chat_id", c.chatID)

	ctx, cancel := context.WithCancel(r.Context())
	sub := s.cfg.Bus.Subscribe(bus.OutboundTopic(ChannelWS))
	defer func() {
		cancel()
		s.cfg.Bus.Unsubscribe(sub)
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting", "client", c.id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()
	go s.forwardOutbound(ctx, c, sub)

	_ = c.write(ctx, wsFrame{Type: "hello", ChatID: c.defaultChat()})

	limitKey := clientKey(r)
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Warn("ws: read error, closing", "client", c.id, "error", err)
			}
			return
		}
		if !s.limiter.Allow(limitKey) {
			_ = c.write(ctx, wsFrame{Type: "error", Error: "rate limit exceeded"})
			continue
		}
		msg, err := s.validator.Decode(raw)
		if err != nil {
			_ = c.write(ctx, wsFrame{Type: "error", Error: err.Error()})
			continue
		}
		chatID := msg.ChatID
		if chatID == "" {
			chatID = c.defaultChat()
		}
		s.cfg.Bus.PublishInbound(bus.InboundMessage{
			Channel:   ChannelWS,
			SenderID:  c.id,
			ChatID:    chatID,
			Content:   msg.Content,
			MessageID: msg.MessageID,
		})
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(ChannelWS)
		}
		s.logger.Debug("ws: inbound", "client", c.id, "chat_id", chatID,
			"preview", shared.Truncate(shared.Redact(msg.Content), 40, "…"))
	}
}

// defaultChat is the chat a client without ?chat_id talks in.
func (c *client) defaultChat() string {
	if c.chatID != "" {
		return c.chatID
	}
	return c.id
}

// forwardOutbound pushes outbound.ws messages addressed to the client's chat.
func (s *Server) forwardOutbound(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg, ok := ev.Payload.(bus.OutboundMessage)
			if !ok || msg.ChatID != c.defaultChat() {
				continue
			}
			if err := c.write(ctx, wsFrame{
				Type:     "message",
				ChatID:   msg.ChatID,
				Content:  msg.Content,
				Metadata: msg.Metadata,
			}); err != nil {
				s.logger.Warn("ws: write outbound", "client", c.id, "error", err)
				return
			}
		}
	}
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

// ClientCount returns the number of connected /ws clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
