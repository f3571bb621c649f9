package app

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"courier/api/internal/auth"
	"courier/api/internal/realtime"
)

// Frame types on the realtime websocket.
const (
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameEvent        = "event"
	FrameError        = "error"
)

type Frame struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Event *realtime.Event `json:"event,omitempty"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
}

const (
	wsWriteWait      = 5 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxFrameSize   = 4096
	wsSendBufferSize = 256
)

type gateway struct {
	service  *Service
	logger   logrus.FieldLogger
	upgrader websocket.Upgrader
}

func newGateway(service *Service, logger logrus.FieldLogger) *gateway {
	return &gateway{
		service: service,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Callers authenticate with a bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// serve upgrades the request and subscribes to every ?topic= given, then reads
// subscribe/unsubscribe frames until the client goes away.
func (g *gateway) serve(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Debug("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &wsConn{
		gateway:  g,
		conn:     conn,
		userID:   identity.UserID,
		logger:   g.logger.WithFields(logrus.Fields{"user_id": identity.UserID, "request_id": requestID(r.Context())}),
		ctx:      ctx,
		cancel:   cancel,
		outgoing: make(chan []byte, wsSendBufferSize),
		subs:     make(map[string]*realtime.Subscription),
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writeLoop()
	}()

	for _, topic := range r.URL.Query()["topic"] {
		c.subscribe(topic)
	}
	c.readLoop()

	c.shutdown()
	<-writeDone
}

type wsConn struct {
	gateway  *gateway
	conn     *websocket.Conn
	userID   string
	logger   logrus.FieldLogger
	ctx      context.Context
	cancel   context.CancelFunc
	outgoing chan []byte

	mu   sync.Mutex
	subs map[string]*realtime.Subscription
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.ctx.Err() == nil {
				c.logger.WithError(errors.Wrap(err, "websocket read error")).Debug("realtime connection closed")
			}
			return
		}

		var frame Frame
		if err := jsoniter.Unmarshal(data, &frame); err != nil {
			c.send(Frame{Type: FrameError, Code: CodeValidation, Error: "unable to deserialize frame"})
			continue
		}
		switch frame.Type {
		case FrameSubscribe:
			c.subscribe(frame.Topic)
		case FrameUnsubscribe:
			c.unsubscribe(frame.Topic)
			c.send(Frame{Type: FrameUnsubscribed, Topic: frame.Topic})
		default:
			c.send(Frame{Type: FrameError, Topic: frame.Topic, Code: CodeValidation, Error: "unknown frame type"})
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case data := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseAbnormalClosure, websocket.CloseGoingAway) && err != websocket.ErrCloseSent {
					c.logger.WithError(errors.Wrap(err, "websocket write error")).Warn("realtime write failed")
				}
				c.cancel()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) subscribe(topic string) {
	c.mu.Lock()
	_, exists := c.subs[topic]
	c.mu.Unlock()
	if exists {
		c.send(Frame{Type: FrameSubscribed, Topic: topic})
		return
	}

	sub, err := c.gateway.service.Subscribe(c.ctx, c.userID, topic, func(event realtime.Event) {
		c.forward(topic, event)
	})
	if err != nil {
		_, code, message, _ := mapError(err)
		c.send(Frame{Type: FrameError, Topic: topic, Code: code, Error: message})
		return
	}

	c.mu.Lock()
	if _, raced := c.subs[topic]; raced {
		c.mu.Unlock()
		sub.Cancel()
	} else {
		c.subs[topic] = sub
		c.mu.Unlock()
	}
	c.send(Frame{Type: FrameSubscribed, Topic: topic})
}

func (c *wsConn) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		c.gateway.service.Unsubscribe(sub)
	}
}

// forward relays a bus event. Losing access to a channel ends the subscription
// right after the event that revoked it.
func (c *wsConn) forward(topic string, event realtime.Event) {
	c.send(Frame{Type: FrameEvent, Topic: topic, Event: &event})

	if kind, _, _ := realtime.ParseTopic(topic); kind == realtime.TopicChannel {
		revoked := event.Type == realtime.EventChannelDeleted ||
			(event.Type == realtime.EventMemberRemoved && event.UserID == c.userID)
		if revoked {
			go c.unsubscribe(topic)
		}
	}
}

// send queues a frame. A client that cannot keep up is disconnected; it will
// reconnect and reconcile.
func (c *wsConn) send(frame Frame) {
	data, err := jsoniter.Marshal(frame)
	if err != nil {
		c.logger.WithError(errors.Wrap(err, "error marshaling frame")).Error("realtime frame dropped")
		return
	}
	select {
	case c.outgoing <- data:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("realtime client too slow, disconnecting")
		c.cancel()
	}
}

func (c *wsConn) shutdown() {
	c.cancel()
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*realtime.Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		c.gateway.service.Unsubscribe(sub)
	}
}
