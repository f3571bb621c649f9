package viewer

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"courier/api/internal/app"
	"courier/api/internal/realtime"
)

type FeedOptions struct {
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	Dialer           *websocket.Dialer
	Logger           logrus.FieldLogger
}

// Feed subscribes to topics over the realtime websocket. Each subscription owns a
// connection; when it drops, the feed redials with capped exponential backoff and
// hands the handler a resync once the topic is live again.
type Feed struct {
	endpoint string
	token    string
	opts     FeedOptions
}

// NewFeed takes the API base URL (http or https) and a bearer token.
func NewFeed(baseURL, token string, opts FeedOptions) (*Feed, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/") + "/api/realtime")
	if err != nil {
		return nil, errors.Wrap(err, "parse realtime url")
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, errors.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if opts.ReconnectInitial <= 0 {
		opts.ReconnectInitial = 250 * time.Millisecond
	}
	if opts.ReconnectMax < opts.ReconnectInitial {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)
		opts.Logger = logger
	}
	return &Feed{endpoint: parsed.String(), token: token, opts: opts}, nil
}

// Subscribe returns once the server has confirmed the topic. A refusal from the
// server comes back as an *app.DomainError.
func (f *Feed) Subscribe(ctx context.Context, topic string, handler realtime.Handler) (*realtime.Subscription, error) {
	conn, err := f.dial(ctx, topic)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	state := &feedConn{conn: conn}
	sub := realtime.NewSubscription(topic, func() {
		cancel()
		state.close()
	})
	go f.run(runCtx, sub, state, handler)
	return sub, nil
}

func (f *Feed) dial(ctx context.Context, topic string) (*websocket.Conn, error) {
	query := url.Values{}
	query.Set("topic", topic)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token)

	conn, resp, err := f.opts.Dialer.DialContext(ctx, f.endpoint+"?"+query.Encode(), header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &app.DomainError{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Message: "realtime token rejected"}
		}
		return nil, errors.Wrap(err, "realtime dial")
	}

	// The first frame answers the topic from the query string.
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	frame, err := readFeedFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	switch frame.Type {
	case app.FrameSubscribed:
		return conn, nil
	case app.FrameError:
		_ = conn.Close()
		return nil, &app.DomainError{Status: statusForCode(frame.Code), Code: frame.Code, Message: frame.Error}
	default:
		_ = conn.Close()
		return nil, errors.Errorf("unexpected frame %q", frame.Type)
	}
}

type feedConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (s *feedConn) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *feedConn) replace(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = conn.Close()
		return false
	}
	s.conn = conn
	return true
}

func (s *feedConn) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (f *Feed) run(ctx context.Context, sub *realtime.Subscription, state *feedConn, handler realtime.Handler) {
	defer sub.Finish()
	logger := f.opts.Logger.WithField("topic", sub.Topic())

	for {
		frame, err := readFeedFrame(state.current())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("realtime feed lost, reconnecting")
			if !f.reconnect(ctx, sub.Topic(), state, logger) {
				return
			}
			safeHandle(logger, handler, realtime.NewEvent(sub.Topic(), realtime.EventResync, time.Now().UTC()))
			continue
		}

		switch frame.Type {
		case app.FrameEvent:
			if frame.Event != nil {
				safeHandle(logger, handler, *frame.Event)
			}
		case app.FrameError:
			logger.WithField("code", frame.Code).Warn(frame.Error)
		}
	}
}

func (f *Feed) reconnect(ctx context.Context, topic string, state *feedConn, logger logrus.FieldLogger) bool {
	_ = state.current().Close()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.opts.ReconnectInitial
	policy.MaxInterval = f.opts.ReconnectMax
	policy.MaxElapsedTime = 0
	policy.Reset()

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = f.dial(ctx, topic)
		// A refusal will not change on retry.
		var refused *app.DomainError
		if errors.As(err, &refused) && refused.Code != app.CodeTransientIO {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		logger.WithError(err).WithField("wait", wait).Debug("realtime redial failed")
	})
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Error("realtime feed gave up")
		}
		return false
	}
	return state.replace(conn)
}

func readFeedFrame(conn *websocket.Conn) (app.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return app.Frame{}, errors.Wrap(err, "realtime read")
	}
	var frame app.Frame
	if err := jsoniter.Unmarshal(data, &frame); err != nil {
		return app.Frame{}, errors.Wrap(err, "decode realtime frame")
	}
	return frame, nil
}

func safeHandle(logger logrus.FieldLogger, handler realtime.Handler, event realtime.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("feed handler panic")
		}
	}()
	handler(event)
}

func statusForCode(code string) int {
	switch code {
	case app.CodeValidation:
		return http.StatusBadRequest
	case app.CodePermissionDenied:
		return http.StatusForbidden
	case app.CodeNotFound:
		return http.StatusNotFound
	case app.CodeInvariantViolation:
		return http.StatusConflict
	case app.CodeTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
