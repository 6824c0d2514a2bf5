package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"buswatch.org/internal/auth"
	"buswatch.org/internal/gateway"
	"buswatch.org/internal/logging"
	"buswatch.org/internal/models"
	"github.com/gorilla/websocket"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamMaxMessage = 4 << 10
)

// Error codes sent to stream clients.
const (
	codeUnknownSubject = "unknown_subject"
	codeForbidden      = "forbidden"
	codeBadRequest     = "bad_request"
	codeNotSubscribed  = "not_subscribed"
	codeInternal       = "internal"
)

// clientMessage is anything a stream client sends:
//
//	{"type":"subscribe","subjectIds":["bus:42"],"kinds":["delay"]}
//	{"type":"ack","subject":"bus:42","seq":17}
//	{"type":"unsubscribe"}
type clientMessage struct {
	Type       string             `json:"type"`
	SubjectIDs []string           `json:"subjectIds,omitempty"`
	Kinds      []models.EventKind `json:"kinds,omitempty"`
	Subject    string             `json:"subject,omitempty"`
	Seq        uint64             `json:"seq,omitempty"`
}

type serverMessage struct {
	Type     string        `json:"type"`
	Subject  string        `json:"subject,omitempty"`
	Seq      uint64        `json:"seq,omitempty"`
	Event    *models.Event `json:"event,omitempty"`
	Subjects []string      `json:"subjects,omitempty"`
	Code     string        `json:"code,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// streamConn is one WebSocket client. The read loop runs on the handler
// goroutine; each subscription gets a pump goroutine that writes its events.
type streamConn struct {
	api     *RestAPI
	conn    *websocket.Conn
	session auth.Session
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	sub      *gateway.Subscription
	pumpDone chan struct{}
}

// streamHandler upgrades to a WebSocket and serves the subscription
// protocol until the client goes away.
func (api *RestAPI) streamHandler(w http.ResponseWriter, r *http.Request) {
	session := sessionOf(r)
	logger := logging.FromContext(r.Context()).With(
		slog.String("component", "stream"),
		slog.String("client_id", session.ClientID))

	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &streamConn{
		api:     api,
		conn:    conn,
		session: session,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	api.trackStream(s)
	defer api.untrackStream(s)
	s.run()
}

func (s *streamConn) run() {
	defer s.shutdown()

	s.conn.SetReadLimit(streamMaxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go s.pinger()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("stream read failed", slog.String("error", err.Error()))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(streamPongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(codeBadRequest, "malformed message")
			continue
		}
		s.handle(msg)
	}
}

func (s *streamConn) handle(msg clientMessage) {
	switch msg.Type {
	case "subscribe":
		s.subscribe(msg.SubjectIDs, msg.Kinds)
	case "unsubscribe":
		s.stopSubscription()
		_ = s.write(serverMessage{Type: "unsubscribed"})
	case "ack":
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()
		if sub == nil {
			s.sendError(codeNotSubscribed, "ack without a subscription")
			return
		}
		if err := sub.Ack(msg.Subject, msg.Seq); err != nil {
			s.sendError(codeBadRequest, err.Error())
		}
	default:
		s.sendError(codeBadRequest, "unknown message type "+msg.Type)
	}
}

// subscribe replaces the current subscription. The old pump is drained
// first so that nothing it was writing is replayed by the new one.
func (s *streamConn) subscribe(subjectIDs []string, kinds []models.EventKind) {
	s.stopSubscription()

	sub, err := s.api.Gateway.Subscribe(s.session, subjectIDs, kinds)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrUnknownSubject):
			s.sendError(codeUnknownSubject, err.Error())
		case errors.Is(err, gateway.ErrForbidden):
			s.sendError(codeForbidden, err.Error())
		case errors.Is(err, gateway.ErrUnknownKind):
			s.sendError(codeBadRequest, err.Error())
		default:
			logging.LogError(s.logger, "subscribe failed", err)
			s.sendError(codeInternal, "subscribe failed")
		}
		return
	}

	if err := s.write(serverMessage{Type: "subscribed", Subjects: sub.Subjects()}); err != nil {
		s.api.Gateway.Unsubscribe(sub)
		return
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.sub = sub
	s.pumpDone = done
	s.mu.Unlock()
	go s.pump(sub, done)
}

func (s *streamConn) stopSubscription() {
	s.mu.Lock()
	sub, done := s.sub, s.pumpDone
	s.sub, s.pumpDone = nil, nil
	s.mu.Unlock()
	if sub == nil {
		return
	}
	s.api.Gateway.Unsubscribe(sub)
	<-done
}

// pump writes queued events until the subscription closes or a write fails.
// An event counts as delivered only once it is on the wire.
func (s *streamConn) pump(sub *gateway.Subscription, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in stream pump", slog.Any("panic", r))
		}
	}()
	for {
		e, err := sub.Next(s.ctx)
		if err != nil {
			return
		}
		msgType := "event"
		if e.Kind == models.EventETAUpdate {
			msgType = "eta"
		}
		if err := s.write(serverMessage{Type: msgType, Subject: e.Subject.String(), Seq: e.Seq, Event: &e}); err != nil {
			s.logger.Debug("stream write failed", slog.String("error", err.Error()))
			_ = s.conn.Close()
			return
		}
		sub.Delivered(e)
	}
}

func (s *streamConn) pinger() {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *streamConn) write(msg serverMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return s.conn.WriteJSON(msg)
}

func (s *streamConn) sendError(code, message string) {
	_ = s.write(serverMessage{Type: "error", Code: code, Message: message})
}

// close asks the client to go away; the read loop then ends the stream.
func (s *streamConn) close(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(streamWriteWait))
	_ = s.conn.Close()
}

func (s *streamConn) shutdown() {
	s.cancel()
	s.stopSubscription()
	_ = s.conn.Close()
}
