package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/id"
)

// MethodConnected is pushed once after the handshake with the session id.
const MethodConnected = "connected"

// Welcome is the data of the connected push.
type Welcome struct {
	SessionID     string `json:"sessionId"`
	Authenticated bool   `json:"authenticated"`
	Format        string `json:"format"`
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger for the websocket transport.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// Server upgrades HTTP requests to websocket sessions on a Gateway.
//
// The credential is taken from ?token= or an Authorization bearer header.
// ?format=msgpack selects binary MessagePack frames; JSON text frames are
// the default. Each connection has one reader (this handler) and one
// writer goroutine draining the session's outbound buffer.
type Server struct {
	gw     *Gateway
	logger *slog.Logger
}

// NewServer creates a websocket transport for gw.
func NewServer(gw *Gateway, opts ...ServerOption) *Server {
	s := &Server{gw: gw, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP performs the websocket handshake and serves the connection
// until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	credential := credentialFrom(r)
	codec := GetCodec(r.URL.Query().Get("format"))

	raw, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	var br *bufio.Reader
	if rw != nil {
		br = rw.Reader
	}
	conn := newWSConn(NewBufferedConn(raw, br))

	ctx := context.WithoutCancel(r.Context())
	sessionID := id.NewSessionID()

	sess, err := s.gw.Connect(ctx, sessionID, conn, credential)
	if err != nil {
		return
	}

	done := make(chan struct{})
	go s.writeLoop(conn, codec, sess, done)

	sess.Send(&Frame{
		ID:        id.NewMessageID(),
		Type:      FrameEvent,
		Method:    MethodConnected,
		Data:      mustJSON(Welcome{SessionID: sessionID, Authenticated: sess.Authenticated(), Format: codec.Name()}),
		Timestamp: time.Now().UTC(),
	})

	s.readLoop(ctx, conn, codec, sess)
	s.gw.Disconnect(ctx, sessionID, "closed")
	<-done
}

func (s *Server) readLoop(ctx context.Context, conn *wsConn, codec Codec, sess *Session) {
	for {
		data, _, err := conn.readMessage()
		if err != nil {
			return
		}

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			sess.Send(NewErrorFrame("", switchboard.CodeBadRequest, "invalid frame: "+decErr.Error()))
			continue
		}

		if frame.Type == FramePing {
			sess.Send(&Frame{
				ID:        id.NewMessageID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: time.Now().UTC(),
			})
			continue
		}

		if resp := s.handle(ctx, sess, frame); resp != nil {
			sess.Send(resp)
		}
	}
}

// handle dispatches one request frame to the gateway.
func (s *Server) handle(ctx context.Context, sess *Session, frame *Frame) *Frame {
	switch frame.Method {
	case MethodAuthenticate:
		var req AuthRequest
		if err := decodeData(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, switchboard.CodeBadRequest, "invalid request: "+err.Error())
		}
		return mustResponseFrame(frame.ID, s.gw.Authenticate(ctx, sess.ID, req.Token))

	case MethodIncomingEvent:
		var env EventEnvelope
		if err := decodeData(frame.Data, &env); err != nil {
			return NewErrorFrame(frame.ID, switchboard.CodeBadRequest, "invalid request: "+err.Error())
		}
		return mustResponseFrame(frame.ID, s.gw.HandleEvent(ctx, sess.ID, env))

	case MethodJoinRoom:
		var req RoomRequest
		if err := decodeData(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, switchboard.CodeBadRequest, "invalid request: "+err.Error())
		}
		return mustResponseFrame(frame.ID, s.gw.JoinRoom(sess.ID, req.Room))

	case MethodLeaveRoom:
		var req RoomRequest
		if err := decodeData(frame.Data, &req); err != nil {
			return NewErrorFrame(frame.ID, switchboard.CodeBadRequest, "invalid request: "+err.Error())
		}
		return mustResponseFrame(frame.ID, s.gw.LeaveRoom(sess.ID, req.Room))

	default:
		return NewErrorFrame(frame.ID, switchboard.CodeBadRequest, "unknown method: "+frame.Method)
	}
}

func (s *Server) writeLoop(conn *wsConn, codec Codec, sess *Session, done chan<- struct{}) {
	defer close(done)
	for f := range sess.Outbound() {
		data, err := codec.Encode(f)
		if err != nil {
			s.logger.Warn("frame not encodable",
				slog.String("session_id", sess.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := conn.writeMessage(codec.OpCode(), data); err != nil {
			_ = conn.Close()
			return
		}
	}
}

// credentialFrom reads ?token= or an Authorization bearer header.
func credentialFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

// decodeData decodes frame data keeping number precision. Empty data
// leaves v untouched.
func decodeData(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
