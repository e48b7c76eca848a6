package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/MrWong99/ghostvoice/internal/app"
	"github.com/MrWong99/ghostvoice/internal/compliance"
	"github.com/MrWong99/ghostvoice/internal/observe"
	"github.com/MrWong99/ghostvoice/internal/orchestrator"
	"github.com/MrWong99/ghostvoice/pkg/audio"
)

// writeTimeout bounds a single websocket write so a stalled client cannot
// hold the call's sequencer indefinitely.
const writeTimeout = 5 * time.Second

var (
	errBadRequest   = errors.New("api: bad request")
	errNotConnected = errors.New("api: stream not connected")
)

// Client message types.
const (
	MsgUtterance = "utterance"
	MsgBargeIn   = "barge_in"
	MsgHangup    = "hangup"
)

// Server message types.
const (
	MsgOpened     = "opened"
	MsgAudio      = "audio"
	MsgEndOfTurn  = "end_of_turn"
	MsgError      = "error"
	MsgTerminated = "terminated"
)

// ClientMessage is sent by the caller over the stream.
type ClientMessage struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
	Language string `json:"language,omitempty"`
	Persona  string `json:"persona,omitempty"`
}

// ServerMessage is sent to the caller over the stream. Data is base64
// encoded PCM.
type ServerMessage struct {
	Type       string `json:"type"`
	CallID     string `json:"call_id,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Turn       uint64 `json:"turn,omitempty"`
	Seq        int    `json:"seq"`
	Data       []byte `json:"data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Text       string `json:"text,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Units      int    `json:"units,omitempty"`
	Error      string `json:"error,omitempty"`
}

// frameMessage converts an output frame into its wire form.
func frameMessage(f audio.Frame) ServerMessage {
	if f.Kind == audio.KindEndOfTurn {
		return ServerMessage{
			Type:    MsgEndOfTurn,
			CallID:  f.CallID,
			TraceID: f.TraceID,
			Turn:    f.Turn,
			Reason:  f.Reason,
			Units:   f.Seq,
		}
	}
	return ServerMessage{
		Type:       MsgAudio,
		CallID:     f.CallID,
		TraceID:    f.TraceID,
		Kind:       f.Kind.String(),
		Turn:       f.Turn,
		Seq:        f.Seq,
		Data:       f.Data,
		SampleRate: f.SampleRate,
		Text:       f.Text,
	}
}

// stream is the websocket side of one call. It is the call's audio sink.
type stream struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// send writes one message. Writes are serialised so frames and control
// messages never interleave.
//
// A cancelled ctx stops sending new messages but never interrupts a write in
// progress. The websocket closes the connection when a write's context ends,
// and a barge-in cancels the turn, not the call.
func (s *stream) send(ctx context.Context, msg ServerMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, s.conn, msg)
}

// Emit implements [audio.Sink].
func (s *stream) Emit(ctx context.Context, f audio.Frame) error {
	return s.send(ctx, frameMessage(f))
}

func (s *stream) attach(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

// openRequest builds the call parameters from the stream URL.
func openRequest(r *http.Request) (app.OpenRequest, error) {
	q := r.URL.Query()
	req := app.OpenRequest{
		CallID:    r.PathValue("id"),
		PersonaID: q.Get("persona"),
		Language:  q.Get("language"),
		Number:    q.Get("number"),
	}
	if v := q.Get("frameworks"); v != "" {
		fws, err := compliance.ParseList(strings.Split(v, ","))
		if err != nil {
			return req, fmt.Errorf("%w: %w", errBadRequest, err)
		}
		req.Frameworks = fws
	}
	if v := q.Get("consent"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return req, fmt.Errorf("%w: consent: %w", errBadRequest, err)
		}
		req.ConsentObtained = ok
	}
	return req, nil
}

// handleStream opens a call and upgrades to a websocket. The call is
// opened before the upgrade so setup failures get a plain HTTP status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	req, err := openRequest(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	st := &stream{}
	call, err := s.deps.Sessions.Open(r.Context(), req, st)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log := observe.Logger(observe.WithCallID(r.Context(), req.CallID)).With("call_trace_id", call.TraceID())

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("stream upgrade failed", "err", err)
		_ = s.deps.Sessions.Hangup(req.CallID)
		return
	}
	st.attach(conn)
	defer func() {
		if err := s.deps.Sessions.Hangup(req.CallID); err != nil && !errors.Is(err, app.ErrCallNotFound) {
			log.Warn("hangup after stream close", "err", err)
		}
		_ = conn.CloseNow()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := st.send(ctx, ServerMessage{Type: MsgOpened, CallID: req.CallID, TraceID: call.TraceID()}); err != nil {
		log.Debug("stream closed before open ack", "err", err)
		return
	}

	// End the stream when the call stops on its own (terminated session).
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-call.Done():
		}
		reason := "call ended"
		if err := call.Err(); err != nil {
			reason = err.Error()
		}
		_ = st.send(ctx, ServerMessage{Type: MsgTerminated, CallID: req.CallID, Reason: reason})
		_ = conn.Close(websocket.StatusNormalClosure, "call ended")
	}()

	limit := rate.Inf
	if s.deps.StreamRate > 0 {
		limit = rate.Limit(s.deps.StreamRate)
	}
	limiter := rate.NewLimiter(limit, max(s.deps.StreamBurst, 1))

	for {
		var msg ClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			log.Debug("stream read ended", "close_status", websocket.CloseStatus(err), "err", err)
			return
		}
		switch msg.Type {
		case MsgUtterance:
			// Only utterances are limited; barge-in and hangup always go through.
			if !limiter.Allow() {
				_ = st.send(ctx, ServerMessage{Type: MsgError, Error: "rate limit exceeded"})
				continue
			}
			err := call.Orchestrator.Submit(orchestrator.Utterance{
				Text:      msg.Text,
				Seq:       msg.Seq,
				Language:  msg.Language,
				PersonaID: msg.Persona,
			})
			if err != nil {
				_ = st.send(ctx, ServerMessage{Type: MsgError, Error: err.Error()})
			}
		case MsgBargeIn:
			call.Orchestrator.BargeIn()
		case MsgHangup:
			_ = conn.Close(websocket.StatusNormalClosure, "hangup")
			return
		default:
			_ = st.send(ctx, ServerMessage{Type: MsgError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
		}
	}
}
