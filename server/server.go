// Package server exposes document processing over HTTP and question answering
// over websocket chat sessions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xhad/groundnotes/internal/models"
	"github.com/xhad/groundnotes/internal/types"
	"github.com/xhad/groundnotes/pkg/conversation"
)

// Answerer answers one chat request.
type Answerer interface {
	Answer(ctx context.Context, req conversation.Request) (*conversation.Answer, error)
}

// Processor reports and drives document processing.
type Processor interface {
	Status(ctx context.Context, documentID string) (models.ProcessingStatus, error)
	ProcessDocument(ctx context.Context, documentID string) (models.ProcessingState, error)
}

type Config struct {
	Addr string
	// AllowedOrigins lists websocket origins to accept. Empty accepts any.
	AllowedOrigins []string
	// MaxHistory is how many turns a session keeps.
	MaxHistory int
	// MaxMessageBytes caps one incoming websocket message. Larger messages
	// close the session.
	MaxMessageBytes int64
	RequestTimeout  time.Duration
	Logger          *slog.Logger
}

// Message is the websocket wire format in both directions.
type Message struct {
	Type    string       `json:"type"`
	Content string       `json:"content,omitempty"`
	Scope   models.Scope `json:"scope,omitempty"`
	Data    any          `json:"data,omitempty"`
}

const (
	MessageAsk     = "ask"
	MessageReset   = "reset"
	MessageSession = "session"
	MessageAnswer  = "answer"
	MessageError   = "error"
)

type Server struct {
	config    Config
	answerer  Answerer
	processor Processor
	upgrader  websocket.Upgrader
}

func New(config Config, answerer Answerer, processor Processor) *Server {
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.MaxHistory == 0 {
		config.MaxHistory = 20
	}
	if config.MaxMessageBytes <= 0 {
		config.MaxMessageBytes = 64 << 10
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Server{config: config, answerer: answerer, processor: processor}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /documents/{id}/status", s.handleStatus)
	mux.HandleFunc("POST /documents/{id}/process", s.handleProcess)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.config.Logger.Info("starting server", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.processor.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	id := r.PathValue("id")
	if _, err := s.processor.ProcessDocument(ctx, id); err != nil {
		s.writeError(w, err)
		return
	}
	status, err := s.processor.Status(ctx, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.config.MaxMessageBytes)

	sess := &session{id: uuid.NewString(), conn: conn, server: s}
	log := s.config.Logger.With("session", sess.id)
	log.Info("session opened")
	defer log.Info("session closed")

	sess.send(Message{Type: MessageSession, Content: sess.id})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("read failed", "error", err)
			}
			return
		}
		// Messages are handled in order so history stays consistent.
		sess.handle(r.Context(), msg)
	}
}

type session struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	history []models.ConversationTurn
}

func (sess *session) handle(ctx context.Context, msg Message) {
	switch msg.Type {
	case MessageReset:
		sess.history = nil
		sess.send(Message{Type: MessageSession, Content: sess.id})
	case MessageAsk, "":
		ctx, cancel := context.WithTimeout(ctx, sess.server.config.RequestTimeout)
		defer cancel()

		answer, err := sess.server.answerer.Answer(ctx, conversation.Request{
			Query:   msg.Content,
			Scope:   msg.Scope,
			History: sess.history,
		})
		if err != nil {
			sess.server.config.Logger.Error("answer failed", "session", sess.id, "error", err)
			sess.send(Message{Type: MessageError, Content: err.Error()})
			return
		}

		sess.history = append(sess.history,
			models.ConversationTurn{Role: models.RoleUser, Content: msg.Content},
			models.ConversationTurn{Role: models.RoleAssistant, Content: answer.ResponseText},
		)
		sess.history = conversation.LastTurns(sess.history, sess.server.config.MaxHistory)

		sess.send(Message{Type: MessageAnswer, Content: answer.ResponseText, Scope: answer.Scope, Data: answer})
	default:
		sess.send(Message{Type: MessageError, Content: "unknown message type " + msg.Type})
	}
}

func (sess *session) send(msg Message) {
	if err := sess.conn.WriteJSON(msg); err != nil {
		sess.server.config.Logger.Warn("error sending message", "session", sess.id, "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrDocumentNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrStillProcessing):
		code = http.StatusConflict
	case types.IsValidation(err):
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		s.config.Logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
