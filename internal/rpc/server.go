// Package rpc exposes the archive over JSON-RPC 2.0 on a WebSocket
// endpoint. The surface is strictly read-only: every method maps onto a
// store query, and ingestion failures are never visible here.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatvault/chatvault/internal/database"
)

// Server serves JSON-RPC requests over WebSocket connections.
type Server struct {
	store    database.Store
	logger   *slog.Logger
	addr     string
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer creates a server listening on host:port once Run is called.
func NewServer(store database.Store, logger *slog.Logger, host string, port int) *Server {
	s := &Server{
		store:  store,
		logger: logger.With("component", "rpc"),
		addr:   net.JoinHostPort(host, strconv.Itoa(port)),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully. Any other
// listener failure is returned as-is and should be treated as fatal.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("rpc server listening", "addr", s.addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("rpc server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("rpc server: %w", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	s.logger.Info("client connected", "remote", r.RemoteAddr)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("client read failed", "remote", r.RemoteAddr, "error", err)
			} else {
				s.logger.Info("client disconnected", "remote", r.RemoteAddr)
			}
			return
		}

		reply := s.process(r.Context(), payload)
		if err := conn.WriteJSON(reply); err != nil {
			s.logger.Warn("client write failed", "remote", r.RemoteAddr, "error", err)
			return
		}
	}
}

// process turns one WebSocket frame into the value to send back: a single
// response envelope, or a slice of them for a batch request.
func (s *Server) process(ctx context.Context, payload []byte) any {
	var probe any
	if err := json.Unmarshal(payload, &probe); err != nil {
		return errorResponse(&rpcError{codeParseError, "invalid JSON: " + err.Error()}, nil)
	}

	switch probe.(type) {
	case []any:
		var reqs []json.RawMessage
		if err := json.Unmarshal(payload, &reqs); err != nil {
			return errorResponse(&rpcError{codeParseError, "invalid JSON: " + err.Error()}, nil)
		}
		responses := make([]response, 0, len(reqs))
		for _, raw := range reqs {
			var req request
			if err := json.Unmarshal(raw, &req); err != nil {
				continue
			}
			responses = append(responses, s.handle(ctx, req))
		}
		if len(responses) == 0 {
			return errorResponse(&rpcError{codeInvalidRequest, "invalid batch request: all items must be objects"}, nil)
		}
		return responses
	case map[string]any:
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			return errorResponse(&rpcError{codeInvalidRequest, "malformed request object"}, nil)
		}
		return s.handle(ctx, req)
	default:
		return errorResponse(&rpcError{codeInvalidRequest, "request must be an object or array"}, nil)
	}
}
