package handshake

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/hiroba-chat/broker/internal/v1/logging"
)

// Server accepts reliable-channel connections and hands each one to the
// handshake handler on its own goroutine.
type Server struct {
	addr    string
	handler *Handler

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates an acceptor for addr.
func NewServer(addr string, handler *Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

// Run listens on the configured address and blocks until the context is
// canceled. In-flight handshakes are allowed to finish or hit their deadline.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	logging.Info(ctx, "Handshake listener started", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logging.Warn(ctx, "Accept failed", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handler.Handle(ctx, conn)
		}()
	}

	wg.Wait()
	logging.Info(ctx, "Handshake listener stopped")
	return nil
}

// Addr returns the bound listener address, or empty before Run has bound it.
// The ops readiness probe reports it.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
