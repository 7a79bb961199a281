package finger

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sandwichfarm/nostatus/internal/config"
	"github.com/sandwichfarm/nostatus/internal/ops"
)

const (
	readTimeout  = 10 * time.Second
	writeTimeout = 30 * time.Second
)

// Server answers Finger protocol (RFC 1288) queries with the status feed
type Server struct {
	config  *config.Finger
	handler *Handler
	logger  *ops.Logger

	listener net.Listener
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Finger server over feed
func New(cfg *config.Finger, feed Feed, logger *ops.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:  cfg,
		handler: NewHandler(feed, cfg.MaxUsers),
		logger:  logger.WithComponent("finger"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts listening in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Bind, fmt.Sprintf("%d", s.config.Port))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start Finger server: %w", err)
	}

	s.listener = listener
	s.logger.Info("finger server listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for open connections
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()
	return nil
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		s.sendResponse(conn, "Error reading query\n")
		return
	}

	query := strings.TrimSpace(line)
	s.logger.Debug("finger request", "query", query, "remote", conn.RemoteAddr().String())

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	s.sendResponse(conn, s.handler.Handle(query))
}

// sendResponse writes response with CRLF line endings
func (s *Server) sendResponse(conn net.Conn, response string) {
	response = strings.ReplaceAll(response, "\r\n", "\n")
	response = strings.ReplaceAll(response, "\n", "\r\n")
	conn.Write([]byte(response))
}
