package unixsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/tentickle/tentickle/internal/common/logger"
	"github.com/tentickle/tentickle/internal/gateway"
	ws "github.com/tentickle/tentickle/pkg/websocket"
)

// Server accepts daemon-protocol connections on a unix socket.
type Server struct {
	gw   *gateway.Gateway
	log  *logger.Logger
	path string

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]*gateway.Conn
	stopped  bool

	wg sync.WaitGroup
}

func NewServer(gw *gateway.Gateway, path string, log *logger.Logger) *Server {
	return &Server{
		gw:    gw,
		log:   log.WithFields(zap.String("component", "unixsock")),
		path:  path,
		conns: make(map[net.Conn]*gateway.Conn),
	}
}

// Start binds the socket and serves until Stop. The socket directory is
// created mode 0700 and a stale socket file from a dead process is
// removed first.
func (s *Server) Start(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := removeStaleSocket(s.path); err != nil {
		return err
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("unix socket listening", zap.String("path", s.path))
	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)
	return nil
}

// removeStaleSocket unlinks a leftover socket nothing is listening on.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", path)
	}
	return os.Remove(path)
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	var writeMu sync.Mutex
	notify := func(msg *ws.Message) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := WriteFrame(conn, msg); err != nil {
			s.log.Debug("notification write failed", zap.Error(err))
		}
	}
	pc := gateway.NewConn(s.gw, s.log, notify)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		pc.Close()
		return
	}
	s.conns[conn] = pc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		pc.Close()
		conn.Close()
	}()

	for {
		msg, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				s.log.Debug("connection read ended", zap.Error(err))
			}
			return
		}
		if resp := pc.Handle(ctx, msg); resp != nil {
			notify(resp)
		}
	}
}

// Stop closes the listener and every connection, then removes the
// socket file.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	listener := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
}
