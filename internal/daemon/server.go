package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/hyper/internal/instance"
	"github.com/cochaviz/hyper/internal/logging"
)

const (
	readTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 1 << 20
)

// Server exposes a Manager on a unix socket. Each connection carries one
// request and one response; connections are served concurrently and the
// Manager serializes work per instance.
type Server struct {
	socketPath string
	manager    *instance.Manager
	logger     *slog.Logger

	active sync.WaitGroup
}

func NewServer(socketPath string, manager *instance.Manager, logger *slog.Logger) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Server{
		socketPath: socketPath,
		manager:    manager,
		logger:     logging.Ensure(logger).With("component", "daemon.server"),
	}
}

// Serve listens until ctx is cancelled, then waits for in-flight requests.
// A stale socket file is replaced and the socket is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("daemon listening", "socket", s.socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	var req IPCRequest
	if err := json.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.write(conn, IPCResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	logger := s.logger.With("request", req.ID, "command", string(req.Command))
	if req.Name != "" {
		logger = logger.With("instance", req.Name)
	}

	started := time.Now()
	data, err := s.dispatch(ctx, req)
	if err != nil {
		logger.Debug("request failed", "error", err, "duration", time.Since(started))
		s.write(conn, IPCResponse{ID: req.ID, Error: err.Error(), Code: instance.Code(err)})
		return
	}
	logger.Debug("request served", "duration", time.Since(started))
	s.write(conn, IPCResponse{ID: req.ID, OK: true, Data: data})
}

func (s *Server) dispatch(ctx context.Context, req IPCRequest) (any, error) {
	switch req.Command {
	case CommandCreate:
		var payload CreateRequest
		if err := decodePayload(req.Payload, &payload); err != nil {
			return nil, err
		}
		inst, err := s.manager.Create(ctx, req.Name, payload.Config)
		if err != nil {
			return nil, err
		}
		return inst.Info(ctx), nil
	case CommandStart:
		return nil, s.manager.Start(ctx, req.Name)
	case CommandStop:
		return nil, s.manager.Stop(ctx, req.Name)
	case CommandStatus:
		state, err := s.manager.Status(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		return StatusResponse{Name: req.Name, State: state}, nil
	case CommandList:
		return s.manager.List(), nil
	case CommandInspect:
		info, err := s.manager.Info(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		return info, nil
	case CommandSetBootMedium:
		var payload BootMediumRequest
		if err := decodePayload(req.Payload, &payload); err != nil {
			return nil, err
		}
		return nil, s.manager.SetBootMedium(ctx, req.Name, payload.Path)
	case "":
		return nil, errors.New("missing required field: command")
	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: request payload is required", instance.ErrMissingInput)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func (s *Server) write(conn net.Conn, resp IPCResponse) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}
