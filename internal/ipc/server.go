package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"

	"log/slog"

	"capstan/internal/daemon"
	"capstan/internal/logging"
)

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logging.WithComponent(logger, "ipc"), ctx: ctx}
	if err := rpcServer.RegisterName("Capstan", srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("ipc server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				s.logger.Warn("accept failed", logging.Error(err))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) Ping(_ PingRequest, resp *PingResponse) error {
	resp.Message = "pong"
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	status, err := s.daemon.Status(s.ctx)
	if err != nil {
		return err
	}
	resp.Status = status
	return nil
}

func (s *service) EnvStatus(req EnvStatusRequest, resp *EnvStatusResponse) error {
	status, err := s.daemon.EnvStatus(req.Backend)
	if err != nil {
		return err
	}
	resp.Backend = status
	return nil
}

func (s *service) Install(req InstallRequest, _ *InstallResponse) error {
	s.logger.Info("install requested",
		logging.String(logging.FieldBackend, req.Backend),
		logging.String(logging.FieldVariant, req.Variant))
	return s.daemon.Install(s.ctx, req.Backend, req.Variant)
}

func (s *service) Switch(req SwitchRequest, _ *SwitchResponse) error {
	return s.daemon.SwitchVariant(s.ctx, req.Backend, req.Variant)
}

func (s *service) Uninstall(req UninstallRequest, _ *UninstallResponse) error {
	s.logger.Info("uninstall requested",
		logging.String(logging.FieldBackend, req.Backend),
		logging.String(logging.FieldVariant, req.Variant))
	return s.daemon.Uninstall(s.ctx, req.Backend, req.Variant)
}

func (s *service) Verify(req VerifyRequest, _ *VerifyResponse) error {
	return s.daemon.VerifyEnv(s.ctx, req.Backend, req.Variant)
}

func (s *service) Download(req DownloadRequest, _ *DownloadResponse) error {
	s.logger.Info("model download requested",
		logging.String(logging.FieldBackend, req.Backend))
	return s.daemon.DownloadModel(s.ctx, req.Backend)
}

func (s *service) DeleteModel(req DeleteModelRequest, _ *DeleteModelResponse) error {
	return s.daemon.DeleteModel(s.ctx, req.Backend, req.Model)
}

func (s *service) Models(req ModelsRequest, resp *ModelsResponse) error {
	models, err := s.daemon.Models(req.Backend)
	if err != nil {
		return err
	}
	resp.Models = models
	return nil
}

func (s *service) Transcribe(req TranscribeRequest, resp *TranscribeResponse) error {
	result, err := s.daemon.Transcribe(s.ctx, req.Backend, req.Request)
	if err != nil {
		return err
	}
	resp.Result = *result
	return nil
}

func (s *service) CorrectBatch(req CorrectBatchRequest, resp *CorrectBatchResponse) error {
	results, err := s.daemon.CorrectBatch(s.ctx, req.Backend, req.AudioPath, req.Entries)
	if err != nil {
		return err
	}
	resp.Results = results
	return nil
}

func (s *service) Correct(req CorrectEntryRequest, resp *CorrectEntryResponse) error {
	result, err := s.daemon.CorrectEntry(s.ctx, req.Backend, req.Entry)
	if err != nil {
		return err
	}
	resp.Result = *result
	return nil
}

func (s *service) Cancel(req CancelRequest, resp *CancelResponse) error {
	if err := s.daemon.Cancel(req.Backend); err != nil {
		return err
	}
	resp.Cancelled = true
	s.logger.Info("cancellation requested",
		logging.String(logging.FieldBackend, req.Backend))
	return nil
}

func (s *service) History(req HistoryRequest, resp *HistoryResponse) error {
	entries, err := s.daemon.History(s.ctx, req.Backend, req.Limit)
	if err != nil {
		return err
	}
	resp.Entries = entries
	return nil
}

func (s *service) ServiceStop(req ServiceStopRequest, _ *ServiceStopResponse) error {
	return s.daemon.StopService(req.Backend)
}

func (s *service) PreloadAudio(req PreloadAudioRequest, _ *PreloadAudioResponse) error {
	return s.daemon.PreloadAudio(s.ctx, req.Backend, req.Path)
}

func (s *service) Progress(req ProgressRequest, resp *ProgressResponse) error {
	resp.Message = s.daemon.Progress(req.Backend)
	return nil
}
