package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/stratumhq/stratad/internal"
	"github.com/stratumhq/stratad/internal/build"
	"github.com/stratumhq/stratad/internal/launch"
	"github.com/stratumhq/stratad/internal/manifest"
	"github.com/stratumhq/stratad/internal/protocol"
)

// A service supervised by the daemon.
type service struct {
	tag       string
	container string
	port      int
	cancel    context.CancelFunc
	done      chan struct{} // Closed when the supervising goroutine exits.
	code      int
	err       error
}

// Handles a build command.
//
// Parses the plan from the request and executes it against the container
// runtime. The build is cancelled if the client disconnects.
func (s *Server) handleBuild(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.BuildRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	plan, err := manifest.Parse(req.Plan)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	result, err := build.Run(ctx, s.runtime, build.Options{
		Plan:    plan,
		Tag:     req.Tag,
		Context: req.Context,
		Output:  req.Output,
		Store:   s.store,
	})
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.mu.Lock()
	s.builds++
	s.mu.Unlock()

	s.respond(conn, protocol.CmdOK, &protocol.BuildResult{
		Tag:       result.Tag,
		Digest:    result.ImageDigest.String(),
		Layers:    result.LayersBuilt,
		CacheHits: result.CacheHits,
		Archive:   result.ArchivePath,
		Duration:  result.Duration.Round(time.Millisecond).String(),
	})
}

// Handles a run command.
//
// The service outlives the connection; its supervising goroutine is bound
// to the daemon's lifetime, not the client's. The response is written once
// the service passes its startup probe or fails to.
func (s *Server) handleRun(ctx context.Context, conn net.Conn, payload json.RawMessage) {
	req, err := protocol.DecodePayload[protocol.RunRequest](payload)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	s.mu.Lock()
	if s.service != nil {
		running := s.service.tag
		s.mu.Unlock()
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Message: "a service is already running: " + running,
		})
		return
	}

	svcCtx, cancel := context.WithCancel(context.Background())
	svc := &service{tag: req.Tag, cancel: cancel, done: make(chan struct{})}
	s.service = svc
	s.mu.Unlock()

	ready := make(chan struct{})
	var once sync.Once

	go func() {
		code, err := launch.Run(svcCtx, s.runtime, launch.Options{
			Tag:  req.Tag,
			Host: req.Host,
			Port: req.Port,
			OnReady: func(id string, port int) {
				s.setServiceEndpoint(svc, id, port)
				once.Do(func() { close(ready) })
			},
		})
		svc.code = code
		svc.err = err
		once.Do(func() { close(ready) })
		close(svc.done)

		s.mu.Lock()
		if s.service == svc {
			s.service = nil
		}
		s.mu.Unlock()

		if err != nil {
			slog.Error("service failed", "tag", req.Tag, "error", err)
		}
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		// Client gave up waiting; the service keeps starting.
	}

	select {
	case <-svc.done:
		msg := "service exited during startup"
		if svc.err != nil {
			msg = svc.err.Error()
		}
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: msg})
	default:
		s.mu.Lock()
		container, port := svc.container, svc.port
		s.mu.Unlock()
		s.respond(conn, protocol.CmdOK, &protocol.RunResult{
			Container: container,
			Port:      port,
		})
	}
}

// Records where a supervised service ended up listening. Status requests
// read these fields concurrently, so the write happens under the server
// lock.
func (s *Server) setServiceEndpoint(svc *service, container string, port int) {
	s.mu.Lock()
	svc.container = container
	svc.port = port
	s.mu.Unlock()
}

// Handles a stop command.
func (s *Server) handleStop(conn net.Conn) {
	code, ok := s.stopService()
	if !ok {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: "no service running"})
		return
	}

	s.respond(conn, protocol.CmdOK, &protocol.StopResult{ExitCode: code})
}

// Stops the supervised service, if any, and waits for it to drain.
func (s *Server) stopService() (int, bool) {
	s.mu.Lock()
	svc := s.service
	s.service = nil
	s.mu.Unlock()

	if svc == nil {
		return 0, false
	}

	svc.cancel()
	<-svc.done

	return svc.code, true
}

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	builds := s.builds
	var serviceID string
	if s.service != nil {
		serviceID = s.service.container
	}
	s.mu.Unlock()

	uptime := time.Since(s.startedAt).Truncate(time.Second)

	s.respond(conn, protocol.CmdOK, &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  uptime.String(),
		Builds:  builds,
		Service: serviceID,
	})
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		s.Stop()
	}()
}
