package gridqueue

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/server"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// serverService runs a dskit server as a service. The server listens as soon as it
// is built, so routes can be registered and the address read before Run.
type serverService struct {
	services.Service

	srv    *server.Server
	logger log.Logger
	done   chan error
}

func newServerService(cfg server.Config, logger log.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*serverService, error) {
	cfg.Log = logger
	cfg.Registerer = reg
	cfg.Gatherer = gatherer
	cfg.SignalHandler = newStopHandler()
	srv, err := server.New(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create server")
	}
	s := &serverService{
		srv:    srv,
		logger: log.With(logger, "component", "server"),
		done:   make(chan error, 1),
	}
	s.Service = services.NewBasicService(nil, s.running, s.stopping).WithName("server")
	return s, nil
}

// Router is where modules register their routes.
func (s *serverService) Router() *mux.Router {
	return s.srv.HTTP
}

// Addr is the HTTP listening address.
func (s *serverService) Addr() string {
	return s.srv.HTTPListenAddr().String()
}

func (s *serverService) running(ctx context.Context) error {
	go func() {
		defer close(s.done)
		s.done <- s.srv.Run()
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.done:
		if err != nil {
			return err
		}
		return errors.New("server stopped unexpectedly")
	}
}

func (s *serverService) stopping(_ error) error {
	// unblocks Run
	s.srv.Shutdown()
	s.srv.Stop()
	<-s.done
	level.Info(s.logger).Log("msg", "server stopped")
	return nil
}

// stopHandler leaves signals to the process; the server only stops when asked.
type stopHandler struct {
	quit chan struct{}
}

func newStopHandler() *stopHandler {
	return &stopHandler{quit: make(chan struct{})}
}

func (h *stopHandler) Loop() { <-h.quit }

func (h *stopHandler) Stop() { close(h.quit) }
