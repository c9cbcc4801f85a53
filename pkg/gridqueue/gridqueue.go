// Package gridqueue assembles the queues, their collaborators and the HTTP
// server into one process.
package gridqueue

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"

	"github.com/gridqueue/gridqueue/pkg/archive"
	"github.com/gridqueue/gridqueue/pkg/capacity"
	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/cfg"
	"github.com/gridqueue/gridqueue/pkg/registry"
	"github.com/gridqueue/gridqueue/pkg/store"
	util_log "github.com/gridqueue/gridqueue/pkg/util/log"
	"github.com/gridqueue/gridqueue/pkg/workqueue"
)

// GridQueue is the root datastructure of a process.
type GridQueue struct {
	Cfg Config

	logger   log.Logger
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer
	clock    quartz.Clock

	moduleManager *modules.Manager
	serviceMap    map[string]services.Service
	manager       *services.Manager

	Server   *serverService
	store    store.Store
	catalog  catalog.Catalog
	registry *registry.Static
	archiver *archive.Archiver
	capacity *capacity.Tracker
	Global   *workqueue.GlobalQueue
	Local    *workqueue.LocalQueue
}

// New builds every module the target needs. Nothing runs until Run.
func New(cfg Config, logger log.Logger, reg *prometheus.Registry, clock quartz.Clock) (*GridQueue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &GridQueue{
		Cfg:      cfg,
		logger:   logger,
		reg:      reg,
		gatherer: reg,
		clock:    clock,
	}
	if err := t.setupModuleManager(); err != nil {
		return nil, err
	}
	serviceMap, err := t.moduleManager.InitModuleServices(cfg.Target, API)
	if err != nil {
		return nil, err
	}
	t.serviceMap = serviceMap
	t.Server.Router().Path("/ready").Handler(t.readyHandler())
	t.Server.Router().Path("/services").HandlerFunc(t.servicesHandler)
	return t, nil
}

// Run starts all services and blocks until ctx is canceled or a service
// fails.
func (t *GridQueue) Run(ctx context.Context) error {
	var servs []services.Service
	for _, s := range t.serviceMap {
		servs = append(servs, s)
	}
	sm, err := services.NewManager(servs...)
	if err != nil {
		return err
	}
	t.manager = sm

	stopped := make(chan struct{})
	healthy := func() { level.Info(t.logger).Log("msg", "gridqueue started", "target", t.Cfg.Target) }
	allStopped := func() {
		level.Info(t.logger).Log("msg", "gridqueue stopped")
		close(stopped)
	}
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()
		for m, s := range t.serviceMap {
			if s == service {
				level.Error(t.logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(t.logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, allStopped, serviceFailed))

	if err := sm.StartAsync(context.Background()); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-stopped:
	}
	_ = services.StopManagerAndAwaitStopped(context.Background(), sm)

	if failed := sm.ServicesByState()[services.Failed]; len(failed) > 0 {
		return errors.New("failed services")
	}
	return nil
}

func (t *GridQueue) readyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if t.manager == nil || !t.manager.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")
			if t.manager != nil {
				for st, ls := range t.manager.ServicesByState() {
					msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
				}
			}
			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "ready", http.StatusOK)
	}
}

func (t *GridQueue) servicesHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	for name, s := range t.serviceMap {
		fmt.Fprintf(w, "%s => %s\n", name, s.State())
	}
}

func (t *GridQueue) configHandler(w http.ResponseWriter, _ *http.Request) {
	out, err := cfg.Dump(&t.Cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/yaml")
	_, _ = w.Write([]byte(out))
}

func (t *GridQueue) versionHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(version.Print("gridqueue") + "\n"))
}

func (t *GridQueue) registerOperationalRoutes() {
	r := t.Server.Router()
	r.Path("/log_level").Handler(util_log.LevelHandler(&t.Cfg.Server.LogLevel))
	r.Path("/config").HandlerFunc(t.configHandler)
	r.Path("/version").HandlerFunc(t.versionHandler)
}
