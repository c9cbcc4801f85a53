package gridqueue

import (
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"

	"github.com/gridqueue/gridqueue/pkg/api"
	"github.com/gridqueue/gridqueue/pkg/archive"
	"github.com/gridqueue/gridqueue/pkg/capacity"
	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/execution"
	"github.com/gridqueue/gridqueue/pkg/registry"
	"github.com/gridqueue/gridqueue/pkg/store"
	"github.com/gridqueue/gridqueue/pkg/workqueue"
)

// The various modules that make up gridqueue.
const (
	Server   string = "server"
	Store    string = "store"
	Catalog  string = "catalog"
	Registry string = "registry"
	Archive  string = "archive"
	Capacity string = "capacity"
	API      string = "api"
	Global   string = "global"
	Local    string = "local"
	All      string = "all"
)

func (t *GridQueue) setupModuleManager() error {
	mm := modules.NewManager(t.logger)

	mm.RegisterModule(Server, t.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(Store, t.initStore, modules.UserInvisibleModule)
	mm.RegisterModule(Catalog, t.initCatalog, modules.UserInvisibleModule)
	mm.RegisterModule(Registry, t.initRegistry, modules.UserInvisibleModule)
	mm.RegisterModule(Archive, t.initArchive, modules.UserInvisibleModule)
	mm.RegisterModule(Capacity, t.initCapacity, modules.UserInvisibleModule)
	mm.RegisterModule(API, t.initAPI, modules.UserInvisibleModule)
	mm.RegisterModule(Global, t.initGlobal)
	mm.RegisterModule(Local, t.initLocal)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Global: {Server, Store, Catalog, Registry, Archive},
		Local:  {Server, Store, Catalog, Capacity},
		API:    {Server},
		All:    {Global, Local},
	}
	switch t.Cfg.Target {
	case Global:
		deps[API] = append(deps[API], Global)
	case Local:
		deps[API] = append(deps[API], Local)
	case All:
		// the in-process local queue negotiates with the global one
		deps[Local] = append(deps[Local], Global)
		deps[API] = append(deps[API], Global, Local)
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	t.moduleManager = mm
	return nil
}

func (t *GridQueue) initServer() (services.Service, error) {
	s, err := newServerService(t.Cfg.Server, t.logger, t.reg, t.gatherer)
	if err != nil {
		return nil, err
	}
	t.Server = s
	t.registerOperationalRoutes()
	return t.Server, nil
}

func (t *GridQueue) initStore() (services.Service, error) {
	s, err := store.New(t.Cfg.Store, t.logger)
	if err != nil {
		return nil, err
	}
	t.store = s
	return services.NewIdleService(nil, func(_ error) error {
		return t.store.Close()
	}).WithName("store"), nil
}

func (t *GridQueue) initCatalog() (services.Service, error) {
	c, err := catalog.New(t.Cfg.Catalog)
	if err != nil {
		return nil, err
	}
	t.catalog = c
	return nil, nil
}

func (t *GridQueue) initRegistry() (services.Service, error) {
	r, err := registry.New(t.Cfg.Registry)
	if err != nil {
		return nil, err
	}
	t.registry = r
	return nil, nil
}

func (t *GridQueue) initArchive() (services.Service, error) {
	bucket, err := archive.NewBucket(t.Cfg.Archive)
	if err != nil {
		return nil, err
	}
	t.archiver, err = archive.New(t.Cfg.Archive, bucket, t.logger, t.reg)
	if err != nil {
		return nil, err
	}
	return services.NewIdleService(nil, func(_ error) error {
		return bucket.Close()
	}).WithName("archive"), nil
}

func (t *GridQueue) initCapacity() (services.Service, error) {
	t.capacity = capacity.NewTracker(t.Cfg.Capacity, capacity.Static(t.Cfg.Capacity.Sites), t.logger)
	return t.capacity, nil
}

func (t *GridQueue) initGlobal() (services.Service, error) {
	g, err := workqueue.NewGlobalQueue(t.Cfg.Global, t.store, t.catalog, t.registry, t.archiver, t.clock, t.logger, t.reg)
	if err != nil {
		return nil, err
	}
	t.Global = g
	return g, nil
}

func (t *GridQueue) initLocal() (services.Service, error) {
	var (
		parent workqueue.Parent
		s      = t.store
	)
	if t.Global != nil {
		parent = workqueue.NewMemoryTransport(t.Global.Core)
		// the global queue owns the configured store
		s = store.NewMemory()
	} else {
		client, err := api.NewClient(t.Cfg.Parent)
		if err != nil {
			return nil, err
		}
		parent = client
	}

	var exec execution.Executor
	if !t.Cfg.Local.Relay {
		exec = execution.NewSimulated(t.Cfg.Simulated, t.clock)
	}
	l, err := workqueue.NewLocalQueue(t.Cfg.Local, parent, s, t.catalog, exec, t.capacity, t.clock, t.logger, t.reg)
	if err != nil {
		return nil, err
	}
	t.Local = l
	return l, nil
}

// initAPI registers the HTTP API of whichever queues run here. A relay
// local queue serves negotiation to its children.
func (t *GridQueue) initAPI() (services.Service, error) {
	var (
		requests    api.Requests
		negotiation workqueue.Parent
		arch        api.Archive
	)
	switch {
	case t.Global != nil:
		requests = t.Global
		negotiation = t.Global.Core
		arch = t.archiver
	case t.Local != nil && t.Local.Core() != nil:
		negotiation = t.Local.Core()
	}
	api.New(requests, negotiation, arch, t.logger).RegisterRoutes(t.Server.Router())
	level.Debug(t.logger).Log("msg", "api registered", "requests", requests != nil, "negotiation", negotiation != nil)
	return nil, nil
}
