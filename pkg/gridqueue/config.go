package gridqueue

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/grafana/dskit/server"
	"github.com/pkg/errors"

	"github.com/gridqueue/gridqueue/pkg/api"
	"github.com/gridqueue/gridqueue/pkg/archive"
	"github.com/gridqueue/gridqueue/pkg/capacity"
	"github.com/gridqueue/gridqueue/pkg/catalog"
	"github.com/gridqueue/gridqueue/pkg/cfg"
	"github.com/gridqueue/gridqueue/pkg/execution"
	"github.com/gridqueue/gridqueue/pkg/registry"
	"github.com/gridqueue/gridqueue/pkg/store"
	"github.com/gridqueue/gridqueue/pkg/workqueue"
)

// DefaultHTTPPort is where a gridqueue process serves HTTP unless told
// otherwise.
const DefaultHTTPPort = 8080

// Config is the root config of a gridqueue process.
type Config struct {
	ConfigFile   string `yaml:"-"`
	ExpandEnv    bool   `yaml:"-"`
	PrintVersion bool   `yaml:"-"`
	PrintConfig  bool   `yaml:"-"`

	Target string `yaml:"target"`

	Server    server.Config             `yaml:"server"`
	Store     store.Config              `yaml:"store"`
	Catalog   catalog.Config            `yaml:"catalog"`
	Registry  registry.Config           `yaml:"registry"`
	Capacity  capacity.Config           `yaml:"capacity"`
	Simulated execution.SimulatedConfig `yaml:"simulated"`
	Archive   archive.Config            `yaml:"archive"`
	Global    workqueue.GlobalConfig    `yaml:"global"`
	Local     workqueue.LocalConfig     `yaml:"local"`
	Parent    api.ClientConfig          `yaml:"parent"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.ConfigFile, cfg.ConfigFileFlag, "", "YAML file to load configuration from.")
	f.BoolVar(&c.ExpandEnv, cfg.ExpandEnvFlag, false, "Expand ${VAR} references in the config file from the environment.")
	f.BoolVar(&c.PrintVersion, "version", false, "Print version information and exit.")
	f.BoolVar(&c.PrintConfig, "print-config-stderr", false, "Dump the effective configuration to stderr at startup.")

	f.StringVar(&c.Target, "target", All, fmt.Sprintf("What to run. Supported values are: %s, %s, %s.", Global, Local, All))

	c.Server.MetricsNamespace = "gridqueue"
	c.registerServerFlags(f)
	c.Store.RegisterFlagsWithPrefix("", f)
	c.Catalog.RegisterFlagsWithPrefix("", f)
	c.Registry.RegisterFlagsWithPrefix("", f)
	c.Capacity.RegisterFlagsWithPrefix("", f)
	c.Simulated.RegisterFlagsWithPrefix("", f)
	c.Archive.RegisterFlagsWithPrefix("", f)
	c.Global.RegisterFlagsWithPrefix("global.", f)
	c.Local.RegisterFlagsWithPrefix("local.", f)
	c.Parent.RegisterFlagsWithPrefix("parent.", f)
}

// registerServerFlags registers the dskit server flags with gridqueue's
// default HTTP port.
func (c *Config) registerServerFlags(f *flag.FlagSet) {
	throwaway := flag.NewFlagSet("server", flag.PanicOnError)
	c.Server.RegisterFlags(throwaway)
	throwaway.VisitAll(func(fl *flag.Flag) {
		if fl.Name == "server.http-listen-port" {
			_ = fl.Value.Set(strconv.Itoa(DefaultHTTPPort))
			fl.DefValue = strconv.Itoa(DefaultHTTPPort)
		}
		f.Var(fl.Value, fl.Name, fl.Usage)
	})
}

// Validate checks the sections the target uses.
func (c *Config) Validate() error {
	runsGlobal, runsLocal := false, false
	switch c.Target {
	case Global:
		runsGlobal = true
	case Local:
		runsLocal = true
	case All:
		runsGlobal, runsLocal = true, true
	default:
		return fmt.Errorf("unsupported target %q", c.Target)
	}

	if err := c.Server.Validate(); err != nil {
		return errors.Wrap(err, "invalid server config")
	}
	if err := c.Store.Validate(); err != nil {
		return errors.Wrap(err, "invalid store config")
	}
	if err := c.Catalog.Validate(); err != nil {
		return errors.Wrap(err, "invalid catalog config")
	}
	if runsGlobal {
		if err := c.Archive.Validate(); err != nil {
			return errors.Wrap(err, "invalid archive config")
		}
		if err := c.Global.Validate(); err != nil {
			return errors.Wrap(err, "invalid global queue config")
		}
	}
	if runsLocal {
		if err := c.Local.Validate(); err != nil {
			return errors.Wrap(err, "invalid local queue config")
		}
		if err := c.Capacity.Validate(); err != nil {
			return errors.Wrap(err, "invalid capacity config")
		}
	}
	if c.Target == Local && c.Parent.Address == "" {
		return errors.New("a local queue needs a parent address")
	}
	if c.Target == All && c.Local.Relay {
		return errors.New("the in-process local queue cannot be a relay")
	}
	return nil
}
