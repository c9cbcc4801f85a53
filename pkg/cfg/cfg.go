// Package cfg loads configuration from flag defaults, a YAML file and
// command line flags, in that order of precedence.
package cfg

import (
	"bytes"
	"flag"
	"io"
	"os"
	"reflect"

	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	ConfigFileFlag = "config.file"
	ExpandEnvFlag  = "config.expand-env"
)

// Source is a generic configuration source. It is passed the destination,
// which may already contain data from previous sources.
type Source func(dst flagext.Registerer) error

// Unmarshal applies the sources to dst in order.
func Unmarshal(dst flagext.Registerer, sources ...Source) error {
	if len(sources) == 0 {
		panic("no sources supplied to cfg.Unmarshal")
	}
	for _, source := range sources {
		if err := source(dst); err != nil {
			return errors.Wrap(err, "sourcing")
		}
	}
	return nil
}

// Parse registers the flags of dst on fs, loads the YAML file named by
// -config.file and finally applies the flags set in args. dst must be a
// pointer to a struct.
func Parse(dst flagext.Registerer, fs *flag.FlagSet, args []string) error {
	if reflect.ValueOf(dst).Kind() != reflect.Ptr {
		panic("dst not a pointer")
	}
	return Unmarshal(dst,
		Defaults(fs),
		ConfigFile(args),
		Flags(fs, args),
	)
}

// Defaults sets the flag defaults on dst by registering its flags on fs.
func Defaults(fs *flag.FlagSet) Source {
	return func(dst flagext.Registerer) error {
		dst.RegisterFlags(fs)
		return nil
	}
}

// ConfigFile loads the YAML file named by the config file flag in args. It
// does nothing when dst has no such flag or the flag is unset.
func ConfigFile(args []string) Source {
	return func(dst flagext.Registerer) error {
		// Flags are parsed into a fresh instance so dst keeps its defaults.
		fresh := reflect.New(reflect.Indirect(reflect.ValueOf(dst)).Type()).Interface().(flagext.Registerer)
		fs := flag.NewFlagSet("config-file-loader", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		fresh.RegisterFlags(fs)
		if err := fs.Parse(args); err != nil {
			return err
		}

		file := fs.Lookup(ConfigFileFlag)
		if file == nil || file.Value.String() == "" {
			return nil
		}
		expand := false
		if f := fs.Lookup(ExpandEnvFlag); f != nil {
			expand = f.Value.String() == "true"
		}
		return YAMLFile(file.Value.String(), expand)(dst)
	}
}

// YAMLFile decodes a YAML file into dst, optionally expanding environment
// variable references first. Unknown fields are rejected.
func YAMLFile(path string, expandEnv bool) Source {
	return func(dst flagext.Registerer) error {
		buf, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "read config file")
		}
		return YAML(buf, expandEnv)(dst)
	}
}

// YAML decodes buf into dst.
func YAML(buf []byte, expandEnv bool) Source {
	return func(dst flagext.Registerer) error {
		if expandEnv {
			buf = []byte(os.ExpandEnv(string(buf)))
		}
		dec := yaml.NewDecoder(bytes.NewReader(buf))
		dec.KnownFields(true)
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrap(err, "decode yaml")
		}
		return nil
	}
}

// Flags applies the flags set in args. Flags left unset keep the value of
// previous sources.
func Flags(fs *flag.FlagSet, args []string) Source {
	return func(flagext.Registerer) error {
		return fs.Parse(args)
	}
}

// Dump renders cfg as YAML.
func Dump(cfg interface{}) (string, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
