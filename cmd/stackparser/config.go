package main

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dotnet/corefx-tools/pkg/symbolizer"
	"github.com/dotnet/corefx-tools/pkg/symstore"
)

type config struct {
	SymStore   symstore.Config   `yaml:"symstore"`
	Symbolizer symbolizer.Config `yaml:"symbolizer"`
}

func defaultConfig() config {
	return config{
		SymStore:   symstore.DefaultConfig(),
		Symbolizer: symbolizer.DefaultConfig(),
	}
}

// loadConfig reads path over the defaults. An empty path yields the
// defaults.
func loadConfig(path string) (config, error) {
	conf := defaultConfig()
	if path == "" {
		return conf, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return conf, errors.Wrap(err, "reading config file")
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err = dec.Decode(&conf); err != nil && !errors.Is(err, io.EOF) {
		return conf, errors.Wrapf(err, "parsing config file %s", path)
	}
	if err = conf.SymStore.Validate(); err != nil {
		return conf, errors.Wrap(err, "invalid symstore config")
	}
	if err = conf.Symbolizer.Validate(); err != nil {
		return conf, errors.Wrap(err, "invalid symbolizer config")
	}
	return conf, nil
}
