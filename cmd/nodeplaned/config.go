// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v2"

	"github.com/nodeplane/nodeplane/worker/director"
)

// Store kinds the daemon knows how to open.
const (
	storeMongoDB = "mongodb"
	storeMemory  = "memory"
)

// config is the daemon's effective configuration once the file and
// the command line have been merged.
type config struct {
	ListenAddr    string
	Store         string
	MongoAddrs    []string
	MongoDatabase string
	MongoTimeout  time.Duration
	SweepInterval time.Duration
	LogConfig     string
	LogFile       string
}

// defaultConfig returns the configuration used when neither the file
// nor the flags say otherwise: mongo on localhost, sweeping once a
// second.
func defaultConfig() *config {
	return &config{
		ListenAddr:    ":17712",
		Store:         storeMongoDB,
		MongoAddrs:    []string{"localhost:27017"},
		MongoDatabase: "nodeplane",
		MongoTimeout:  10 * time.Second,
		SweepInterval: director.DefaultSweepInterval,
	}
}

// configChecker validates the config file. Every field is optional;
// defaults are applied Go-side so the file only needs to mention what
// it changes. Unknown keys are ignored, which lets old daemons read
// newer files.
var configChecker = schema.FieldMap(schema.Fields{
	"listen-addr":    schema.NonEmptyString("listen-addr"),
	"store":          schema.NonEmptyString("store"),
	"mongo-addrs":    schema.List(schema.String()),
	"mongo-database": schema.NonEmptyString("mongo-database"),
	"mongo-timeout":  schema.TimeDuration(),
	"sweep-interval": schema.TimeDuration(),
	"log-config":     schema.String(),
	"log-file":       schema.String(),
}, schema.Defaults{
	"listen-addr":    schema.Omit,
	"store":          schema.Omit,
	"mongo-addrs":    schema.Omit,
	"mongo-database": schema.Omit,
	"mongo-timeout":  schema.Omit,
	"sweep-interval": schema.Omit,
	"log-config":     schema.Omit,
	"log-file":       schema.Omit,
})

// readConfig loads the config file at path on top of the defaults.
// An empty path means defaults only.
func readConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config file")
	}
	if err := cfg.apply(data); err != nil {
		return nil, errors.Annotatef(err, "config file %q", path)
	}
	return cfg, nil
}

// apply overlays the YAML document in data onto cfg.
func (cfg *config) apply(data []byte) error {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return errors.Annotate(err, "parsing YAML")
	}
	if len(raw) == 0 {
		return nil
	}
	coerced, err := configChecker.Coerce(raw, nil)
	if err != nil {
		return errors.NewNotValid(err, "invalid configuration")
	}
	fields := coerced.(map[string]interface{})
	if v, ok := fields["listen-addr"]; ok {
		cfg.ListenAddr = v.(string)
	}
	if v, ok := fields["store"]; ok {
		cfg.Store = v.(string)
	}
	if v, ok := fields["mongo-addrs"]; ok {
		raw := v.([]interface{})
		cfg.MongoAddrs = make([]string, len(raw))
		for i, addr := range raw {
			cfg.MongoAddrs[i] = addr.(string)
		}
	}
	if v, ok := fields["mongo-database"]; ok {
		cfg.MongoDatabase = v.(string)
	}
	if v, ok := fields["mongo-timeout"]; ok {
		cfg.MongoTimeout = v.(time.Duration)
	}
	if v, ok := fields["sweep-interval"]; ok {
		cfg.SweepInterval = v.(time.Duration)
	}
	if v, ok := fields["log-config"]; ok {
		cfg.LogConfig = v.(string)
	}
	if v, ok := fields["log-file"]; ok {
		cfg.LogFile = v.(string)
	}
	return nil
}

// Validate returns an error if the configuration cannot run a daemon.
func (cfg *config) Validate() error {
	if cfg.ListenAddr == "" {
		return errors.NotValidf("empty listen-addr")
	}
	switch cfg.Store {
	case storeMongoDB:
		if len(cfg.MongoAddrs) == 0 {
			return errors.NotValidf("empty mongo-addrs")
		}
		if cfg.MongoDatabase == "" {
			return errors.NotValidf("empty mongo-database")
		}
		if cfg.MongoTimeout <= 0 {
			return errors.NotValidf("non-positive mongo-timeout")
		}
	case storeMemory:
	default:
		return errors.NotValidf("store %q", cfg.Store)
	}
	if cfg.SweepInterval <= 0 {
		return errors.NotValidf("non-positive sweep-interval")
	}
	return nil
}
