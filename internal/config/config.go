// Package config parses the servers file: the named output writers and the
// servers whose queries reference them.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nmslite/nmstrans/internal/metrics"
	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
	"github.com/nmslite/nmstrans/internal/reader/snmp"
	"github.com/nmslite/nmstrans/internal/reader/winrm"
)

type File struct {
	Writers map[string]WriterDef `yaml:"writers" validate:"dive"`
	Servers []ServerDef          `yaml:"servers" validate:"required,min=1,dive"`
}

type WriterDef struct {
	Type     string    `yaml:"type" validate:"required"`
	Settings yaml.Node `yaml:"settings"`
}

type ServerDef struct {
	Host             string     `yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port             int        `yaml:"port" validate:"min=0,max=65535"`
	Alias            string     `yaml:"alias"`
	Protocol         string     `yaml:"protocol" validate:"required"`
	Cron             string     `yaml:"cron"`
	RunPeriodSeconds int        `yaml:"run_period_seconds" validate:"min=0"`
	Community        string     `yaml:"community"`
	Username         string     `yaml:"username"`
	Password         string     `yaml:"password"`
	UseHTTPS         bool       `yaml:"use_https"`
	Queries          []QueryDef `yaml:"queries" validate:"required,min=1,dive"`
}

type QueryDef struct {
	ObjectName  string   `yaml:"object_name" validate:"required"`
	Attributes  []string `yaml:"attributes"`
	ResultAlias string   `yaml:"result_alias"`
	TypeNames   []string `yaml:"type_names"`
	Writers     []string `yaml:"writers" validate:"required,min=1,dive,required"`
}

// LoadFile reads and parses the servers file at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read servers file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("servers file %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a servers file. Every writer a query names
// must be defined under writers.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse servers file: %w", err)
	}
	if err := output.ValidateStruct(&f); err != nil {
		return nil, err
	}

	for i, s := range f.Servers {
		for j, q := range s.Queries {
			for _, name := range q.Writers {
				if _, ok := f.Writers[name]; !ok {
					return nil, fmt.Errorf("servers[%d] %s: queries[%d] %s: undefined writer %q", i, s.Host, j, q.ObjectName, name)
				}
			}
		}
	}
	return &f, nil
}

// BuildOptions carries what writer factories need.
type BuildOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// Protocols, when set, restricts servers to the readers available.
	Protocols []string
}

// Build constructs every referenced writer once and returns the servers in
// file order. Queries naming the same writer share the instance.
func (f *File) Build(opts BuildOptions) ([]*model.Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")

	if len(opts.Protocols) > 0 {
		known := make(map[string]bool, len(opts.Protocols))
		for _, p := range opts.Protocols {
			known[strings.ToLower(p)] = true
		}
		for i, s := range f.Servers {
			if !known[strings.ToLower(s.Protocol)] {
				return nil, fmt.Errorf("servers[%d] %s: unsupported protocol %q (available: %v)", i, s.Host, s.Protocol, opts.Protocols)
			}
		}
	}

	used := make(map[string]bool)
	for _, s := range f.Servers {
		for _, q := range s.Queries {
			for _, name := range q.Writers {
				used[name] = true
			}
		}
	}

	names := make([]string, 0, len(f.Writers))
	for name := range f.Writers {
		names = append(names, name)
	}
	sort.Strings(names)

	writers := make(map[string]output.Writer, len(used))
	for _, name := range names {
		if !used[name] {
			logger.Warn("writer defined but not used by any query", "writer", name)
			continue
		}
		def := f.Writers[name]
		w, err := output.Build(output.Spec{
			Name:     name,
			Type:     def.Type,
			Settings: def.Settings,
			Logger:   opts.Logger,
			Metrics:  opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		writers[name] = w
	}

	servers := make([]*model.Server, 0, len(f.Servers))
	for _, s := range f.Servers {
		server := &model.Server{
			Host:      s.Host,
			Port:      s.Port,
			Alias:     s.Alias,
			Cron:      s.Cron,
			RunPeriod: time.Duration(s.RunPeriodSeconds) * time.Second,
			Protocol:  s.Protocol,
			Community: s.Community,
			Username:  s.Username,
			Password:  s.Password,
			UseHTTPS:  s.UseHTTPS,
		}
		if server.Port == 0 {
			server.Port = defaultPort(s)
		}
		for _, q := range s.Queries {
			query := &model.Query{
				ObjectName:  q.ObjectName,
				Attributes:  q.Attributes,
				ResultAlias: q.ResultAlias,
				TypeNames:   q.TypeNames,
			}
			for _, name := range q.Writers {
				query.Writers = append(query.Writers, writers[name])
			}
			server.Queries = append(server.Queries, query)
		}
		servers = append(servers, server)
	}

	logger.Info("servers file loaded", "servers", len(servers), "writers", len(writers))
	return servers, nil
}

func defaultPort(s ServerDef) int {
	switch strings.ToLower(s.Protocol) {
	case snmp.Protocol:
		return snmp.DefaultPort
	case winrm.Protocol:
		if s.UseHTTPS {
			return winrm.DefaultHTTPSPort
		}
		return winrm.DefaultHTTPPort
	}
	return 0
}
