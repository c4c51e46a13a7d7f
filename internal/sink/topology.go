package sink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"dbgate/internal/domain"
)

// GlobalEnvironment is the routing-table sentinel for "every environment
// without an explicit entry".
const GlobalEnvironment = "*"

// Topology is the parsed audit delivery configuration: named sink
// definitions plus a routing table from environment name to sink names.
// It is built once at startup and never mutated.
type Topology struct {
	Sinks   map[string]Config
	Routing map[string][]string
}

type topologyDoc struct {
	Sinks   map[string]yaml.Node `yaml:"sinks"`
	Routing map[string][]string  `yaml:"routing"`
}

type kindProbe struct {
	Type string `yaml:"type"`
}

// LoadTopology reads and parses a YAML topology file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return nil, fmt.Errorf("read topology %s: %w", path, err)
	}
	topo, err := ParseTopology(data)
	if err != nil {
		return nil, fmt.Errorf("topology %s: %w", path, err)
	}
	return topo, nil
}

// ParseTopology parses a YAML topology document. Unknown sink kinds and
// routing references to undefined sinks are configuration errors.
func ParseTopology(data []byte) (*Topology, error) {
	var doc topologyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, domain.ErrConfiguration("parse topology: %v", err)
	}

	topo := &Topology{
		Sinks:   make(map[string]Config, len(doc.Sinks)),
		Routing: doc.Routing,
	}

	for name, node := range doc.Sinks {
		cfg, err := decodeSinkConfig(name, node)
		if err != nil {
			return nil, err
		}
		topo.Sinks[name] = cfg
	}

	for env, names := range topo.Routing {
		for _, name := range names {
			if _, ok := topo.Sinks[name]; !ok {
				return nil, domain.ErrConfiguration(
					"routing for %q references undefined sink %q", env, name)
			}
		}
	}

	return topo, nil
}

func decodeSinkConfig(name string, node yaml.Node) (Config, error) {
	var probe kindProbe
	if err := node.Decode(&probe); err != nil {
		return nil, domain.ErrConfiguration("sink %q: %v", name, err)
	}

	var cfg Config
	var err error
	switch probe.Type {
	case KindFile:
		var c FileConfig
		err = node.Decode(&c)
		cfg = c
	case KindSyslog:
		var c SyslogConfig
		err = node.Decode(&c)
		cfg = c
	case KindHTTP:
		var c HTTPConfig
		err = node.Decode(&c)
		cfg = c
	case KindAzureMonitor:
		var c AzureMonitorConfig
		err = node.Decode(&c)
		cfg = c
	case KindCloudWatch:
		var c CloudWatchConfig
		err = node.Decode(&c)
		cfg = c
	case KindSQLite:
		var c SQLiteConfig
		err = node.Decode(&c)
		cfg = c
	default:
		return nil, domain.ErrConfiguration("sink %q: unknown sink type %q", name, probe.Type)
	}
	if err != nil {
		return nil, domain.ErrConfiguration("sink %q: %v", name, err)
	}
	return cfg, nil
}

// Build instantiates every named sink exactly once and resolves the routing
// table into live instances. A sink referenced from several routes shares one
// instance, so its Flush and Close side effects happen once per logger
// lifecycle.
func (t *Topology) Build(logger *slog.Logger) (global []domain.Sink, perEnv map[string][]domain.Sink, err error) {
	instances := make(map[string]domain.Sink, len(t.Sinks))

	// Deterministic construction order keeps startup logs stable.
	names := make([]string, 0, len(t.Sinks))
	for name := range t.Sinks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s, buildErr := New(t.Sinks[name], logger.With("sink", name))
		if buildErr != nil {
			closeAll(instances, logger)
			return nil, nil, fmt.Errorf("build sink %q: %w", name, buildErr)
		}
		instances[name] = s
	}

	perEnv = make(map[string][]domain.Sink)
	for env, sinkNames := range t.Routing {
		list := make([]domain.Sink, 0, len(sinkNames))
		for _, name := range sinkNames {
			list = append(list, instances[name])
		}
		if env == GlobalEnvironment {
			global = list
			continue
		}
		perEnv[env] = list
	}

	return global, perEnv, nil
}

func closeAll(instances map[string]domain.Sink, logger *slog.Logger) {
	for name, s := range instances {
		if closeErr := s.Close(context.Background()); closeErr != nil {
			logger.Warn("close sink during failed build", "sink", name, "error", closeErr)
		}
	}
}
