package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"warehouse-choreography/shared/events"
)

// Config maps event types to streams. Anything not listed goes to DefaultStream.
type Config struct {
	DefaultStream string            `json:"default_stream" yaml:"default_stream"`
	Routes        map[string]string `json:"routes" yaml:"routes"`
}

type Resolver struct {
	defaultStream string
	routes        map[string]string
}

// New builds the resolver every service starts from: its own stream by default and
// tenant lifecycle facts on the shared tenant stream.
func New(serviceStream string, tenantStream string) Resolver {
	r := Resolver{
		defaultStream: strings.TrimSpace(serviceStream),
		routes:        map[string]string{},
	}
	if tenantStream = strings.TrimSpace(tenantStream); tenantStream != "" {
		r.routes[events.TypeTenantSchemaCreated] = tenantStream
	}
	return r
}

// Load overlays the routes file at path on base. An empty path returns base unchanged.
func Load(base Resolver, path string) (Resolver, error) {
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Resolver{}, fmt.Errorf("read stream routes: %w", err)
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	default:
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return Resolver{}, fmt.Errorf("parse stream routes: %w", err)
	}

	out := Resolver{defaultStream: base.defaultStream, routes: map[string]string{}}
	for k, v := range base.routes {
		out.routes[k] = v
	}
	if s := strings.TrimSpace(cfg.DefaultStream); s != "" {
		out.defaultStream = s
	}
	for eventType, stream := range cfg.Routes {
		eventType = strings.TrimSpace(eventType)
		stream = strings.TrimSpace(stream)
		if eventType == "" || stream == "" {
			return Resolver{}, errors.New("stream route must include event type and stream")
		}
		out.routes[eventType] = stream
	}
	if out.defaultStream == "" {
		return Resolver{}, errors.New("default_stream is required")
	}
	return out, nil
}

func (r Resolver) Stream(ev events.DomainEvent) string {
	if v, ok := r.routes[ev.EventType]; ok {
		return v
	}
	return r.defaultStream
}
