package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAMLFileLoader reads raw config from a YAML document. A missing file yields
// an empty map when Optional is set.
type YAMLFileLoader struct {
	Path     string
	Optional bool
}

func (l YAMLFileLoader) LoadRaw(context.Context) (map[string]any, error) {
	path := strings.TrimSpace(l.Path)
	if path == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if l.Optional && os.IsNotExist(err) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("core: read config file %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("core: parse config file %s: %w", path, err)
	}
	return raw, nil
}

const EnvPrefix = "WORKWX_"

type envBinding struct {
	path    []string
	integer bool
}

var envBindings = map[string]envBinding{
	"SERVICE_NAME":           {path: []string{"service_name"}},
	"ENVIRONMENT":            {path: []string{"environment"}},
	"CORP_ID":                {path: []string{"corp_id"}},
	"CORP_SECRET":            {path: []string{"corp_secret"}},
	"AGENT_ID":               {path: []string{"agent_id"}},
	"BASE_URL":               {path: []string{"base_url"}},
	"SAFETY_MARGIN_SECONDS":  {path: []string{"credentials", "safety_margin_seconds"}, integer: true},
	"JSON_TIMEOUT_SECONDS":   {path: []string{"timeouts", "json_seconds"}, integer: true},
	"BINARY_TIMEOUT_SECONDS": {path: []string{"timeouts", "binary_seconds"}, integer: true},
	"SUITE_ID":               {path: []string{"suite", "suite_id"}},
	"SUITE_SECRET":           {path: []string{"suite", "suite_secret"}},
}

// EnvLoader reads WORKWX_* variables. Lookup defaults to os.LookupEnv.
type EnvLoader struct {
	Prefix string
	Lookup func(key string) (string, bool)
}

func (l EnvLoader) LoadRaw(context.Context) (map[string]any, error) {
	prefix := l.Prefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	raw := map[string]any{}
	for name, binding := range envBindings {
		value, ok := lookup(prefix + name)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		var typed any = strings.TrimSpace(value)
		if binding.integer {
			parsed, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("core: %s%s must be an integer: %w", prefix, name, err)
			}
			typed = parsed
		}
		setPath(raw, binding.path, typed)
	}
	return raw, nil
}

// ChainLoader merges loaders in order; later loaders win per key.
type ChainLoader []RawConfigLoader

func (c ChainLoader) LoadRaw(ctx context.Context) (map[string]any, error) {
	merged := map[string]any{}
	for _, loader := range c {
		if loader == nil {
			continue
		}
		raw, err := loader.LoadRaw(ctx)
		if err != nil {
			return nil, err
		}
		mergeRaw(merged, raw)
	}
	return merged, nil
}

func setPath(target map[string]any, path []string, value any) {
	for _, key := range path[:len(path)-1] {
		next, ok := target[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			target[key] = next
		}
		target = next
	}
	target[path[len(path)-1]] = value
}

func mergeRaw(target map[string]any, source map[string]any) {
	for key, value := range source {
		nested, ok := value.(map[string]any)
		if !ok {
			target[key] = value
			continue
		}
		existing, ok := target[key].(map[string]any)
		if !ok {
			existing = map[string]any{}
			target[key] = existing
		}
		mergeRaw(existing, nested)
	}
}

var (
	_ RawConfigLoader = YAMLFileLoader{}
	_ RawConfigLoader = EnvLoader{}
	_ RawConfigLoader = ChainLoader{}
)
