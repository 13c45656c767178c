package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/c360/dbusbridge/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DBUSBRIDGE"

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPrefix: EnvPrefix,
		getenv:    os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers win.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load run Config.Validate on the result
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load starts from the defaults, deep-merges every layer, checks the merged
// document against the schema and applies environment overrides.
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Default())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", "load "+path)
		}
		merged = deepMergeMaps(merged, raw)
	}

	if err := validateSchema(merged); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "check schema")
	}

	data, err := sonic.Marshal(merged)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "encode merged config")
	}
	var cfg Config
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "decode merged config")
	}

	if err := l.applyEnvOverrides(&cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "Load", "apply environment")
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// loadRaw reads one layer as a generic document
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := formatOf(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch f {
	case formatYAML:
		err = yaml.Unmarshal(data, &raw)
	default:
		err = sonic.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := validateDepth(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Arrays are replaced, not appended.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := sonic.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// SchemaError lists every schema violation of a document
type SchemaError struct {
	Violations []string
}

func (e *SchemaError) Error() string {
	return "config does not match schema: " + strings.Join(e.Violations, "; ")
}

func validateSchema(doc map[string]any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}

	se := &SchemaError{}
	for _, desc := range result.Errors() {
		se.Violations = append(se.Violations, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return se
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(name string) (string, bool, error) {
		key := l.envPrefix + "_" + name
		val := l.getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", false, err
		}
		return val, val != "", nil
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"BUS_ADDRESS", &cfg.Bus.Address},
		{"MESH_ROOT", &cfg.Mesh.Root},
		{"MESH_BUCKET", &cfg.Mesh.Bucket},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
	}
	for _, s := range strs {
		val, ok, err := lookup(s.name)
		if err != nil {
			return err
		}
		if ok {
			*s.dst = val
		}
	}

	val, ok, err := lookup("NATS_URLS")
	if err != nil {
		return err
	}
	if ok {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	val, ok, err = lookup("METRICS_PORT")
	if err != nil {
		return err
	}
	if ok {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_METRICS_PORT: %w", l.envPrefix, err)
		}
		cfg.Metrics.Port = port
	}
	return nil
}
