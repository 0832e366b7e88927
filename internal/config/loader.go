package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

// Load builds a Config by layering, low to high priority: spec.md §6's
// documented defaults, a project config file (if path is non-empty),
// environment variables, then cliOverrides. Each layer only overrides
// fields the layer above actually sets; the project file's raw keys are
// merged with mergeMaps (grounded on the donor's internal/web/api_config.go
// mergeMaps, used there to merge a partial patch document into persisted
// config) before being strictly decoded into a Config, the donor's
// loader.go KnownFields(true)+os.ExpandEnv pattern.
func Load(path string, cliOverrides map[string]any) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := loadRaw(path, map[string]bool{})
		if err != nil {
			return Config{}, err
		}
		if err := validateRawDocument(raw); err != nil {
			return Config{}, err
		}
		if err := decodeInto(&cfg, raw); err != nil {
			return Config{}, err
		}
	}

	applyEnvOverrides(&cfg)

	if len(cliOverrides) > 0 {
		if err := decodeInto(&cfg, cliOverrides); err != nil {
			return Config{}, err
		}
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadRaw reads path, parses it by extension (YAML or JSON5), and
// resolves `$include` keys before returning the merged raw document.
// visited guards against include cycles.
func loadRaw(path string, visited map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path %s: %w", path, err)
	}
	if visited[abs] {
		return nil, fmt.Errorf("config: include cycle at %s", path)
	}
	visited[abs] = true

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	raw, err := parseRaw(abs, expanded)
	if err != nil {
		return nil, err
	}

	includes := extractIncludes(raw)
	merged := map[string]any{}
	dir := filepath.Dir(abs)
	for _, inc := range includes {
		incPath := inc
		if !filepath.IsAbs(incPath) {
			incPath = filepath.Join(dir, incPath)
		}
		incRaw, err := loadRaw(incPath, visited)
		if err != nil {
			return nil, err
		}
		mergeMaps(merged, incRaw)
	}
	mergeMaps(merged, raw)
	return merged, nil
}

// parseRaw dispatches on file extension: .json5/.jsonc use the JSON5
// parser (a superset of JSON permitting comments and trailing commas,
// per json5.Unmarshal), everything else is parsed as YAML.
func parseRaw(path, contents string) (map[string]any, error) {
	raw := map[string]any{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json5", ".jsonc":
		if err := json5.Unmarshal([]byte(contents), &raw); err != nil {
			return nil, fmt.Errorf("config: parse json5 %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal([]byte(contents), &raw); err != nil {
			return nil, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	}
	return raw, nil
}

// extractIncludes pulls the `$include`/`include` key out of raw and
// removes it, accepting a single string, a []string, or a []any of
// strings.
func extractIncludes(raw map[string]any) []string {
	var includes []string
	for _, key := range []string{"$include", "include"} {
		val, ok := raw[key]
		if !ok {
			continue
		}
		delete(raw, key)
		switch v := val.(type) {
		case string:
			includes = append(includes, v)
		case []string:
			includes = append(includes, v...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					includes = append(includes, s)
				}
			}
		}
	}
	return includes
}

// mergeMaps deep-merges src into dst, src winning on scalar conflicts.
// Grounded on internal/web/api_config.go's mergeMaps.
func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		if existing, ok := dst[key]; ok {
			existingMap, okExisting := existing.(map[string]any)
			valueMap, okValue := value.(map[string]any)
			if okExisting && okValue {
				mergeMaps(existingMap, valueMap)
				dst[key] = existingMap
				continue
			}
		}
		dst[key] = value
	}
}

// decodeInto marshals raw back to YAML and strictly decodes it onto cfg,
// so unknown keys in a project file are rejected the way the donor's
// loader.go rejects them via yaml.Decoder.KnownFields(true).
func decodeInto(cfg *Config, raw map[string]any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: re-marshal merged document: %w", err)
	}
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("config: decode: %w", err)
	}
	return nil
}

// applyEnvOverrides applies the environment variable layer named in
// spec.md §6: `<PROVIDER>_API_KEY` per known provider, and
// CORTEXOS_DEFAULT_PROVIDER.
func applyEnvOverrides(cfg *Config) {
	if cfg.Providers.APIKeys == nil {
		cfg.Providers.APIKeys = map[string]string{}
	}
	for _, p := range KnownProviders {
		envName := strings.ToUpper(p) + "_API_KEY"
		if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
			cfg.Providers.APIKeys[p] = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("CORTEXOS_DEFAULT_PROVIDER")); v != "" {
		cfg.Providers.Default = v
	}
	if v := strings.TrimSpace(os.Getenv("CORTEXOS_BUDGET_PER_RUN")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Cost.BudgetPerRun = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("CORTEXOS_BUDGET_PER_DAY")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Cost.BudgetPerDay = f
		}
	}
}

// Validate rejects a Config spec.md §6 would consider malformed.
func Validate(cfg Config) error {
	var issues []string

	if cfg.Providers.Default == "" {
		issues = append(issues, "providers.default is required")
	} else if !isKnownProvider(cfg.Providers.Default) {
		issues = append(issues, fmt.Sprintf("providers.default %q is not a known provider", cfg.Providers.Default))
	}
	if cfg.Agents.MaxParallel <= 0 {
		issues = append(issues, "agents.max_parallel must be > 0")
	}
	if cfg.Agents.MaxIterations <= 0 {
		issues = append(issues, "agents.max_iterations must be > 0")
	}
	if cfg.Cost.BudgetPerRun <= 0 {
		issues = append(issues, "cost.budget_per_run must be > 0")
	}
	if cfg.Cost.BudgetPerDay <= 0 {
		issues = append(issues, "cost.budget_per_day must be > 0")
	}
	for _, g := range cfg.Quality.Gates {
		switch g {
		case GateSyntax, GateLint, GateTypeCheck, GateTest:
		default:
			issues = append(issues, fmt.Sprintf("quality.gates entry %q is not a known gate", g))
		}
	}
	if cfg.Quality.MaxRetries < 0 {
		issues = append(issues, "quality.max_retries must be >= 0")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError reports every rejected field at once, mirroring the
// donor's ConfigValidationError.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}
