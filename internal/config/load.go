package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/autotrader/internal/numeric"
)

// EnvPrefix marks environment overrides. Path segments are separated by a
// double underscore: TRADING_BOT__ENGINE__MODE=paper.
const EnvPrefix = "TRADING_BOT__"

// Load reads path, merges environment overrides over it and decodes the result
// onto Default.
func Load(ctx context.Context, path string) (AppConfig, error) {
	raw, err := readFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	return build(ctx, raw, os.Environ())
}

// LoadOrDefault behaves like Load but falls back to defaults plus environment
// overrides when the file does not exist. The boolean reports whether the file
// was read.
func LoadOrDefault(ctx context.Context, path string) (AppConfig, bool, error) {
	raw, err := readFile(path)
	switch {
	case err == nil:
		cfg, err := build(ctx, raw, os.Environ())
		return cfg, true, err
	case errors.Is(err, fs.ErrNotExist):
		cfg, err := build(ctx, map[string]any{}, os.Environ())
		return cfg, false, err
	default:
		return AppConfig{}, false, err
	}
}

func build(ctx context.Context, raw map[string]any, environ []string) (AppConfig, error) {
	if err := ctx.Err(); err != nil {
		return AppConfig{}, err
	}
	for key, value := range envOverrides(environ) {
		insert(raw, key, value)
	}
	cfg := Default()
	if err := decode(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func readFile(path string) (map[string]any, error) {
	file, err := os.Open(filepath.Clean(strings.TrimSpace(path))) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, fmt.Errorf("open app config: %w", err)
	}
	defer func() { _ = file.Close() }()

	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(bytes, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

// envOverrides collects prefixed variables keyed by their lower-cased path.
func envOverrides(environ []string) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		path := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		if path == "" {
			continue
		}
		out[path] = value
	}
	return out
}

// insert sets value at the __-separated path, matching existing keys
// case-insensitively and replacing non-map intermediates.
func insert(node map[string]any, path, value string) {
	parts := strings.Split(path, "__")
	for _, part := range parts[:len(parts)-1] {
		key := matchKey(node, part)
		next, ok := node[key].(map[string]any)
		if !ok {
			next = map[string]any{}
			node[key] = next
		}
		node = next
	}
	node[matchKey(node, parts[len(parts)-1])] = value
}

func matchKey(node map[string]any, key string) string {
	for existing := range node {
		if strings.EqualFold(existing, key) {
			return existing
		}
	}
	return key
}

func decode(raw map[string]any, out *AppConfig) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			numeric.DecimalHook(),
			timeHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

var timeType = reflect.TypeOf(time.Time{})

// timeHook accepts RFC 3339 strings and the time.Time values yaml.v3 produces
// for timestamps.
func timeHook(from, to reflect.Type, data any) (any, error) {
	if to != timeType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339, strings.TrimSpace(v))
	case time.Time:
		return v, nil
	default:
		return data, nil
	}
}
