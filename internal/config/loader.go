package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables understood by the loader.
const (
	EnvFileVar      = "WHISPER_ENV_FILE"
	ConfigFileVar   = "WHISPER_CONFIG_FILE"
	ModuleConfigVar = "WHISPER_MODULE_CONFIG"
)

// DefaultEnvFile is read when WHISPER_ENV_FILE is unset and the file exists.
const DefaultEnvFile = ".env"

// Loader loads configuration from environment variables and optional files.
// Tests can override Lookup to inject deterministic maps.
type Loader struct {
	Lookup func(string) (string, bool)
	// ReadFile reads the .env and YAML files; defaults to os.ReadFile.
	ReadFile func(string) ([]byte, error)
}

// Load assembles the configuration and validates it.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}
	if l.ReadFile == nil {
		l.ReadFile = os.ReadFile
	}

	cfg := Config{
		ListenAddr: DefaultListenAddr,
	}

	dotenv, err := l.readEnvFile()
	if err != nil {
		return Config{}, err
	}
	fromDotenv := func(key string) (string, bool) {
		value, ok := dotenv[key]
		return value, ok
	}
	// Process environment first, .env as fallback.
	lookup := func(key string) (string, bool) {
		if value, ok := l.Lookup(key); ok {
			return value, ok
		}
		return fromDotenv(key)
	}

	if err := applyEnv(fromDotenv, &cfg); err != nil {
		return Config{}, err
	}

	if path, ok := lookup(ConfigFileVar); ok && strings.TrimSpace(path) != "" {
		data, err := l.ReadFile(strings.TrimSpace(path))
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := applyYAML(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if raw, ok := lookup(ModuleConfigVar); ok && strings.TrimSpace(raw) != "" {
		if err := applyJSON(raw, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(l.Lookup, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (l Loader) readEnvFile() (map[string]string, error) {
	path, explicit := l.Lookup(EnvFileVar)
	path = strings.TrimSpace(path)
	if !explicit || path == "" {
		path, explicit = DefaultEnvFile, false
	}
	data, err := l.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	values, err := godotenv.UnmarshalBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}

// fileConfig is the shape of the YAML file and the JSON payload. Absent
// fields leave the current value untouched.
type fileConfig struct {
	ListenAddr     *string  `yaml:"listen_addr" json:"listen_addr"`
	HTTPAddr       *string  `yaml:"http_addr" json:"http_addr"`
	LogLevel       *string  `yaml:"log_level" json:"log_level"`
	ModelVariant   *string  `yaml:"model_variant" json:"model_variant"`
	Language       *string  `yaml:"language" json:"language"`
	DataDir        *string  `yaml:"data_dir" json:"data_dir"`
	Backend        *string  `yaml:"backend" json:"backend"`
	HubEndpoint    *string  `yaml:"hub_endpoint" json:"hub_endpoint"`
	HubToken       *string  `yaml:"hub_token" json:"hub_token"`
	ForceDownload  *bool    `yaml:"force_download" json:"force_download"`
	SingleSegment  *bool    `yaml:"single_segment" json:"single_segment"`
	BeamWidth      *int     `yaml:"beam_width" json:"beam_width"`
	MaxDepth       *int     `yaml:"max_depth" json:"max_depth"`
	OverlapSeconds *float64 `yaml:"overlap_seconds" json:"overlap_seconds"`
	UseGPU         *bool    `yaml:"use_gpu" json:"use_gpu"`
	FlashAttention *bool    `yaml:"flash_attention" json:"flash_attention"`
	Threads        *int     `yaml:"threads" json:"threads"`
}

func (f fileConfig) apply(cfg *Config) {
	setString(&cfg.ListenAddr, f.ListenAddr)
	setString(&cfg.HTTPAddr, f.HTTPAddr)
	setString(&cfg.LogLevel, f.LogLevel)
	setString(&cfg.ModelVariant, f.ModelVariant)
	setString(&cfg.Language, f.Language)
	setString(&cfg.DataDir, f.DataDir)
	setString(&cfg.Backend, f.Backend)
	setString(&cfg.HubEndpoint, f.HubEndpoint)
	setString(&cfg.HubToken, f.HubToken)
	if f.ForceDownload != nil {
		cfg.ForceDownload = *f.ForceDownload
	}
	if f.SingleSegment != nil {
		cfg.SingleSegment = *f.SingleSegment
	}
	if f.BeamWidth != nil {
		cfg.BeamWidth = *f.BeamWidth
	}
	if f.MaxDepth != nil {
		cfg.MaxDepth = *f.MaxDepth
	}
	if f.OverlapSeconds != nil {
		cfg.OverlapSeconds = *f.OverlapSeconds
	}
	if f.UseGPU != nil {
		cfg.UseGPU = f.UseGPU
	}
	if f.FlashAttention != nil {
		cfg.FlashAttention = f.FlashAttention
	}
	if f.Threads != nil {
		cfg.Threads = f.Threads
	}
}

func setString(target *string, value *string) {
	if value != nil && strings.TrimSpace(*value) != "" {
		*target = strings.TrimSpace(*value)
	}
}

func applyYAML(data []byte, cfg *Config) error {
	var payload fileConfig
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("config: decode %s: %w", ConfigFileVar, err)
	}
	payload.apply(cfg)
	return nil
}

func applyJSON(raw string, cfg *Config) error {
	var payload fileConfig
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("config: decode %s: %w", ModuleConfigVar, err)
	}
	payload.apply(cfg)
	return nil
}

func applyEnv(lookup func(string) (string, bool), cfg *Config) error {
	overrideString(lookup, "WHISPER_LISTEN_ADDR", &cfg.ListenAddr)
	overrideString(lookup, "WHISPER_HTTP_ADDR", &cfg.HTTPAddr)
	overrideString(lookup, "WHISPER_LOG_LEVEL", &cfg.LogLevel)
	overrideString(lookup, "WHISPER_MODEL_VARIANT", &cfg.ModelVariant)
	overrideString(lookup, "WHISPER_LANGUAGE", &cfg.Language)
	overrideString(lookup, "WHISPER_DATA_DIR", &cfg.DataDir)
	overrideString(lookup, "WHISPER_BACKEND", &cfg.Backend)
	overrideString(lookup, "WHISPER_HUB_ENDPOINT", &cfg.HubEndpoint)
	overrideString(lookup, "HF_TOKEN", &cfg.HubToken)

	return errors.Join(
		overrideBool(lookup, "WHISPER_FORCE_DOWNLOAD", &cfg.ForceDownload),
		overrideBool(lookup, "WHISPER_SINGLE_SEGMENT", &cfg.SingleSegment),
		overrideInt(lookup, "WHISPER_BEAM_WIDTH", &cfg.BeamWidth),
		overrideInt(lookup, "WHISPER_MAX_DEPTH", &cfg.MaxDepth),
		overrideFloat(lookup, "WHISPER_OVERLAP_SECONDS", &cfg.OverlapSeconds),
		overrideBoolPtr(lookup, "WHISPERCPP_USE_GPU", &cfg.UseGPU),
		overrideBoolPtr(lookup, "WHISPERCPP_FLASH_ATTENTION", &cfg.FlashAttention),
		overrideIntPtr(lookup, "WHISPER_THREADS", &cfg.Threads),
	)
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	if lookup == nil {
		return "", false
	}
	value, ok := lookup(key)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookupTrimmed(lookup, key); ok {
		*target = value
	}
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) error {
	value, ok := lookupTrimmed(lookup, key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", key, err)
	}
	*target = parsed
	return nil
}

func overrideBoolPtr(lookup func(string) (string, bool), key string, target **bool) error {
	value, ok := lookupTrimmed(lookup, key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", key, err)
	}
	*target = &parsed
	return nil
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	value, ok := lookupTrimmed(lookup, key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", key, err)
	}
	*target = parsed
	return nil
}

func overrideIntPtr(lookup func(string) (string, bool), key string, target **int) error {
	value, ok := lookupTrimmed(lookup, key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", key, err)
	}
	*target = &parsed
	return nil
}

func overrideFloat(lookup func(string) (string, bool), key string, target *float64) error {
	value, ok := lookupTrimmed(lookup, key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", key, err)
	}
	*target = parsed
	return nil
}
