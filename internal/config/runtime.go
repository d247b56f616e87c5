package config

import (
	"os"
	"reflect"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// Runtime is the user-tunable configuration surface from §6. Every field
// maps 1:1 onto the option table there; the yaml tag is the file key, the
// env tag (sans prefix) is upper-cased and prefixed ANTIGRAVITY_.
type Runtime struct {
	QuietMode    bool   `yaml:"quiet_mode" env:"QUIET_MODE"`
	Debug        bool   `yaml:"debug" env:"DEBUG"`
	LogDir       string `yaml:"log_dir" env:"LOG_DIR"`
	KeepThinking bool   `yaml:"keep_thinking" env:"KEEP_THINKING"`

	SessionRecovery bool   `yaml:"session_recovery" env:"SESSION_RECOVERY"`
	AutoResume      bool   `yaml:"auto_resume" env:"AUTO_RESUME"`
	ResumeText      string `yaml:"resume_text" env:"RESUME_TEXT"`

	SignatureCache SignatureCacheConfig `yaml:"signature_cache"`

	EmptyResponseMaxAttempts  int   `yaml:"empty_response_max_attempts" env:"EMPTY_RESPONSE_MAX_ATTEMPTS"`
	EmptyResponseRetryDelayMs int64 `yaml:"empty_response_retry_delay_ms" env:"EMPTY_RESPONSE_RETRY_DELAY_MS"`

	ToolIDRecovery     bool `yaml:"tool_id_recovery" env:"TOOL_ID_RECOVERY"`
	ClaudeToolHardening bool `yaml:"claude_tool_hardening" env:"CLAUDE_TOOL_HARDENING"`

	ProactiveTokenRefresh bool  `yaml:"proactive_token_refresh" env:"PROACTIVE_TOKEN_REFRESH"`
	BufferSeconds         int64 `yaml:"buffer_seconds" env:"BUFFER_SECONDS"`
	CheckIntervalSeconds  int64 `yaml:"check_interval_seconds" env:"CHECK_INTERVAL_SECONDS"`
}

// SignatureCacheConfig is the §4.C tuning sub-table.
type SignatureCacheConfig struct {
	Enabled             bool  `yaml:"enabled" env:"SIGNATURE_CACHE_ENABLED"`
	MemoryTTLSeconds    int64 `yaml:"memory_ttl_seconds" env:"SIGNATURE_CACHE_MEMORY_TTL_SECONDS"`
	DiskTTLSeconds      int64 `yaml:"disk_ttl_seconds" env:"SIGNATURE_CACHE_DISK_TTL_SECONDS"`
	WriteIntervalSeconds int64 `yaml:"write_interval_seconds" env:"SIGNATURE_CACHE_WRITE_INTERVAL_SECONDS"`
}

// Defaults returns the built-in defaults from the §6 option table.
func Defaults() Runtime {
	return Runtime{
		QuietMode:    false,
		Debug:        false,
		LogDir:       DefaultLogDir(),
		KeepThinking: false,

		SessionRecovery: true,
		AutoResume:      true,
		ResumeText:      "continue",

		SignatureCache: SignatureCacheConfig{
			Enabled:              true,
			MemoryTTLSeconds:     3600,
			DiskTTLSeconds:       172800,
			WriteIntervalSeconds: 60,
		},

		EmptyResponseMaxAttempts:  4,
		EmptyResponseRetryDelayMs: 2000,

		ToolIDRecovery:      true,
		ClaudeToolHardening: true,

		ProactiveTokenRefresh: true,
		BufferSeconds:         1800,
		CheckIntervalSeconds:  300,
	}
}

const envPrefix = "ANTIGRAVITY_"

// Load layers defaults < YAML file < environment, per §6's documented
// precedence ("environment variables of the same name... override file
// values; file values override defaults").
func Load() (Runtime, error) {
	_ = godotenv.Load() // best effort; a missing .env is not an error

	cfg := Defaults()

	if data, err := os.ReadFile(RuntimeConfigPath()); err == nil {
		var fromFile Runtime
		// Start from defaults so the file may specify a subset of keys.
		fromFile = cfg
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			utils.Warn("[Config] Failed to parse %s, ignoring: %v", RuntimeConfigPath(), err)
		} else {
			cfg = fromFile
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides walks the Runtime struct (and its one nested struct) via
// reflection, looking up ANTIGRAVITY_<ENV_TAG> for every field that carries
// an env tag.
func applyEnvOverrides(cfg *Runtime) {
	overrideStruct(reflect.ValueOf(cfg).Elem())
}

func overrideStruct(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			overrideStruct(fv)
			continue
		}
		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		raw, ok := os.LookupEnv(envPrefix + tag)
		if !ok {
			continue
		}
		setFromString(fv, raw)
	}
}

func setFromString(fv reflect.Value, raw string) {
	switch fv.Kind() {
	case reflect.Bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			fv.SetBool(b)
		}
	case reflect.Int, reflect.Int64:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fv.SetInt(n)
		}
	case reflect.String:
		fv.SetString(raw)
	}
}
