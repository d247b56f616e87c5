// Package config provides protocol constants and the layered runtime
// configuration surface for the proxy.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/opencode-ai/antigravity-broker/internal/utils"
)

// Upstream base URLs, in the fallback order required for each operation.
// loadCodeAssist prefers prod (works better for fresh, unprovisioned
// accounts); generation prefers the daily sandbox first.
const (
	UpstreamProd         = "https://cloudcode-pa.googleapis.com"
	UpstreamDailySandbox = "https://daily-cloudcode-pa.sandbox.googleapis.com"
	UpstreamAutopush     = "https://autopush-cloudcode-pa.sandbox.googleapis.com"
)

var GenerationEndpoints = []string{UpstreamDailySandbox, UpstreamAutopush, UpstreamProd}
var LoadCodeAssistEndpoints = []string{UpstreamProd, UpstreamDailySandbox, UpstreamAutopush}
var OnboardUserEndpoints = GenerationEndpoints

// DefaultProjectID is the last-resort fallback project id (§4.F step 4).
const DefaultProjectID = "rising-fact-p41fc"

// DefaultPort is the default bind port for cmd/server.
const DefaultPort = 8080

// HeaderStyle selects the HTTP header tuple sent with a request.
type HeaderStyle string

const (
	HeaderStyleAntigravity HeaderStyle = "antigravity"
	HeaderStyleGeminiCLI   HeaderStyle = "gemini-cli"
)

// HeaderTuple carries the three headers a HeaderStyle contributes.
type HeaderTuple struct {
	UserAgent      string
	APIClient      string
	ClientMetadata string
}

// Headers returns the header tuple for a style.
func Headers(style HeaderStyle) HeaderTuple {
	switch style {
	case HeaderStyleGeminiCLI:
		return HeaderTuple{
			UserAgent:      "google-api-nodejs-client/9.15.1",
			APIClient:      "gl-node/22.17.0",
			ClientMetadata: "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI",
		}
	default:
		return HeaderTuple{
			UserAgent:      "antigravity/1.11.5 " + platformString(),
			APIClient:      "google-cloud-sdk vscode_cloudshelleditor/0.1",
			ClientMetadata: `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`,
		}
	}
}

func platformString() string {
	switch runtime.GOOS {
	case "windows":
		return "windows/amd64"
	case "darwin":
		return "darwin/" + runtime.GOARCH
	default:
		return "linux/" + runtime.GOARCH
	}
}

// ClientMetadata mirrors the numeric enum the upstream's loadCodeAssist/
// onboardUser calls expect, distinct from the string form above.
type ClientMetadata struct {
	IdeType     int    `json:"ideType"`
	Platform    int    `json:"platform"`
	PluginType  int    `json:"pluginType"`
	DuetProject string `json:"duetProject,omitempty"`
}

const (
	IdeTypeUnspecified = 0
	IdeTypePlugins     = 7

	PlatformUnspecified = 0
	PlatformWindows     = 1
	PlatformLinux       = 2
	PlatformMacOS       = 3

	PluginTypeUnspecified = 0
	PluginTypeGemini      = 2
)

func platformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnspecified
	}
}

// DefaultClientMetadata builds the metadata object sent to loadCodeAssist
// and onboardUser (§4.F).
func DefaultClientMetadata(duetProject string) ClientMetadata {
	return ClientMetadata{
		IdeType:     IdeTypePlugins,
		Platform:    platformEnum(),
		PluginType:  PluginTypeGemini,
		DuetProject: duetProject,
	}
}

func (m ClientMetadata) JSON() string {
	b, _ := json.Marshal(m)
	return string(b)
}

// OAuth constants (§6). Hard-coded public CLI client id/secret pair,
// matching the upstream's own CLI tooling.
var OAuth = struct {
	ClientID              string
	ClientSecret          string
	AuthURL               string
	TokenURL              string
	UserInfoURL           string
	RedirectURI           string
	CallbackPort          int
	CallbackFallbackPorts []int
	Scopes                []string
}{
	ClientID:              "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret:          "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",
	AuthURL:               "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:              "https://oauth2.googleapis.com/token",
	UserInfoURL:           "https://www.googleapis.com/oauth2/v1/userinfo",
	RedirectURI:           "http://localhost:51121/oauth-callback",
	CallbackPort:          oauthCallbackPort(),
	CallbackFallbackPorts: []int{51122, 51123, 51124, 51125, 51126},
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
}

// oauthCallbackPort allows overriding the loopback OAuth callback port for
// environments where 51121 is already taken.
func oauthCallbackPort() int {
	if portStr := utils.Getenv("OAUTH_CALLBACK_PORT"); portStr != "" {
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err == nil && port > 0 {
			return port
		}
	}
	return 51121
}

// Timing and retry constants that are protocol facts, not user tunables.
const (
	ClockSkewBufferMs      = 60 * 1000
	AccessTokenCacheMs     = 5 * 60 * 1000
	RateLimitDedupWindowMs = 2000
	RateLimitStateResetMs  = 10 * 60 * 1000
	FirstRetryDelayMs      = 1000
	MinBackoffMs           = 2000
	CapacityJitterMaxMs    = 10000
	MinSignatureLength     = 50
	ToastDebounceMs        = 30 * 1000
	AnthropicBetaHeader    = "anthropic-beta"
	InterleavedThinking    = "interleaved-thinking-2025-05-14"
	ClaudeMinMaxOutputTok  = 64000
	GeminiDefaultMaxTokens = 16384
	GeminiMaxOutputTokens  = 65536

	// GeminiSkipSignature marks a tool_use part as deliberately unsigned —
	// the upstream accepts this sentinel in place of a real thoughtSignature
	// when none was ever cached for that tool call id.
	GeminiSkipSignature = "skip_thought_signature_validator"
)

// CapacityBackoffTiersMs is progressive backoff for model-capacity 5xx/429s.
var CapacityBackoffTiersMs = []int64{5000, 10000, 20000, 30000, 60000}

// QuotaExhaustedBackoffTiersMs is progressive backoff for QUOTA_EXHAUSTED.
var QuotaExhaustedBackoffTiersMs = []int64{60000, 300000, 1800000, 7200000}

const (
	// DispatcherMaxAccountAttempts bounds how many distinct accounts the
	// Dispatcher tries before giving up on a single request (§4.L step 9).
	DispatcherMaxAccountAttempts = 5

	// DispatcherMaxCapacityRetries bounds same-account, same-endpoint
	// retries for a model-capacity 429/503/529 before rotating accounts.
	DispatcherMaxCapacityRetries = 3

	// DispatcherMaxWaitBeforeErrorMs is the ceiling on how long the
	// Dispatcher will sleep waiting for any account's quota to free up
	// before returning 429 to the host instead (§4.L step 2).
	DispatcherMaxWaitBeforeErrorMs = 2 * 60 * 1000

	// DispatcherSwitchAccountDelayMs is a short grace sleep before rotating
	// off an account whose quota just got marked exhausted, so a handful of
	// in-flight sibling requests don't all pile onto the next account at
	// once.
	DispatcherSwitchAccountDelayMs = 500
)

// BackoffByErrorType is smart backoff by error classification.
var BackoffByErrorType = map[string]int64{
	"RATE_LIMIT_EXCEEDED":      30000,
	"MODEL_CAPACITY_EXHAUSTED": 15000,
	"SERVER_ERROR":             20000,
	"UNKNOWN":                  60000,
}

// configDir returns the platform config directory ($XDG_CONFIG_HOME/opencode
// or %APPDATA%/opencode), matching §4.A.
func configDir() string {
	home := utils.HomeDir()
	if runtime.GOOS == "windows" {
		if appdata := utils.Getenv("APPDATA"); appdata != "" {
			return filepath.Join(appdata, "opencode")
		}
	}
	if xdg := utils.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "opencode")
	}
	return filepath.Join(home, ".config", "opencode")
}

// AccountsFilePath is the path to the persisted accounts file (§4.A, §6).
func AccountsFilePath() string {
	return filepath.Join(configDir(), "antigravity-accounts.json")
}

// SignatureCacheFilePath is the path to the persisted signature cache (§4.C, §6).
func SignatureCacheFilePath() string {
	return filepath.Join(configDir(), "antigravity-signature-cache.json")
}

// StatsDBPath is the path to the embedded refresh-queue observability store.
func StatsDBPath() string {
	return filepath.Join(configDir(), "antigravity-stats.db")
}

// RuntimeConfigPath is the path to the YAML runtime tunables file (§6).
func RuntimeConfigPath() string {
	return filepath.Join(configDir(), "antigravity-proxy.yaml")
}

// DefaultLogDir is the default log directory when debug logging is on (§6).
func DefaultLogDir() string {
	return filepath.Join(configDir(), "antigravity-logs")
}

// RecoveryPartsDir is the directory the Recovery Hook's on-disk message-parts
// fallback store writes to (§4.K), used when the host's own FetchMessageParts
// comes back empty.
func RecoveryPartsDir() string {
	return filepath.Join(configDir(), "antigravity-recovery-parts")
}
