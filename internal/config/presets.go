package config

// ServerPreset bundles a named set of Runtime tunables the admin UI can
// apply in one action instead of hand-editing the YAML file. Narrowed to
// the tunables Runtime actually exposes (no account-selection scoring
// weights — the Account Manager is sticky-only, §4.D).
type ServerPreset struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Overrides   Runtime `json:"overrides"`
}

// DefaultServerPresets are the built-in presets exposed at /api/presets.
var DefaultServerPresets = []ServerPreset{
	{
		Name:        "Default",
		Description: "Balanced retry and recovery behavior for a small accounts pool",
		Overrides:   Defaults(),
	},
	{
		Name:        "Quiet",
		Description: "Suppress non-recovery toasts and keep defaults otherwise",
		Overrides: func() Runtime {
			r := Defaults()
			r.QuietMode = true
			return r
		}(),
	},
	{
		Name:        "Verbose Debug",
		Description: "Enable debug logging to file and keep-thinking signature caching",
		Overrides: func() Runtime {
			r := Defaults()
			r.Debug = true
			r.KeepThinking = true
			return r
		}(),
	},
}
