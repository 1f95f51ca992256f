package circuit

import "github.com/churnguard/tenant-governor/internal/config"

// SettingsFromConfig converts the circuit-breakers section into registry
// defaults and per-dependency overrides.
func SettingsFromConfig(section config.CircuitBreakersConfig) (Settings, map[string]Settings) {
	overrides := make(map[string]Settings, len(section.Dependencies))
	for name, dep := range section.Dependencies {
		overrides[name] = settingsFrom(dep)
	}
	return settingsFrom(section.Defaults).Normalize(), overrides
}

func settingsFrom(b config.BreakerConfig) Settings {
	return Settings{
		FailureThreshold: b.FailureThreshold,
		SuccessThreshold: b.SuccessThreshold,
		Timeout:          b.Timeout,
		HalfOpenMaxCalls: b.HalfOpenMaxCalls,
	}
}
