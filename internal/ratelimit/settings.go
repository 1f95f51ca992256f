package ratelimit

import (
	"fmt"
	"strings"

	"github.com/churnguard/tenant-governor/internal/config"
	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
)

// PoliciesFromConfig converts the rate-limits config section into validated policies.
func PoliciesFromConfig(section map[string]config.RateLimitConfig) (Policies, error) {
	out := make(Policies, len(section))
	for name, rl := range section {
		resource := strings.ToLower(strings.TrimSpace(name))
		if resource == "" {
			return nil, fmt.Errorf("ratelimit: empty resource name")
		}
		p := Policy{
			Limit:           rl.Limit,
			Window:          rl.Window,
			Algorithm:       Algorithm(strings.ToLower(strings.TrimSpace(rl.Algorithm))),
			BurstMultiplier: rl.BurstMultiplier,
		}
		if p.Algorithm == "" {
			p.Algorithm = AlgorithmTokenBucket
		}
		if p.BurstMultiplier == 0 {
			p.BurstMultiplier = internalsettings.DefaultBurstMultiplier
		}
		if p.Window == 0 {
			p.Window = internalsettings.DefaultRateWindow
		}
		if errValidate := p.Validate(); errValidate != nil {
			return nil, fmt.Errorf("ratelimit: resource %s: %w", resource, errValidate)
		}
		out[resource] = p
	}
	return out, nil
}
