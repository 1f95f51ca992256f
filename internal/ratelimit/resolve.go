package ratelimit

import (
	"strings"
	"time"

	internalsettings "github.com/churnguard/tenant-governor/internal/settings"
)

// Policies maps resource names to their configured policy.
type Policies map[string]Policy

// DefaultPolicies returns the stock api and calls policies.
func DefaultPolicies() Policies {
	return Policies{
		internalsettings.ResourceAPI: {
			Limit:           60,
			Window:          time.Minute,
			Algorithm:       AlgorithmTokenBucket,
			BurstMultiplier: internalsettings.DefaultBurstMultiplier,
		},
		internalsettings.ResourceCalls: {
			Limit:           internalsettings.DefaultCallsPerHour,
			Window:          time.Hour,
			Algorithm:       AlgorithmSlidingWindow,
			BurstMultiplier: internalsettings.DefaultBurstMultiplier,
		},
	}
}

// Lookup returns the configured policy for resource, falling back to a token
// bucket with the default window and burst.
func (ps Policies) Lookup(resource string) Policy {
	if p, ok := ps[strings.ToLower(strings.TrimSpace(resource))]; ok {
		return p
	}
	return Policy{
		Window:          internalsettings.DefaultRateWindow,
		Algorithm:       AlgorithmTokenBucket,
		BurstMultiplier: internalsettings.DefaultBurstMultiplier,
	}
}

// Resolve returns the policy for resource with the caller's limit and window
// taking precedence over the configured ones when positive.
func (ps Policies) Resolve(resource string, limit int, window time.Duration) Policy {
	p := ps.Lookup(resource)
	if limit > 0 {
		p.Limit = limit
	}
	if window > 0 {
		p.Window = window
	}
	return p
}
