package ratelimit

import "strings"

// Key suffixes per algorithm. Token bucket and sliding window state never share a key.
const (
	tokenBucketSuffix   = "tb"
	slidingWindowSuffix = "sw"
)

// keyParts builds the key parts for a (tenant, resource) pair. The tenant is
// wrapped in a hash tag so every key of a tenant maps to one cluster slot.
func keyParts(tenantID, resource, suffix string) []string {
	return []string{"rl", "{" + strings.TrimSpace(tenantID) + "}", strings.TrimSpace(resource), suffix}
}
