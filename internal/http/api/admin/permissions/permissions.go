package permissions

import (
	"fmt"
	"sort"
	"strings"
)

// Definition describes an admin permission.
type Definition struct {
	Key    string `json:"key"`
	Method string `json:"method"`
	Path   string `json:"path"`
	Label  string `json:"label"`
	Module string `json:"module"`
}

// Key builds a permission key from method and path.
func Key(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

// NormalizePermissions trims, de-duplicates, and sorts permissions.
func NormalizePermissions(perms []string) []string {
	if len(perms) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, perm := range perms {
		trimmed := strings.TrimSpace(perm)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	sort.Strings(normalized)
	return normalized
}

// ValidatePermissions validates that all permissions exist in the definition set.
func ValidatePermissions(perms []string) error {
	for _, perm := range perms {
		trimmed := strings.TrimSpace(perm)
		if trimmed == "" {
			continue
		}
		if _, ok := definitionMap[trimmed]; !ok {
			return fmt.Errorf("invalid permission: %s", trimmed)
		}
	}
	return nil
}

// ParseModules expands module names (case-insensitive) into their permission keys.
func ParseModules(modules []string) ([]string, error) {
	var out []string
	for _, module := range modules {
		module = strings.TrimSpace(module)
		if module == "" {
			continue
		}
		matched := false
		for _, def := range definitions {
			if strings.EqualFold(def.Module, module) {
				out = append(out, def.Key)
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("unknown permission module: %s", module)
		}
	}
	return NormalizePermissions(out), nil
}

// HasPermission checks whether the key exists in the permission list.
func HasPermission(perms []string, key string) bool {
	if key == "" {
		return false
	}
	for _, perm := range perms {
		if perm == key {
			return true
		}
	}
	return false
}

// Definitions returns a copy of all permission definitions.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// DefinitionMap returns a copy of the permission definition map.
func DefinitionMap() map[string]Definition {
	out := make(map[string]Definition, len(definitionMap))
	for key, value := range definitionMap {
		out[key] = value
	}
	return out
}

// newDefinition builds a Definition with a normalized key.
func newDefinition(method, path, label, module string) Definition {
	upperMethod := strings.ToUpper(method)
	return Definition{
		Key:    Key(upperMethod, path),
		Method: upperMethod,
		Path:   path,
		Label:  label,
		Module: module,
	}
}

// definitions is the ordered list of permission definitions.
var definitions = []Definition{
	newDefinition("GET", "/v0/admin/plans", "List Plans", "Tenants"),
	newDefinition("GET", "/v0/admin/tenants/:tenant/quota", "Get Tenant Quota", "Tenants"),
	newDefinition("PUT", "/v0/admin/tenants/:tenant/quota", "Set Tenant Quota", "Tenants"),
	newDefinition("PUT", "/v0/admin/tenants/:tenant/plan", "Assign Tenant Plan", "Tenants"),
	newDefinition("GET", "/v0/admin/tenants/:tenant/usage", "Get Tenant Usage", "Tenants"),
	newDefinition("POST", "/v0/admin/tenants/:tenant/slots/release", "Release Tenant Call Slot", "Tenants"),
	newDefinition("POST", "/v0/admin/reconcile", "Reconcile Call Slots", "Tenants"),

	newDefinition("GET", "/v0/admin/tenants/:tenant/rate-limits/:resource", "Get Rate Limit Usage", "Rate Limits"),
	newDefinition("DELETE", "/v0/admin/tenants/:tenant/rate-limits/:resource", "Reset Rate Limit", "Rate Limits"),

	newDefinition("GET", "/v0/admin/circuits", "List Circuits", "Circuits"),
	newDefinition("GET", "/v0/admin/circuits/:name/events", "List Circuit Events", "Circuits"),
	newDefinition("POST", "/v0/admin/circuits/:name/reset", "Reset Circuit", "Circuits"),

	newDefinition("GET", "/v0/admin/queue", "Get Queue Length", "Queue"),
	newDefinition("POST", "/v0/admin/queue", "Enqueue Item", "Queue"),
	newDefinition("GET", "/v0/admin/queue/:tenant/:item", "Get Queue Position", "Queue"),
	newDefinition("DELETE", "/v0/admin/queue/:tenant/:item", "Remove Queued Item", "Queue"),

	newDefinition("GET", "/v0/admin/permissions", "List Permissions", "Permissions"),
}

// definitionMap indexes definitions by key.
var definitionMap = func() map[string]Definition {
	out := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		out[def.Key] = def
	}
	return out
}()
