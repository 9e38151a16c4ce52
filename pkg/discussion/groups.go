package discussion

import (
	"slices"
	"strings"
)

// Provider groups usable as "@group" specs when starting a discussion.
// Membership is matched case-insensitively against registered names.
var providerGroups = map[string][]string{
	"fast":   {"kimi", "qwen", "deepseek"},
	"coding": {"codex", "gemini", "qwen", "deepseek", "kimi"},
}

// ProviderGroups returns the named groups restricted to providers with
// a live backend, plus "all".
func (e *Executor) ProviderGroups() map[string][]string {
	names := e.backends.Names()

	groups := map[string][]string{"all": names}
	for group, members := range providerGroups {
		matched := make([]string, 0, len(members))
		for _, name := range names {
			if slices.Contains(members, strings.ToLower(name)) {
				matched = append(matched, name)
			}
		}
		groups[group] = matched
	}
	return groups
}

// ResolveProviderGroup expands one provider spec: "@group" becomes the
// group's current members, a bare name resolves to itself when
// registered. Unknown specs resolve to nothing.
func (e *Executor) ResolveProviderGroup(spec string) []string {
	if group, ok := strings.CutPrefix(spec, "@"); ok {
		return e.ProviderGroups()[group]
	}
	if _, ok := e.backends.Get(spec); ok {
		return []string{spec}
	}
	return nil
}

// ResolveProviders flattens a mixed list of names and "@group" specs,
// dropping duplicates while keeping first-seen order.
func (e *Executor) ResolveProviders(specs []string) []string {
	seen := make(map[string]bool, len(specs))
	out := make([]string, 0, len(specs))
	for _, spec := range specs {
		for _, name := range e.ResolveProviderGroup(spec) {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out
}
