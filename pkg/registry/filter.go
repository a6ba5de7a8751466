package registry

import "path"

// Filter is a per-backend allow/deny list over original capability names.
// Deny wins over allow; a name matching neither list passes through.
// Patterns are matched with path.Match semantics, so "db_*" works alongside
// exact names.
type Filter struct {
	Allow []string
	Deny  []string
}

// Admit reports whether a capability name survives the filter.
func (f Filter) Admit(name string) bool {
	if matchAny(f.Deny, name) {
		return false
	}
	if len(f.Allow) == 0 {
		return true
	}
	return matchAny(f.Allow, name)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
