package config

import (
	"reflect"
	"sort"
)

// Diff lists backend names by how they changed between two snapshots. It is
// computed during reload and discarded afterwards.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the two snapshots declare an identical backend set.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Compare computes the backend-level difference between two snapshots. A
// backend counts as changed when any field of its descriptor differs; there
// is no per-field significance ranking.
func Compare(old, next *Config) Diff {
	var d Diff
	var oldBackends, nextBackends map[string]*Backend
	if old != nil {
		oldBackends = old.Backends
	}
	if next != nil {
		nextBackends = next.Backends
	}
	for name, b := range nextBackends {
		prev, ok := oldBackends[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case !reflect.DeepEqual(prev, b):
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range oldBackends {
		if _, ok := nextBackends[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}
