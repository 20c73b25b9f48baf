package ksck

import "path"

// matchesAnyPattern reports whether name matches at least one glob-style
// pattern (e.g. "Foo*"). An empty pattern list matches everything.
func matchesAnyPattern(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		// path.Match only errors on malformed patterns; treat those as no match.
		if ok, err := path.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}

// containsID reports whether id is in the filter list. An empty list matches
// everything.
func containsID(ids []string, id string) bool {
	if len(ids) == 0 {
		return true
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
