package tools

import "path"

// Filter applies a server's include and exclude lists to its catalog.
// Patterns use path.Match syntax, so "proc_*" selects a family of tools.
// A non-empty include list wins over exclude.
func Filter(defs []Descriptor, include, exclude []string) []Descriptor {
	if len(include) == 0 && len(exclude) == 0 {
		return defs
	}
	out := make([]Descriptor, 0, len(defs))
	for _, d := range defs {
		if len(include) > 0 {
			if matchAny(include, d.Name) {
				out = append(out, d)
			}
			continue
		}
		if !matchAny(exclude, d.Name) {
			out = append(out, d)
		}
	}
	return out
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
