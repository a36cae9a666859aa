package kv

import "strings"

// Join builds a slash-separated path from parts, skipping empties.
func Join(parts ...string) string {
	var b []string
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			b = append(b, p)
		}
	}
	return strings.Join(b, "/")
}

// Base returns the final element of path.
func Base(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Under reports whether path equals prefix or lies inside its subtree.
func Under(prefix, path string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Rel returns path relative to prefix, or "" when path is not under it.
func Rel(prefix, path string) string {
	if path == prefix {
		return ""
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix)+1:]
	}
	return ""
}
