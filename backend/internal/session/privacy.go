package session

import (
	"path/filepath"
)

// PrivacyFilter applies masking and path-based filtering to session info
// before it is sent to remote clients. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskWorkingDirs bool
	MaskPIDs        bool
	AllowedPaths    []string
	BlockedPaths    []string
}

// IsAllowed reports whether a session with the given working directory
// should be listed. An empty working directory is always allowed. When
// AllowedPaths is non-empty, the path must match at least one pattern. If it
// passes the allowlist, it must not match any BlockedPaths pattern.
func (f *PrivacyFilter) IsAllowed(workingDir string) bool {
	if workingDir == "" {
		return true
	}

	if len(f.AllowedPaths) > 0 {
		allowed := false
		for _, pattern := range f.AllowedPaths {
			if matchPathOrParent(pattern, workingDir) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.BlockedPaths {
		if matchPathOrParent(pattern, workingDir) {
			return false
		}
	}

	return true
}

// matchPathOrParent checks if pattern matches path or any of its parent
// directories. This allows patterns like "/home/user/*" to match deeply
// nested paths like "/home/user/work/project-a" because the parent
// "/home/user/work" matches the glob.
func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

// Apply returns a copy of the session info with sensitive fields masked
// according to the filter configuration. The original is never modified.
func (f *PrivacyFilter) Apply(s *Info) *Info {
	masked := s.clone()

	if f.MaskWorkingDirs && masked.Cwd != "" {
		masked.Cwd = filepath.Base(masked.Cwd)
	}

	if f.MaskPIDs {
		masked.PID = 0
	}

	return masked
}

// FilterSlice returns a new slice containing only the allowed sessions,
// with privacy masking applied to each. The original slice is not modified.
func (f *PrivacyFilter) FilterSlice(sessions []*Info) []*Info {
	result := make([]*Info, 0, len(sessions))
	for _, s := range sessions {
		if !f.IsAllowed(s.Cwd) {
			continue
		}
		result = append(result, f.Apply(s))
	}
	return result
}

// IsNoop reports whether the filter does nothing (no masking, no path filtering).
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskWorkingDirs && !f.MaskPIDs &&
		len(f.AllowedPaths) == 0 && len(f.BlockedPaths) == 0
}
