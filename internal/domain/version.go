package domain

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// BaselineVersion stands in for "nothing installed" when looking for
// candidates newer than the current install.
const BaselineVersion = "0.0.0"

// CompareVersions orders two version strings. Semantic versions compare by
// precedence; anything else falls back to plain string order.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// IsNewerVersion reports whether candidate orders strictly after current.
// An empty current version is older than everything.
func IsNewerVersion(candidate, current string) bool {
	if current == "" {
		return candidate != ""
	}
	return CompareVersions(candidate, current) > 0
}
