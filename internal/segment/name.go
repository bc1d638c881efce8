package segment

import "strings"

// canonicalPrefix is prepended to every canonicalized logical name.
const canonicalPrefix = "/shm_"

// Canonicalize turns a free-form logical name into the canonical name used to
// address the underlying host shared-memory object: a leading slash is
// stripped, remaining slashes become underscores, and the shm_ prefix is
// applied. "/robot/arm/pose" becomes "/shm_robot_arm_pose".
func Canonicalize(name string) string {
	name = strings.TrimPrefix(name, "/")
	name = strings.ReplaceAll(name, "/", "_")
	return canonicalPrefix + name
}

// StripCanonicalPrefix reverses the canonical-name prefixing performed by
// Canonicalize's shm_ prefix, for presentation in diagnostic tooling. It does
// not attempt to reverse the "/" -> "_" substitution, which is lossy.
func StripCanonicalPrefix(canonicalName string) string {
	name := strings.TrimPrefix(canonicalName, "/")
	return strings.TrimPrefix(name, "shm_")
}
