package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime"

	"capforge/internal/manifest"
)

// EnvironmentID identifies one execution environment. Two calls share a
// worker pool exactly when their identities match.
type EnvironmentID string

// Identity derives the environment identity from everything that changes
// execution behavior: runtime version, platform, the dependency manifest
// fingerprint, and the source policy revision.
func Identity(runtimeVersion, sourcePolicy string, m *manifest.Manifest) EnvironmentID {
	if runtimeVersion == "" {
		runtimeVersion = runtime.Version()
	}
	fingerprint := ""
	if m != nil {
		fingerprint = m.Fingerprint()
	}
	payload := fmt.Sprintf("%s|%s/%s|%s|%s",
		runtimeVersion, runtime.GOOS, runtime.GOARCH, fingerprint, sourcePolicy)
	sum := sha256.Sum256([]byte(payload))
	return EnvironmentID(hex.EncodeToString(sum[:]))
}

// Short returns a truncated identity for log fields and filenames.
func (id EnvironmentID) Short() string {
	if len(id) <= 12 {
		return string(id)
	}
	return string(id[:12])
}
