package versions

import (
	"fmt"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

//nolint:paralleltest // mutates the package-level build variables
func TestGetVersionInfo(t *testing.T) {
	origVersion, origCommit, origBuildDate := Version, Commit, BuildDate
	t.Cleanup(func() {
		Version, Commit, BuildDate = origVersion, origCommit, origBuildDate
	})

	set := func(version, commit, buildDate string) {
		Version, Commit, BuildDate = version, commit, buildDate
	}

	t.Run("release build", func(t *testing.T) {
		set("v0.3.1", "9f8e7d6c5b4a39281706f5e4d3c2b1a098765432", "2025-02-10T08:15:00Z")
		info := GetVersionInfo()
		assert.Equal(t, "v0.3.1", info.Version)
		assert.Equal(t, "9f8e7d6c5b4a39281706f5e4d3c2b1a098765432", info.Commit)
		assert.Equal(t, "2025-02-10 08:15:00 UTC", info.BuildDate)
	})

	t.Run("dev build is named after its commit", func(t *testing.T) {
		set("dev", "9f8e7d6c5b4a3928", unknownStr)
		info := GetVersionInfo()
		assert.Equal(t, "build-9f8e7d6c", info.Version)
		assert.Equal(t, "9f8e7d6c5b4a3928", info.Commit)
	})

	t.Run("dev build with short commit keeps it whole", func(t *testing.T) {
		set("dev", "9f8e", unknownStr)
		assert.Equal(t, "build-9f8e", GetVersionInfo().Version)
	})

	t.Run("dev build without commit", func(t *testing.T) {
		set("dev", unknownStr, unknownStr)
		info := GetVersionInfo()
		assert.Equal(t, "build-"+unknownStr, info.Version)
		assert.Equal(t, unknownStr, info.BuildDate)
	})

	t.Run("unparsable build date passes through", func(t *testing.T) {
		set("v0.4.0", "9f8e", "last tuesday")
		assert.Equal(t, "last tuesday", GetVersionInfo().BuildDate)
	})

	t.Run("runtime fields", func(t *testing.T) {
		set("v0.3.1", "9f8e", unknownStr)
		info := GetVersionInfo()
		assert.Equal(t, runtime.Version(), info.GoVersion)
		assert.Equal(t, fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH), info.Platform)
	})
}
