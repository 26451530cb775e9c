package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrings(t *testing.T) {
	assert.Contains(t, Short(), Version)
	assert.Contains(t, Short(), Revision)
	assert.Contains(t, Detailed(), "/")
	assert.Contains(t, UserAgent(), AppName+"/")
}

func TestApplyBuildInfo(t *testing.T) {
	origVersion, origRevision, origBuildDate := Version, Revision, BuildDate
	t.Cleanup(func() {
		Version, Revision, BuildDate = origVersion, origRevision, origBuildDate
	})

	Version, Revision, BuildDate = devVersion, "HEAD", ""
	applyBuildInfo("v1.2.3", map[string]string{
		"vcs.revision": "0123456789abcdef",
		"vcs.modified": "true",
		"vcs.time":     "2025-01-02T03:04:05Z",
	})
	assert.Equal(t, "1.2.3", Version)
	assert.Equal(t, "0123456789ab-dirty", Revision)
	assert.Equal(t, "2025-01-02T03:04:05Z", BuildDate)

	Version, Revision = "9.9.9", "abc"
	applyBuildInfo("(devel)", map[string]string{"vcs.revision": "ffff"})
	assert.Equal(t, "9.9.9", Version)
	assert.Equal(t, "abc", Revision)
}
