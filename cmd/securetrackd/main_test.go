package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securetrack/internal/config"
	"securetrack/internal/logging"
)

func TestLoggingConfig(t *testing.T) {
	lc := config.DefaultConfig().Logging
	lc.Level = "debug"
	lc.Format = "json"
	lc.Output = "file"
	lc.FilePath = filepath.Join(t.TempDir(), "d.log")
	lc.MaxSizeMB = 7

	c, err := loggingConfig(lc)
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, c.Level)
	assert.Equal(t, logging.FormatJSON, c.Format)
	assert.Equal(t, "file", c.Output)
	assert.Equal(t, int64(7), c.MaxSize)
	assert.Equal(t, "securetrackd", c.Component)

	lc.Level = "loud"
	_, err = loggingConfig(lc)
	assert.Error(t, err)
}

func TestBuildNumber(t *testing.T) {
	defer func(v string) { versionCode = v }(versionCode)

	versionCode = "42"
	assert.Equal(t, 42, buildNumber())
	versionCode = "nope"
	assert.Equal(t, 1, buildNumber())
	versionCode = "0"
	assert.Equal(t, 1, buildNumber())
}

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/st.toml", resolveConfigPath("/etc/st.toml"))
	assert.NotEmpty(t, resolveConfigPath(""))
}

func TestSecretsReader(t *testing.T) {
	in := newSecrets(strings.NewReader("135790\r\n24681357\nlast-line"))
	assert.Equal(t, "135790", in.read("PIN"))
	assert.Equal(t, "24681357", in.read("Wipe PIN"))
	assert.Equal(t, "last-line", in.read("Master password"))
}
