package commands

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommandPrintsShortVersion(t *testing.T) {
	Version, Commit, Date = "1.2.3", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = "dev", "none", "unknown" }()

	root := GetRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"version", "--short"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "1.2.3\n", buf.String())
}

func TestVersionCommandPrintsFullDetails(t *testing.T) {
	Version, Commit, Date = "1.2.3", "abc123", "2026-01-01"
	defer func() { Version, Commit, Date = "dev", "none", "unknown" }()

	root := GetRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"version", "--short=false"})
	require.NoError(t, root.Execute())
	out := buf.String()
	assert.Contains(t, out, "1.2.3")
	assert.Contains(t, out, "abc123")
}

func TestRunCommandRefusesWithoutLinkedDUT(t *testing.T) {
	root := GetRootCmd()
	root.SetArgs([]string{"run"})
	err := root.Execute()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no DUT shim is linked"))
}

func TestSelftestCommandRunsCleanLoopback(t *testing.T) {
	root := GetRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetArgs([]string{"selftest", "--count", "3", "--port", "0", "--log-output", "stderr"})
	require.NoError(t, root.Execute())
}
