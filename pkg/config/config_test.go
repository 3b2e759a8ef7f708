package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControllerDefaults(t *testing.T) {
	c, err := Parse("revsh", []string{"-c", "example.com:4444"})
	require.NoError(t, err)
	assert.True(t, c.Controller)
	assert.False(t, c.Bindshell)
	assert.True(t, c.Interactive)
	assert.Equal(t, "example.com:4444", c.Address)
	assert.Equal(t, defaultShell, c.Shell)
}

func TestParseNonInteractiveFlagInvertsInteractive(t *testing.T) {
	c, err := Parse("revsh", []string{"-n"})
	require.NoError(t, err)
	assert.False(t, c.Interactive)
}

func TestParseBindshellAutoEnabledByProgName(t *testing.T) {
	c, err := Parse("bindshell-revsh", nil)
	require.NoError(t, err)
	assert.True(t, c.Bindshell)
}

func TestParseAddressDefaultsWhenNoPositionalArg(t *testing.T) {
	c, err := Parse("revsh", nil)
	require.NoError(t, err)
	assert.Equal(t, defaultAddress, c.Address)
}

func TestParseRetrySpecSingleValue(t *testing.T) {
	c, err := Parse("revsh", []string{"-r", "5"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.RetryMin.Nanoseconds()/1e9)
	assert.Equal(t, int64(15), c.RetryMax.Nanoseconds()/1e9)
}

func TestParseRetrySpecRange(t *testing.T) {
	c, err := Parse("revsh", []string{"-r", "5,30"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), c.RetryMin.Nanoseconds()/1e9)
	assert.Equal(t, int64(30), c.RetryMax.Nanoseconds()/1e9)
}

func TestParseRetrySpecRejectsNonIncreasingWindow(t *testing.T) {
	_, err := Parse("revsh", []string{"-r", "30,5"})
	assert.Error(t, err)
}

func TestParseDynamicProxySpecRepeatable(t *testing.T) {
	c, err := Parse("revsh", []string{"-D", "1080", "-D", "1081"})
	require.NoError(t, err)
	require.Len(t, c.Proxies, 2)
	assert.True(t, c.Proxies[0].Local)
	assert.True(t, c.Proxies[0].Dynamic)
	assert.Equal(t, "1080", c.Proxies[0].ListenSpec)
	assert.Equal(t, "1081", c.Proxies[1].ListenSpec)
}

func TestParseLocalForwardSpec(t *testing.T) {
	c, err := Parse("revsh", []string{"-L", "8080:internal.example.com:80"})
	require.NoError(t, err)
	require.Len(t, c.Proxies, 1)
	p := c.Proxies[0]
	assert.True(t, p.Local)
	assert.False(t, p.Dynamic)
	assert.Equal(t, "8080", p.ListenSpec)
	assert.Equal(t, "internal.example.com:80", p.Target)
}

func TestParseLocalForwardSpecRejectsTooFewFields(t *testing.T) {
	_, err := Parse("revsh", []string{"-L", "8080"})
	assert.Error(t, err)
}

func TestParseReverseForwardSpecIsNotLocal(t *testing.T) {
	c, err := Parse("revsh", []string{"-RL", "8080:internal.example.com:80"})
	require.NoError(t, err)
	require.Len(t, c.Proxies, 1)
	assert.False(t, c.Proxies[0].Local)
}

// Proxies are grouped by flag kind (-D, -L, -RD, -RL), each group in
// command-line order, regardless of how the flags were interleaved.
func TestParseMixedProxySpecsGroupedByKind(t *testing.T) {
	c, err := Parse("revsh", []string{"-D", "1080", "-RL", "53:ns.example.com:53", "-RD", "1090"})
	require.NoError(t, err)
	require.Len(t, c.Proxies, 3)
	assert.True(t, c.Proxies[0].Dynamic)
	assert.Equal(t, "ns.example.com:53", c.Proxies[2].Target)
	assert.False(t, c.Proxies[1].Local)
	assert.True(t, c.Proxies[1].Dynamic)
}

func TestReadRCFileSkipsBlankAndCommentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rc")
	content := "# a comment\n\nexport FOO=bar\ncd /tmp && ls -la\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	commands, err := ReadRCFile(path)
	require.NoError(t, err)
	require.Len(t, commands, 2)
	assert.Equal(t, []string{"export", "FOO=bar"}, commands[0])
	assert.Equal(t, []string{"cd", "/tmp", "&&", "ls", "-la"}, commands[1])
}

func TestReadRCFileRejectsUnbalancedQuoting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rc")
	require.NoError(t, os.WriteFile(path, []byte(`echo "unterminated`), 0o600))

	_, err := ReadRCFile(path)
	assert.Error(t, err)
}

func TestReadRCFileMissingFile(t *testing.T) {
	_, err := ReadRCFile(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
}

func TestRetryDelayWithinConfiguredWindow(t *testing.T) {
	c := &ConfigHelper{RetryMin: 1000000000, RetryMax: 2000000000}
	for i := 0; i < 50; i++ {
		d := c.RetryDelay()
		assert.GreaterOrEqual(t, d, c.RetryMin)
		assert.Less(t, d, c.RetryMax)
	}
}

func TestRetryDelayDegeneratesToMinWhenMaxNotGreater(t *testing.T) {
	c := &ConfigHelper{RetryMin: 5, RetryMax: 5}
	assert.Equal(t, c.RetryMin, c.RetryDelay())
}
