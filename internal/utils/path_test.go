package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{name: "empty path", input: "", wantError: true},
		{name: "relative path", input: "./test"},
		{name: "absolute path", input: "/tmp/test"},
		{name: "home", input: "~/bridge"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, filepath.IsAbs(result))
		})
	}

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	got, err := ResolvePath("~/bridge")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "bridge"), got)
}

func TestEnsureParentAndExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a", "b", "c.txt")

	require.NoError(t, EnsureParent(file))
	assert.True(t, DirExists(filepath.Dir(file)))
	assert.False(t, FileExists(file))

	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	assert.True(t, FileExists(file))
	assert.False(t, DirExists(file))
}

func TestRelSlash(t *testing.T) {
	base := filepath.Join(string(filepath.Separator), "root", "sync")

	rel, err := RelSlash(base, filepath.Join(base, "proj", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "proj/main.go", rel)

	_, err = RelSlash(base, filepath.Join(string(filepath.Separator), "root", "other"))
	assert.Error(t, err)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "", MaskToken(""))
	assert.Equal(t, "***", MaskToken("abc123"))
	assert.Equal(t, "***xyz", MaskToken("secret-xyz"))
}
