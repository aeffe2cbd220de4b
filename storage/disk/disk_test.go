package disk

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/opengs/formdecode/storage/testlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskStore(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	testlib.TestStore(t, s)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spool directory must be empty after all files were removed")
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestNewRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := New(path)
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestCreateUsesSanitizedHint(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	f, err := s.Create("../../etc/pass wd.txt")
	require.NoError(t, err)
	defer f.Remove()

	name := filepath.Base(f.Path())
	assert.Regexp(t, `^part-passwdtxt-\d+\.spool$`, name)
	assert.Equal(t, s.Dir(), filepath.Dir(f.Path()))
}
