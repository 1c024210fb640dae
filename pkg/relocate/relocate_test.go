package relocate_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trexfeathers/conda-rpms/pkg/errors"
	"github.com/trexfeathers/conda-rpms/pkg/relocate"
)

func TestBinaryReplace(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		old  string
		new  string
		want []byte
	}{
		{
			name: "single_occurrence_padded",
			data: []byte("xx/opt/sentinel/lib\x00yy"),
			old:  "/opt/sentinel",
			new:  "/env",
			want: []byte("xx/env/lib\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00yy"),
		},
		{
			name: "two_occurrences_one_region",
			data: []byte("/opt/ab:/opt/ab\x00tail"),
			old:  "/opt/ab",
			new:  "/e",
			want: []byte("/e:/e\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00tail"),
		},
		{
			name: "no_match_unchanged",
			data: []byte("nothing to see\x00here"),
			old:  "/opt/sentinel",
			new:  "/env",
			want: []byte("nothing to see\x00here"),
		},
		{
			name: "equal_length_no_padding",
			data: []byte("a/opt/xyz/b\x00"),
			old:  "/opt/xyz",
			new:  "/new/pfx",
			want: []byte("a/new/pfx/b\x00"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := relocate.BinaryReplace(tt.data, []byte(tt.old), []byte(tt.new))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, len(tt.data), "binary replacement must preserve length")
		})
	}
}

func TestBinaryReplace_PaddingError(t *testing.T) {
	data := []byte("xx/short\x00yy")
	_, err := relocate.BinaryReplace(data, []byte("/short"), []byte("/much/longer/prefix"))
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrPadding))
}

func TestUpdatePrefix_Text(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "activate")
	content := "export PATH=/opt/sentinel/bin:$PATH\nexport ROOT=/opt/sentinel\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))

	err := relocate.UpdatePrefix(path, "/home/u/env", "/opt/sentinel", relocate.ModeText)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "/home/u/env/bin")
	assert.NotContains(t, string(data), "/opt/sentinel")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm(), "permissions preserved")
}

func TestUpdatePrefix_Binary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "libfoo.so")
	data := append([]byte("\x7fELF junk /opt/sentinel/lib/libz.so\x00more junk"), 0x00, 0x01)
	require.NoError(t, os.WriteFile(path, data, 0755))

	err := relocate.UpdatePrefix(path, "/env", "/opt/sentinel", relocate.ModeBinary)
	require.NoError(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, got, len(data), "length must not change")
	assert.True(t, bytes.Contains(got, []byte("/env/lib/libz.so\x00")))
}

func TestUpdatePrefix_NoOpSkipsWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(path, []byte("no placeholder here"), 0644))

	before, err := os.Stat(path)
	require.NoError(t, err)

	err = relocate.UpdatePrefix(path, "/env", "/opt/sentinel", relocate.ModeText)
	require.NoError(t, err)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime(), "no-op must not rewrite the file")
}

func TestUpdatePrefix_Overflow_LeavesFileUnmodified(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin")
	data := []byte("xx/short\x00yy")
	require.NoError(t, os.WriteFile(path, data, 0755))

	err := relocate.UpdatePrefix(path, "/a/very/long/replacement", "/short", relocate.ModeBinary)
	require.Error(t, err)
	assert.True(t, errors.IsErrorCode(err, errors.ErrPadding))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got, "failed relocation must leave the file untouched")
}

func TestUpdatePrefix_InvalidMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	err := relocate.UpdatePrefix(path, "/env", "/opt", relocate.Mode("octal"))
	assert.True(t, errors.IsErrorCode(err, errors.ErrInvalidInput))
}

func TestReadHasPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "has_prefix")
	content := `/opt/sentinel text bin/activate
"/opt/other prefix" binary lib/libfoo.so
lib/bare-entry
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	entries := relocate.ReadHasPrefix(path, "")
	require.Len(t, entries, 3)

	assert.Equal(t, relocate.Entry{Placeholder: "/opt/sentinel", Mode: relocate.ModeText},
		entries["bin/activate"])
	assert.Equal(t, relocate.Entry{Placeholder: "/opt/other prefix", Mode: relocate.ModeBinary},
		entries["lib/libfoo.so"])
	assert.Equal(t, relocate.Entry{Placeholder: relocate.DefaultPlaceholder, Mode: relocate.ModeText},
		entries["lib/bare-entry"])
}

func TestReadHasPrefix_Missing(t *testing.T) {
	entries := relocate.ReadHasPrefix(filepath.Join(t.TempDir(), "absent"), "")
	assert.Empty(t, entries)
}
