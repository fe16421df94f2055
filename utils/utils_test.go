package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"function_runtime/models"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index.js")

	require.NoError(t, WriteFileAtomic(path, []byte("first"), 0644))
	require.NoError(t, WriteFileAtomic(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files are left behind")
}

func TestWriteFileAtomicMissingDir(t *testing.T) {
	err := WriteFileAtomic(filepath.Join(t.TempDir(), "nope", "index.js"), []byte("x"), 0644)
	assert.Error(t, err)
}

func TestFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "function.json")
	assert.False(t, FileExists(path))
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
	assert.True(t, FileExists(path))
}

func TestValidatePathSegment(t *testing.T) {
	for _, ok := range []string{"add", "v1", "my-func_2", "3f2a9c"} {
		assert.NoError(t, ValidatePathSegment("name", ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, "../etc"} {
		assert.Error(t, ValidatePathSegment("name", bad), bad)
	}
}

func TestRespondWithError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, http.StatusInternalServerError, "Missing function data", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Missing function data", body.Error)
	assert.Equal(t, http.StatusInternalServerError, body.Code)
}
