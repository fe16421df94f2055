package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"function_runtime/models"
)

// FileExists reports whether path exists and is readable
func FileExists(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// WriteFileAtomic replaces path as a whole: the data is written to a
// temporary sibling, synced, then renamed over path. Concurrent readers see
// either the old file or the complete new one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return err
	}
	err = os.Rename(tmpName, path)
	return err
}

// ValidatePathSegment rejects values that would escape the directory they
// are joined into
func ValidatePathSegment(kind, value string) error {
	switch {
	case value == "":
		return fmt.Errorf("empty %s", kind)
	case value == "." || value == "..":
		return fmt.Errorf("illegal %s: %q", kind, value)
	case strings.ContainsAny(value, `/\`) || strings.ContainsRune(value, 0):
		return fmt.Errorf("illegal %s: %q", kind, value)
	}
	return nil
}

// RespondWithJSON sends a JSON response with the given status code
func RespondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// RespondWithError sends an error response with the given status code
func RespondWithError(w http.ResponseWriter, statusCode int, message string, details string) {
	RespondWithJSON(w, statusCode, models.ErrorResponse{
		Error:   message,
		Code:    statusCode,
		Details: details,
	})
}
