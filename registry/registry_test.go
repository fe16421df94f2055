package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"function_runtime/config"
	"function_runtime/models"
)

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(&config.RegistryConfig{BaseURL: ts.URL + "/", Timeout: time.Second})
}

func TestGetFunction(t *testing.T) {
	var gotPath string
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"name":"add","etag":"v1","owner":"team-a","sourceCode":{"language":"typescript","content":"export default 1"}}`))
	})

	fn, err := client.GetFunction(context.Background(), "add")
	require.NoError(t, err)

	assert.Equal(t, "/v1/functions/add", gotPath)
	assert.Equal(t, "add", fn.Name)
	assert.Equal(t, "v1", fn.Version)
	assert.Equal(t, models.LanguageTypeScript, fn.Language())
	assert.Equal(t, "export default 1", fn.SourceCode.Content)
	assert.Contains(t, fn.Attributes, "owner")
}

func TestGetFunctionNotFound(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := client.GetFunction(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestGetFunctionNonSuccess(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := client.GetFunction(context.Background(), "add")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestGetFunctionWithoutSource(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"add","etag":"v1"}`))
	})

	_, err := client.GetFunction(context.Background(), "add")
	assert.Error(t, err)
}

func TestGetFunctionUnreachable(t *testing.T) {
	client := NewClient(&config.RegistryConfig{BaseURL: "http://127.0.0.1:1/", Timeout: time.Second})

	_, err := client.GetFunction(context.Background(), "add")
	assert.Error(t, err)
}
