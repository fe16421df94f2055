// Package registry is the client of the remote function registry, which
// serves function source code and metadata by name.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"function_runtime/config"
	"function_runtime/models"
)

// ErrNotFound is returned when the registry does not know the function
var ErrNotFound = errors.New("function not found in registry")

// maxBodySize bounds the registry response
const maxBodySize = 50 << 20

// StatusError is returned for any non-200 registry response
type StatusError struct {
	Function   string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registry returned status %d for function %s", e.StatusCode, e.Function)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// Client fetches function descriptors from the registry
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the registry described by cfg
func NewClient(cfg *config.RegistryConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

// GetFunction fetches the current descriptor of a function, source code included
func (c *Client) GetFunction(ctx context.Context, name string) (*models.FunctionDescriptor, error) {
	endpoint := fmt.Sprintf("%s/v1/functions/%s", c.baseURL, url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Function: name, StatusCode: resp.StatusCode}
	}

	var fn models.FunctionDescriptor
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(&fn); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}
	if fn.SourceCode == nil {
		return nil, fmt.Errorf("registry response for %s has no source code", name)
	}

	log.Debug().
		Str("function", name).
		Str("etag", fn.Version).
		Str("language", string(fn.Language())).
		Msg("Function fetched from registry")

	return &fn, nil
}
