package executor

import (
	"context"
	"fmt"

	"function_runtime/logging"
	"function_runtime/models"
)

// Callable is a loaded function ready to be invoked
type Callable interface {
	Call(ctx context.Context, logger *logging.Logger, req *models.InvocationRequest) (*models.FunctionResponse, error)
}

// Loader brings the function at path into the running process. Loading
// the same path twice may return a previously loaded unit.
type Loader interface {
	Load(path string) (Callable, error)
}

// LoadError reports a function that could not be loaded or has no usable export
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// ScriptError is a value thrown (or a promise rejected) by function code
type ScriptError struct {
	Name    string
	Message string
	Stack   string
}

func (e *ScriptError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}
