package executor

import (
	"errors"
	"path/filepath"
	"regexp"
	"strings"

	"function_runtime/models"
)

// Normalize turns any execution failure into the caller-facing error. The
// physical cache path never leaves the worker: it is replaced by the
// function name in the message and in the first stack frame.
func Normalize(err error, functionName, physicalPath string) *models.NormalizedError {
	ne := &models.NormalizedError{Name: "Error", Message: err.Error()}

	var se *ScriptError
	var le *LoadError
	switch {
	case errors.As(err, &se):
		ne.Name = se.Name
		ne.Message = se.Message
		ne.Stack = se.Stack
	case errors.As(err, &le):
		ne.Name = "LoadError"
		ne.Message = le.Err.Error()
	}

	if physicalPath != "" {
		ne.Message = strings.ReplaceAll(ne.Message, physicalPath, functionName)
	}
	ne.Stack = RewriteStack(ne.Stack, physicalPath, functionName)
	return ne
}

// RewriteStack replaces the file reference of the first frame in stack
// with functionName. Every other line is returned unchanged.
func RewriteStack(stack, physicalPath, functionName string) string {
	if stack == "" {
		return stack
	}
	lines := strings.Split(stack, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "at ") {
			continue
		}
		lines[i] = rewriteFrame(line, physicalPath, functionName)
		break
	}
	return strings.Join(lines, "\n")
}

func rewriteFrame(frame, physicalPath, functionName string) string {
	if physicalPath != "" && strings.Contains(frame, physicalPath) {
		return strings.ReplaceAll(frame, physicalPath, functionName)
	}
	// The frame may spell the same file differently (relative, cleaned).
	// Match anything path-like ending in the artifact's file name.
	base := filepath.Base(physicalPath)
	if physicalPath == "" || base == "." || base == string(filepath.Separator) {
		return frame
	}
	re := regexp.MustCompile(`[^\s()]*` + regexp.QuoteMeta(base))
	return re.ReplaceAllLiteralString(frame, functionName)
}
