package executor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"function_runtime/logging"
	"function_runtime/models"
)

func writeFunction(t *testing.T, source string) (dir, path string) {
	dir = filepath.Join(t.TempDir(), "functions", "add", "v1")
	require.NoError(t, os.MkdirAll(dir, 0755))
	path = filepath.Join(dir, "index.js")
	require.NoError(t, os.WriteFile(path, []byte(source), 0644))
	return dir, path
}

func call(t *testing.T, path string, req *models.InvocationRequest) (*models.FunctionResponse, error) {
	fn, err := NewGojaLoader().Load(path)
	if err != nil {
		return nil, err
	}
	return fn.Call(context.Background(), logging.ForExecution(logging.Discard{}, "test"), req)
}

func firstFrame(stack string) string {
	for _, line := range strings.Split(stack, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "at ") {
			return line
		}
	}
	return ""
}

func TestGojaModuleExports(t *testing.T) {
	_, path := writeFunction(t, `module.exports = (req) => ({statusCode:200, headers:{}, body:{sum:req.params.a+req.params.b}})`)

	resp, err := call(t, path, &models.InvocationRequest{Params: map[string]interface{}{"a": 2, "b": 3}})
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	body, err := json.Marshal(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sum":5}`, string(body))
}

func TestGojaDefaultExport(t *testing.T) {
	_, path := writeFunction(t, `
exports.helper = 1;
exports.default = function (req) {
  return { statusCode: 202, headers: { "X-Name": req.params.name }, body: "hi " + req.params.name };
};
`)

	resp, err := call(t, path, &models.InvocationRequest{Params: map[string]interface{}{"name": "ada"}})
	require.NoError(t, err)

	assert.Equal(t, 202, resp.StatusCode)
	assert.Equal(t, "ada", resp.Headers["X-Name"])
	assert.Equal(t, "hi ada", resp.Body)
}

func TestGojaMissingStatusCodeDefaultsTo200(t *testing.T) {
	_, path := writeFunction(t, `module.exports = () => ({ body: [1, 2] })`)

	resp, err := call(t, path, &models.InvocationRequest{})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, resp.Headers)
}

func TestGojaFulfilledPromise(t *testing.T) {
	_, path := writeFunction(t, `module.exports = (req) => Promise.resolve({ statusCode: 201, headers: {}, body: req.method })`)

	resp, err := call(t, path, &models.InvocationRequest{Method: "POST"})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "POST", resp.Body)
}

func TestGojaRejectedPromise(t *testing.T) {
	_, path := writeFunction(t, `module.exports = () => Promise.reject(new TypeError("nope"))`)

	_, err := call(t, path, &models.InvocationRequest{})
	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "TypeError", se.Name)
	assert.Equal(t, "nope", se.Message)
}

func TestGojaPendingPromise(t *testing.T) {
	_, path := writeFunction(t, `module.exports = () => new Promise(function () {})`)

	_, err := call(t, path, &models.InvocationRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never settled")
}

func TestGojaThrowRewritesFirstFrame(t *testing.T) {
	dir, path := writeFunction(t, `module.exports = () => { throw new Error("boom"); }`)

	_, err := call(t, path, &models.InvocationRequest{})
	require.Error(t, err)

	ne := Normalize(err, "add", path)
	assert.Equal(t, "Error", ne.Name)
	assert.Equal(t, "boom", ne.Message)

	frame := firstFrame(ne.Stack)
	require.NotEmpty(t, frame, "stack: %q", ne.Stack)
	assert.Contains(t, frame, "add")
	assert.NotContains(t, frame, dir)
}

func TestGojaNoFunctionExport(t *testing.T) {
	_, path := writeFunction(t, `module.exports = { answer: 42 }`)

	_, err := call(t, path, &models.InvocationRequest{})
	var le *LoadError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, "LoadError", Normalize(err, "add", path).Name)
}

func TestGojaSyntaxError(t *testing.T) {
	dir, path := writeFunction(t, `module.exports = (`)

	_, err := call(t, path, &models.InvocationRequest{})
	require.Error(t, err)

	ne := Normalize(err, "add", path)
	assert.Equal(t, "LoadError", ne.Name)
	assert.NotContains(t, ne.Message, dir)
}

func TestGojaMissingFile(t *testing.T) {
	_, err := NewGojaLoader().Load(filepath.Join(t.TempDir(), "index.js"))
	var le *LoadError
	assert.True(t, errors.As(err, &le))
}

func TestGojaRequireIsUnavailable(t *testing.T) {
	_, path := writeFunction(t, `const _ = require("lodash"); module.exports = () => ({})`)

	_, err := call(t, path, &models.InvocationRequest{})
	require.Error(t, err)
	assert.Contains(t, Normalize(err, "add", path).Message, "Cannot find module 'lodash'")
}

func TestGojaNonObjectResult(t *testing.T) {
	_, path := writeFunction(t, `module.exports = () => 42`)

	_, err := call(t, path, &models.InvocationRequest{})
	var se *ScriptError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "TypeError", se.Name)
}

func TestGojaLoadIsIdempotent(t *testing.T) {
	_, path := writeFunction(t, `module.exports = () => ({ statusCode: 200 })`)
	loader := NewGojaLoader()

	first, err := loader.Load(path)
	require.NoError(t, err)
	second, err := loader.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, loader.Loaded())
	assert.Equal(t, first, second)
}

func TestGojaIsolatesInvocations(t *testing.T) {
	_, path := writeFunction(t, `
var count = 0;
module.exports = () => { count++; return { statusCode: 200, body: count }; };
`)
	fn, err := NewGojaLoader().Load(path)
	require.NoError(t, err)
	logger := logging.ForExecution(logging.Discard{}, "test")

	for i := 0; i < 2; i++ {
		resp, err := fn.Call(context.Background(), logger, &models.InvocationRequest{})
		require.NoError(t, err)
		assert.EqualValues(t, 1, resp.Body)
	}
}

func TestGojaConsoleGoesToExecutionLog(t *testing.T) {
	_, path := writeFunction(t, `module.exports = () => { console.log("hello", {a: 1}); console.error("bad"); return { statusCode: 200 }; }`)
	rec := &logging.Recorder{}

	fn, err := NewGojaLoader().Load(path)
	require.NoError(t, err)
	_, err = fn.Call(context.Background(), logging.ForExecution(rec, "exec-9"), &models.InvocationRequest{})
	require.NoError(t, err)

	records := rec.Records()
	require.Len(t, records, 2)
	assert.Equal(t, `hello {"a":1}`, records[0].Message)
	assert.Equal(t, "exec-9", records[0].ExecutionID)
	assert.Equal(t, "bad", records[1].Message)
}
