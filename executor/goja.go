package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"function_runtime/logging"
	"function_runtime/models"
)

// Function sources are CommonJS modules. The wrapper stays on the first
// line so reported line numbers match the file on disk.
const (
	moduleHead = "(function (exports, require, module, __filename, __dirname) {"
	moduleTail = "\n})"
)

// GojaLoader runs JavaScript functions on goja. Each file is compiled once
// per process; every call gets a fresh runtime so invocations never share
// JavaScript state.
type GojaLoader struct {
	mu       sync.Mutex
	programs map[string]*goja.Program
}

// NewGojaLoader creates a new GojaLoader
func NewGojaLoader() *GojaLoader {
	return &GojaLoader{programs: make(map[string]*goja.Program)}
}

// Load compiles the module at path, reusing an earlier compilation
func (l *GojaLoader) Load(path string) (Callable, error) {
	l.mu.Lock()
	prg, ok := l.programs[path]
	l.mu.Unlock()
	if ok {
		return &gojaModule{path: path, program: prg}, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	prg, err = goja.Compile(path, moduleHead+string(src)+moduleTail, false)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	l.mu.Lock()
	if existing, ok := l.programs[path]; ok {
		prg = existing
	} else {
		l.programs[path] = prg
	}
	l.mu.Unlock()

	return &gojaModule{path: path, program: prg}, nil
}

// Loaded reports how many distinct files have been compiled
func (l *GojaLoader) Loaded() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.programs)
}

type gojaModule struct {
	path    string
	program *goja.Program
}

func (m *gojaModule) Call(ctx context.Context, logger *logging.Logger, req *models.InvocationRequest) (*models.FunctionResponse, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	bindConsole(vm, logger)

	fn, err := m.instantiate(vm)
	if err != nil {
		return nil, err
	}

	arg, err := requestValue(vm, req)
	if err != nil {
		return nil, err
	}

	result, err := fn(goja.Undefined(), arg)
	if err != nil {
		return nil, scriptError(err)
	}

	result, err = settle(result)
	if err != nil {
		return nil, err
	}
	return toResponse(result)
}

// instantiate evaluates the module body and picks the callable export:
// exports.default when present, module.exports otherwise
func (m *gojaModule) instantiate(vm *goja.Runtime) (goja.Callable, error) {
	wrapper, err := vm.RunProgram(m.program)
	if err != nil {
		return nil, scriptError(err)
	}
	callWrapper, ok := goja.AssertFunction(wrapper)
	if !ok {
		return nil, &LoadError{Path: m.path, Err: errors.New("module wrapper is not a function")}
	}

	module := vm.NewObject()
	exports := vm.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	require := func(call goja.FunctionCall) goja.Value {
		panic(vm.NewGoError(fmt.Errorf("Cannot find module '%s'", call.Argument(0).String())))
	}

	_, err = callWrapper(exports, exports, vm.ToValue(require), module,
		vm.ToValue(m.path), vm.ToValue(filepath.Dir(m.path)))
	if err != nil {
		return nil, scriptError(err)
	}

	exported := module.Get("exports")
	if obj, ok := exported.(*goja.Object); ok {
		if def := obj.Get("default"); def != nil && def.ToBoolean() {
			exported = def
		}
	}

	fn, ok := goja.AssertFunction(exported)
	if !ok {
		return nil, &LoadError{Path: m.path, Err: errors.New("module does not export a function")}
	}
	return fn, nil
}

// requestValue hands the request to JavaScript as a plain object
func requestValue(vm *goja.Runtime, req *models.InvocationRequest) (goja.Value, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse is not available")
	}
	v, err := parse(goja.Undefined(), vm.ToValue(string(data)))
	if err != nil {
		return nil, scriptError(err)
	}
	return v, nil
}

// settle unwraps a returned promise. There is no event loop, so a promise
// that is still pending once the call returns never settles.
func settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return v, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, thrownValue(p.Result(), "")
	default:
		return nil, &ScriptError{Name: "Error", Message: "function returned a promise that never settled"}
	}
}

func toResponse(v goja.Value) (*models.FunctionResponse, error) {
	obj, ok := v.(*goja.Object)
	if !ok || v == nil {
		return nil, &ScriptError{Name: "TypeError", Message: "function must return an object with statusCode, headers and body"}
	}

	resp := &models.FunctionResponse{StatusCode: 200, Headers: map[string]string{}}

	if sc := obj.Get("statusCode"); sc != nil && !goja.IsUndefined(sc) && !goja.IsNull(sc) {
		code := int(sc.ToInteger())
		if code < 100 || code > 999 {
			return nil, &ScriptError{Name: "RangeError", Message: fmt.Sprintf("invalid status code: %s", sc.String())}
		}
		resp.StatusCode = code
	}

	if h, ok := obj.Get("headers").(*goja.Object); ok {
		for _, k := range h.Keys() {
			resp.Headers[k] = h.Get(k).String()
		}
	}

	if b := obj.Get("body"); b != nil && !goja.IsUndefined(b) && !goja.IsNull(b) {
		resp.Body = b.Export()
	}
	return resp, nil
}

// scriptError converts an error returned by goja into the package's error types
func scriptError(err error) error {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return thrownValue(exc.Value(), exc.String())
	}
	var syntax *goja.CompilerSyntaxError
	if errors.As(err, &syntax) {
		return &ScriptError{Name: "SyntaxError", Message: syntax.Error()}
	}
	return err
}

// thrownValue reads name, message and stack off a thrown value
func thrownValue(v goja.Value, stack string) *ScriptError {
	se := &ScriptError{Name: "Error", Stack: stack}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return se
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		se.Message = v.String()
		return se
	}
	if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
		se.Name = n.String()
	}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		se.Message = msg.String()
	} else {
		se.Message = v.String()
	}
	if s := obj.Get("stack"); s != nil && !goja.IsUndefined(s) && s.String() != "" {
		se.Stack = s.String()
	}
	return se
}

// bindConsole routes console.* from function code to the execution logger
func bindConsole(vm *goja.Runtime, logger *logging.Logger) {
	console := vm.NewObject()
	at := func(emit func(string, map[string]interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = formatArg(arg)
			}
			emit(strings.Join(parts, " "), map[string]interface{}{"source": "function"})
			return goja.Undefined()
		}
	}
	console.Set("log", at(logger.Info))
	console.Set("info", at(logger.Info))
	console.Set("debug", at(logger.Debug))
	console.Set("warn", at(logger.Warn))
	console.Set("error", at(logger.Error))
	vm.Set("console", console)
}

func formatArg(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			if data, err := json.Marshal(obj.Export()); err == nil {
				return string(data)
			}
		}
	}
	return v.String()
}
