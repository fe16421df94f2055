package models

import (
	"encoding/json"
	"time"
)

const (
	// FunctionDataHeader carries the JSON FunctionDescriptor of an invocation
	FunctionDataHeader = "X-Function-Data"
	// ExecutionIDHeader is set on every invocation response
	ExecutionIDHeader = "X-Execution-Id"
)

// Language is the dialect a function's source code is written in
type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguageTypeScript Language = "typescript"
)

// SourceCode holds the text of a function as served by the registry
type SourceCode struct {
	Language Language `json:"language"`
	Content  string   `json:"content"`
}

// FunctionDescriptor identifies one version of a function. The same
// structure travels in the invocation header (without source code) and in
// the registry response (with source code and arbitrary extra metadata).
type FunctionDescriptor struct {
	Name       string      `json:"name"`
	Version    string      `json:"etag"`
	SourceCode *SourceCode `json:"sourceCode,omitempty"`
	Params     any         `json:"params,omitempty"`

	// Attributes keeps every top-level field of the decoded document,
	// including the ones the runtime does not know about.
	Attributes map[string]json.RawMessage `json:"-"`
}

// UnmarshalJSON decodes the known fields and keeps the raw document around
// so metadata can be persisted without losing unknown fields
func (d *FunctionDescriptor) UnmarshalJSON(data []byte) error {
	type plain FunctionDescriptor
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(data, &attrs); err != nil {
		return err
	}
	*d = FunctionDescriptor(p)
	d.Attributes = attrs
	return nil
}

// Language returns the source language, defaulting to javascript
func (d *FunctionDescriptor) Language() Language {
	if d.SourceCode == nil || d.SourceCode.Language == "" {
		return LanguageJavaScript
	}
	return d.SourceCode.Language
}

// Metadata renders the descriptor with its source code stripped
func (d *FunctionDescriptor) Metadata() ([]byte, error) {
	if d.Attributes == nil {
		stripped := *d
		stripped.SourceCode = nil
		return json.Marshal(stripped)
	}
	attrs := make(map[string]json.RawMessage, len(d.Attributes))
	for k, v := range d.Attributes {
		if k == "sourceCode" {
			continue
		}
		attrs[k] = v
	}
	return json.Marshal(attrs)
}

// EventName is the kind of a lifecycle event sent from a worker to the supervisor
type EventName string

const (
	EventStart  EventName = "start"
	EventFinish EventName = "finish"
)

// LifecycleEvent is one message on the worker → supervisor channel
type LifecycleEvent struct {
	Event     EventName `json:"event"`
	ID        string    `json:"id"`
	StartedAt int64     `json:"startedAt,omitempty"`
	TimeoutMs int64     `json:"timeoutMs,omitempty"`
}

// StartEvent builds the event announcing an execution
func StartEvent(id string, startedAt time.Time, timeout time.Duration) LifecycleEvent {
	return LifecycleEvent{
		Event:     EventStart,
		ID:        id,
		StartedAt: startedAt.UnixMilli(),
		TimeoutMs: timeout.Milliseconds(),
	}
}

// FinishEvent builds the event closing an execution
func FinishEvent(id string) LifecycleEvent {
	return LifecycleEvent{Event: EventFinish, ID: id}
}

// Timeout returns the declared maximum duration of the execution
func (e LifecycleEvent) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// UploadedFile is one multipart file handed to a function
type UploadedFile struct {
	FieldName   string `json:"fieldName"`
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	Content     string `json:"content"`
}

// InvocationRequest is the request object a function receives
type InvocationRequest struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string]string   `json:"headers"`
	Query   map[string][]string `json:"query"`
	Params  any                 `json:"params"`
	Body    any                 `json:"body"`
	Files   []UploadedFile      `json:"files,omitempty"`
}

// FunctionResponse is what a function returns
type FunctionResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
}

// NormalizedError is the caller-facing shape of a failed execution
type NormalizedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *NormalizedError) Error() string {
	return e.Name + ": " + e.Message
}

// CachedFunction describes one materialized cache entry
type CachedFunction struct {
	Name     string          `json:"name"`
	Version  string          `json:"etag"`
	Language Language        `json:"language"`
	Compiled bool            `json:"compiled"`
	Path     string          `json:"-"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}
