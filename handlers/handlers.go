package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"function_runtime/config"
	"function_runtime/executor"
	"function_runtime/logging"
	"function_runtime/metrics"
	"function_runtime/middleware"
	"function_runtime/models"
	"function_runtime/store"
	"function_runtime/utils"
)

// maxBodyBytes caps non-multipart request bodies
const maxBodyBytes = 50 << 20

// ServerHandler handles HTTP requests of a worker process
type ServerHandler struct {
	functionStore *store.FunctionStore
	pipeline      *executor.Pipeline
	sink          logging.Sink
	config        *config.Config
}

// NewServerHandler creates a new ServerHandler
func NewServerHandler(cfg *config.Config, functionStore *store.FunctionStore, pipeline *executor.Pipeline, sink logging.Sink) *ServerHandler {
	return &ServerHandler{
		functionStore: functionStore,
		pipeline:      pipeline,
		sink:          sink,
		config:        cfg,
	}
}

// Routes builds the worker router
func (h *ServerHandler) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.ExecutionIDMiddleware)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.RecoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/", h.HealthCheckHandler)
	r.Get("/health", h.HealthCheckHandler)

	r.Post("/invoke", h.InvokeHandler)
	r.Post("/test", h.InvokeHandler)

	r.Get("/functions", h.ListFunctionsHandler)
	r.Get("/functions/{name}/{version}", h.FunctionHandler)

	r.Handle("/metrics", metrics.Handler())
	return r
}

// InvokeHandler resolves the function named by the X-Function-Data header
// and runs it with the request
func (h *ServerHandler) InvokeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	executionID := middleware.ExecutionID(ctx)
	logger := logging.ForExecution(h.sink, executionID)

	logger.Debug("Http trigger started", nil)

	raw := r.Header.Get(models.FunctionDataHeader)
	if raw == "" {
		logger.Error("Missing function data", nil)
		utils.RespondWithError(w, http.StatusInternalServerError, "Missing function data", "")
		return
	}

	var fn models.FunctionDescriptor
	if err := json.Unmarshal([]byte(raw), &fn); err != nil {
		logger.Error("Invalid function data", map[string]interface{}{"error": err.Error()})
		utils.RespondWithError(w, http.StatusInternalServerError, "Invalid function data", "")
		return
	}

	path, err := h.functionStore.Resolve(ctx, logger, &fn)
	if err != nil {
		logger.Error("Error while saving function", map[string]interface{}{
			"functionName": fn.Name,
			"etag":         fn.Version,
			"error":        err.Error(),
		})
		utils.RespondWithError(w, http.StatusInternalServerError, "Error while saving function", "")
		return
	}

	req, err := h.buildRequest(r, &fn)
	if err != nil {
		logger.Warn("Invalid request body", map[string]interface{}{"error": err.Error()})
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	h.pipeline.Handle(ctx, w, &executor.Invocation{
		ExecutionID: executionID,
		Function:    &fn,
		Path:        path,
		Request:     req,
		Logger:      logger,
	})
}

// buildRequest converts the HTTP request into the object handed to the
// function. The params come from the function descriptor.
func (h *ServerHandler) buildRequest(r *http.Request, fn *models.FunctionDescriptor) (*models.InvocationRequest, error) {
	req := &models.InvocationRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: flattenHeaders(r.Header),
		Query:   r.URL.Query(),
		Params:  fn.Params,
	}

	mediaType := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		var err error
		if mediaType, _, err = mime.ParseMediaType(ct); err != nil {
			return nil, fmt.Errorf("bad content type: %w", err)
		}
	}

	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(h.config.Server.MaxUploadMemory); err != nil {
			return nil, fmt.Errorf("failed to parse multipart form: %w", err)
		}
		defer r.MultipartForm.RemoveAll()

		req.Body = formValues(r.MultipartForm.Value)
		files, err := uploadedFiles(r)
		if err != nil {
			return nil, err
		}
		req.Files = files

	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("failed to parse form: %w", err)
		}
		req.Body = formValues(r.PostForm)

	default:
		data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read body: %w", err)
		}
		if len(data) == 0 {
			break
		}
		if mediaType == "" || mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
			var body interface{}
			if err := json.Unmarshal(data, &body); err != nil {
				return nil, fmt.Errorf("failed to decode JSON body: %w", err)
			}
			req.Body = body
		} else {
			req.Body = string(data)
		}
	}
	return req, nil
}

// flattenHeaders lower-cases names and joins repeated values
func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for k, v := range header {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// formValues keeps single values as strings and repeated ones as lists
func formValues(values map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}

// uploadedFiles reads every multipart file, base64 encoded, ordered by field
func uploadedFiles(r *http.Request) ([]models.UploadedFile, error) {
	fields := make([]string, 0, len(r.MultipartForm.File))
	for field := range r.MultipartForm.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var files []models.UploadedFile
	for _, field := range fields {
		for _, fh := range r.MultipartForm.File[field] {
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("failed to open uploaded file %q: %w", fh.Filename, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read uploaded file %q: %w", fh.Filename, err)
			}
			files = append(files, models.UploadedFile{
				FieldName:   field,
				FileName:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Size:        fh.Size,
				Content:     base64.StdEncoding.EncodeToString(data),
			})
		}
	}
	return files, nil
}

// ListFunctionsHandler returns every function cached on this node
func (h *ServerHandler) ListFunctionsHandler(w http.ResponseWriter, r *http.Request) {
	executionID := middleware.ExecutionID(r.Context())

	functions, err := h.functionStore.ListFunctions()
	if err != nil {
		log.Error().
			Str("execution_id", executionID).
			Err(err).
			Msg("Failed to list functions")
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to list functions", err.Error())
		return
	}

	log.Debug().
		Str("execution_id", executionID).
		Int("count", len(functions)).
		Msg("Listed all functions")

	utils.RespondWithJSON(w, http.StatusOK, functions)
}

// FunctionHandler describes one cached function version
func (h *ServerHandler) FunctionHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	version := chi.URLParam(r, "version")

	cf, err := h.functionStore.GetFunction(name, version)
	switch {
	case errors.Is(err, store.ErrInvalidDescriptor):
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid function path", err.Error())
	case errors.Is(err, store.ErrNotCached):
		utils.RespondWithError(w, http.StatusNotFound, "Function not found", err.Error())
	case err != nil:
		log.Error().
			Str("execution_id", middleware.ExecutionID(r.Context())).
			Str("function", name).
			Str("etag", version).
			Err(err).
			Msg("Failed to read function")
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read function", err.Error())
	default:
		utils.RespondWithJSON(w, http.StatusOK, cf)
	}
}

// HealthCheckHandler provides a simple health check endpoint
func (h *ServerHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{
		"status": "UP",
	})
}
