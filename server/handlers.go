package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hubenschmidt/go-docqa/core"
	"github.com/hubenschmidt/go-docqa/ingest"
	"github.com/hubenschmidt/go-docqa/qa"
)

const (
	defaultQueryListLimit = 50
	maxQueryListLimit     = 500
	maxQueryBodyBytes     = 1 << 20
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ModelsResponse{Models: s.models.List(r.Context())})
}

func (s *Server) handleDocumentUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes*maxFilesPerUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, core.ErrFileTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: no files in form field \"files\"", core.ErrInvalidInput))
		return
	}
	if len(files) > maxFilesPerUpload {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: at most %d files per upload", core.ErrInvalidInput, maxFilesPerUpload))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	results := make([]UploadResult, 0, len(files))
	for _, fh := range files {
		results = append(results, s.ingestFile(ctx, fh))
	}
	writeJSON(w, uploadStatus(results), UploadResponse{Results: results})
}

func (s *Server) ingestFile(ctx context.Context, fh *multipart.FileHeader) UploadResult {
	res := UploadResult{Filename: fh.Filename}
	fail := func(err error) UploadResult {
		res.Status = statusFor(err)
		res.Error = err.Error()
		return res
	}

	if fh.Size > s.maxUploadBytes {
		return fail(fmt.Errorf("%w: %d bytes exceeds %d", core.ErrFileTooLarge, fh.Size, s.maxUploadBytes))
	}
	f, err := fh.Open()
	if err != nil {
		return fail(fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fail(fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
	}

	doc, err := s.ingester.Ingest(ctx, ingest.Upload{Filename: fh.Filename, Data: data})
	res.Document = doc
	if err != nil {
		s.logger.Warn("upload failed", "filename", fh.Filename, "error", err)
		return fail(err)
	}
	res.Status = http.StatusCreated
	if doc.Duplicate {
		res.Status = http.StatusOK
	}
	return res
}

// uploadStatus is the file's own status for a single file, 201 when every
// file was accepted, and 207 otherwise.
func uploadStatus(results []UploadResult) int {
	if len(results) == 1 {
		return results[0].Status
	}
	failed := 0
	for _, r := range results {
		if r.Status >= 300 {
			failed++
		}
	}
	if failed == 0 {
		return http.StatusCreated
	}
	return http.StatusMultiStatus
}

func (s *Server) handleDocumentList(w http.ResponseWriter, r *http.Request) {
	docs, err := s.documents.List(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: docs})
}

func (s *Server) handleDocumentGet(w http.ResponseWriter, r *http.Request) {
	doc, err := s.documents.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDocumentDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.ingester.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (QueryRequest, bool) {
	var req QueryRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return req, false
	}
	return req, true
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	res, err := s.asker.AskStream(ctx, req, nil)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
	defer cancel()

	// Headers go out with the first event so that request errors can
	// still be reported with a status code.
	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	res, err := s.asker.AskStream(ctx, req, func(ev qa.Event) {
		start()
		switch ev.Type {
		case qa.EventAnswer:
			writeSSE(w, flusher, "answer", map[string]any{"answer": ev.Answer})
		case qa.EventThemes:
			writeSSE(w, flusher, "themes", map[string]any{
				"themes":      ev.Themes.Themes,
				"synthesis":   ev.Themes.Synthesis,
				"theme_error": ev.Themes.ThemeError,
			})
		}
	})
	if err != nil {
		if !started {
			writeError(w, statusFor(err), err)
			return
		}
		writeSSE(w, flusher, "error", map[string]any{"error": err.Error(), "status": statusFor(err)})
		return
	}

	start()
	writeSSE(w, flusher, "end", map[string]any{
		"query_id":   res.ID,
		"status":     res.Status(),
		"usage":      res.Usage,
		"elapsed_ms": res.ElapsedMs,
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	data["type"] = eventType
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

func (s *Server) handleQueryList(w http.ResponseWriter, r *http.Request) {
	limit := defaultQueryListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: limit must be a positive integer", core.ErrInvalidInput))
			return
		}
		limit = min(n, maxQueryListLimit)
	}

	queries, err := s.queries.List(r.Context(), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	for i := range queries {
		queries[i].Result = nil
	}
	writeJSON(w, http.StatusOK, QueryListResponse{Queries: queries})
}

func (s *Server) handleQueryGet(w http.ResponseWriter, r *http.Request) {
	q, err := s.queries.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleQueryDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.queries.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.queries.Summary(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, core.ErrEmptyDocument),
		errors.Is(err, core.ErrNoDocuments),
		errors.Is(err, core.ErrOCRUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrEmbedding), errors.Is(err, core.ErrLLMRequest):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
