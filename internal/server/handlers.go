package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/verdictlabs/verdict-cli/api/schemas"
	"github.com/verdictlabs/verdict-cli/internal/analysis"
	"github.com/verdictlabs/verdict-cli/internal/archive"
	"github.com/verdictlabs/verdict-cli/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// multipartMemory is the in-memory threshold before form parts spill to temp files.
const multipartMemory = 32 << 20

// analyzeResponse is the analysis result plus the handle for fetching the
// uploaded trace back out of the session store.
type analyzeResponse struct {
	*schemas.AnalysisResult
	TraceHandle string `json:"traceHandle,omitempty"`
	TraceURL    string `json:"traceUrl,omitempty"`
}

// handleHealth confirms the server is responsive.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleAnalyze accepts a multipart upload of run artifacts, feeds them
// through the pipeline, and returns the aligned result JSON. The upload is
// either a single "archive" part or a "report" part with optional "trace",
// "screenshot" (repeatable), "video" and "context" parts.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds the %d byte limit", tooLarge.Limit))
			return
		}
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid multipart request: %v", err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			s.logger.Warn("Failed to clean up multipart temp files.", zap.Error(err))
		}
	}()

	artifacts, err := s.collectArtifacts(r.MultipartForm)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var traceHandle session.Handle
	if len(artifacts.Trace) > 0 {
		traceHandle, err = s.sessions.Put(artifacts.Trace)
		if err != nil {
			// Losing the viewer handle is not worth failing the analysis over.
			s.logger.Warn("Failed to store trace session.", zap.Error(err))
			traceHandle = ""
		}
	}

	result, err := s.analyzer.Run(r.Context(), artifacts)
	if err != nil {
		s.logger.Error("Analysis run failed.", zap.Error(err))
		s.respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	resp := analyzeResponse{AnalysisResult: result}
	if traceHandle != "" {
		resp.TraceHandle = string(traceHandle)
		resp.TraceURL = "/api/traces/" + string(traceHandle)
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// handleTrace serves a stored trace archive back to the caller.
// ServeContent gives trace viewers byte-range support for free.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	data, err := s.sessions.Get(session.Handle(id))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrExpired):
			s.respondError(w, http.StatusGone, "trace session expired")
		case errors.Is(err, session.ErrNotFound):
			s.respondError(w, http.StatusNotFound, "trace session not found")
		default:
			s.logger.Error("Trace session lookup failed.", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, "trace session lookup failed")
		}
		return
	}

	http.ServeContent(w, r, "trace.zip", time.Time{}, bytes.NewReader(data))
}

// collectArtifacts assembles pipeline inputs from the multipart form.
func (s *Server) collectArtifacts(form *multipart.Form) (analysis.Artifacts, error) {
	var artifacts analysis.Artifacts

	archivePart := firstFile(form, "archive")
	reportPart := firstFile(form, "report")

	switch {
	case archivePart != nil && reportPart != nil:
		return artifacts, fmt.Errorf("send either an archive or individual artifact parts, not both")

	case archivePart != nil:
		data, err := readPart(archivePart)
		if err != nil {
			return artifacts, fmt.Errorf("reading archive part: %w", err)
		}
		bundle, err := archive.Extract(data, s.logger)
		if err != nil {
			return artifacts, fmt.Errorf("extracting archive: %w", err)
		}
		artifacts.Report = bundle.Report
		artifacts.Trace = bundle.Trace
		artifacts.Screenshots = bundle.Screenshots
		artifacts.Context = bundle.Context
		if len(bundle.Video) > 0 {
			s.logger.Debug("Video artifact received, no analysis stage consumes it.")
		}

	case reportPart != nil:
		data, err := readPart(reportPart)
		if err != nil {
			return artifacts, fmt.Errorf("reading report part: %w", err)
		}
		artifacts.Report = data

		if tracePart := firstFile(form, "trace"); tracePart != nil {
			if artifacts.Trace, err = readPart(tracePart); err != nil {
				return artifacts, fmt.Errorf("reading trace part: %w", err)
			}
		}
		for _, fh := range form.File["screenshot"] {
			shot, err := readPart(fh)
			if err != nil {
				return artifacts, fmt.Errorf("reading screenshot part: %w", err)
			}
			artifacts.Screenshots = append(artifacts.Screenshots, shot)
		}
		if firstFile(form, "video") != nil {
			s.logger.Debug("Video artifact received, no analysis stage consumes it.")
		}
		if artifacts.Context, err = s.contextString(form); err != nil {
			return artifacts, err
		}

	default:
		return artifacts, fmt.Errorf("multipart request needs an %q or %q part", "archive", "report")
	}

	return artifacts, nil
}

// contextString accepts free-text run context either as a file part or a plain form field.
func (s *Server) contextString(form *multipart.Form) (string, error) {
	if fh := firstFile(form, "context"); fh != nil {
		data, err := readPart(fh)
		if err != nil {
			return "", fmt.Errorf("reading context part: %w", err)
		}
		return string(data), nil
	}
	if vals := form.Value["context"]; len(vals) > 0 {
		return vals[0], nil
	}
	return "", nil
}

func firstFile(form *multipart.Form, key string) *multipart.FileHeader {
	if files := form.File[key]; len(files) > 0 {
		return files[0]
	}
	return nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// respondJSON writes a JSON payload with the given status code.
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode response.", zap.Error(err))
	}
}

// respondError writes a standardized JSON error body.
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]string{"error": message})
}
