package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/dispatch"
	"github.com/breeze-rmm/voicetask/internal/patching"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

// processAudio accepts multipart form data with an audio file, target
// credentials and an optional text instruction.
func (s *Server) processAudio(w http.ResponseWriter, r *http.Request) {
	s.handleDispatch(w, r, true)
}

// ask is the audio-only entry point. JSON bodies are reserved for a
// text-only variant that is not served.
func (s *Server) ask(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		s.handleDispatch(w, r, false)
	case "application/json":
		writeError(w, http.StatusNotImplemented, "JSON requests are not supported; send multipart/form-data with an audio file")
	default:
		writeError(w, http.StatusUnsupportedMediaType, "expected multipart/form-data")
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request, acceptText bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()

	creds := models.Credentials{
		Host:     strings.TrimSpace(r.FormValue("host")),
		Username: strings.TrimSpace(r.FormValue("username")),
		Password: r.FormValue("password"),
	}
	if missing := creds.Missing(); len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
		return
	}

	audioPath, err := s.saveUpload(file, header)
	if err != nil {
		s.logger.Error("failed to stage upload", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store audio upload")
		return
	}
	defer os.Remove(audioPath)

	req := dispatch.Request{
		Credentials: creds,
		AudioPath:   audioPath,
		OS:          r.FormValue("os"),
	}
	if acceptText {
		req.Instruction = r.FormValue("text")
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, verr.Error())
			return
		}
		s.logger.Error("dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveUpload copies an uploaded file to a uniquely named path in the
// upload directory, keeping the original extension for MIME detection.
func (s *Server) saveUpload(file multipart.File, header *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o700); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext == "" {
		ext = ".wav"
	}
	path := filepath.Join(s.uploadDir, uuid.NewString()+ext)

	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(path)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request) {
	var req models.PatchRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if missing := req.Missing(); len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "missing required fields: "+strings.Join(missing, ", "))
		return
	}

	state := s.patcher.Run(r.Context(), patching.VMInfo(req), nil)
	writeJSON(w, http.StatusOK, state.Response())
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) serviceStatus(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeJSON(w, http.StatusOK, models.ServiceStatus{Status: "ok"})
		return
	}
	status, err := s.status.Status(r.Context())
	if err != nil {
		s.logger.Warn("status collection failed", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, status)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, models.ErrorResponse{Error: msg})
}
