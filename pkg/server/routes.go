package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/pipeline"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", healthCheck)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/users", s.listUsers)
		r.Post("/users", s.createUser)

		r.Route("/attendance", func(r chi.Router) {
			r.Post("/scan", s.scan)
			r.Get("/present", s.listPresent)
			r.Get("/absent", s.listAbsent)
		})
	})
}

// userView is the public shape of a user; embeddings are never served.
type userView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	EnrolledAt time.Time `json:"enrolled_at"`
}

func viewOf(u storage.User) userView {
	return userView{ID: u.ID, Name: u.Name, EnrolledAt: u.EnrolledAt}
}

func viewsOf(users []storage.User) []userView {
	out := make([]userView, len(users))
	for i, u := range users {
		out[i] = viewOf(u)
	}
	return out
}

type errorResponse struct {
	Error string             `json:"error"`
	Code  pipeline.ErrorCode `json:"code,omitempty"`
	Retry bool               `json:"retry,omitempty"`
	// Partial lists users marked before the failure.
	Partial *pipeline.Result `json:"partial,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			logging.Component("server").WithError(err).Warn("failed to write response")
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondSessionError maps err onto an HTTP status by its session code.
func respondSessionError(w http.ResponseWriter, err error) {
	respondPartialError(w, err, nil)
}

func respondPartialError(w http.ResponseWriter, err error, partial *pipeline.Result) {
	se := pipeline.Classify(err)
	status := statusFor(se.Code)
	if status >= http.StatusInternalServerError {
		logging.Component("server").WithError(err).Error("request failed")
	}
	respondJSON(w, status, errorResponse{Error: se.Message, Code: se.Code, Retry: se.Retry, Partial: partial})
}

func statusFor(code pipeline.ErrorCode) int {
	switch code {
	case pipeline.ErrCodeDuplicateUser, pipeline.ErrCodeDeviceBusy:
		return http.StatusConflict
	case pipeline.ErrCodeDetectionTimeout:
		return http.StatusRequestTimeout
	case pipeline.ErrCodeNoFace:
		return http.StatusUnprocessableEntity
	case pipeline.ErrCodeDeviceUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.ErrCodeNotEnrolled, pipeline.ErrCodeNotRecognized:
		return http.StatusNotFound
	case pipeline.ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Users(r.Context())
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewsOf(users))
}

func (s *Server) listPresent(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Present(r.Context())
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewsOf(users))
}

func (s *Server) listAbsent(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Absent(r.Context())
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, viewsOf(users))
}

// readImage returns the optional "image" upload of a multipart request.
// A request without a multipart body selects the live camera.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (pipeline.Source, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			return pipeline.Source{}, nil
		}
		return pipeline.Source{}, err
	}

	file, _, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return pipeline.Source{}, nil
	}
	if err != nil {
		return pipeline.Source{}, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return pipeline.Source{}, err
	}
	return pipeline.Source{Image: data}, nil
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	src, err := s.readImage(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid upload")
		return
	}
	name := r.FormValue("name")
	if name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	user, err := s.svc.Enroll(r.Context(), name, src)
	if err != nil {
		respondSessionError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, viewOf(*user))
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	src, err := s.readImage(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid upload")
		return
	}

	result, err := s.svc.Mark(r.Context(), src)
	if err != nil {
		respondPartialError(w, err, result)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
