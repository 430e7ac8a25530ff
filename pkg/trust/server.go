package trust

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
)

// Server exposes the token exchange service over HTTP. The endpoint
// must be fronted by TLS; assertions are bearer material.
type Server struct {
	exchanger *Exchanger
	logger    *log.Logger
}

// NewServer creates an exchange server.
func NewServer(exchanger *Exchanger, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{exchanger: exchanger, logger: logger}
}

// Handler returns the HTTP handler for the exchange endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/token", s.handleToken)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

type tokenRequest struct {
	Assertion string `json:"assertion"`
}

type errorBody struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil || req.Assertion == "" {
		writeError(w, ErrMalformedAssertion(errors.New("request body must carry a non-empty assertion")))
		return
	}

	cred, err := s.exchanger.Exchange(r.Context(), req.Assertion)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(cred)
}

// writeError maps the error taxonomy onto HTTP statuses so CI tooling
// can distinguish validation, authorization, and transient classes.
func writeError(w http.ResponseWriter, err error) {
	var te *Error
	if !errors.As(err, &te) {
		te = ErrInternal(err.Error())
	}

	status := http.StatusInternalServerError
	switch {
	case te.Code == CodeMalformedAssertion:
		status = http.StatusBadRequest
	case te.Category == CategoryValidation:
		status = http.StatusUnauthorized
	case te.Category == CategoryAuthorization:
		status = http.StatusForbidden
	case te.Category == CategoryTransient:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "2")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: errorBody{
		Code:      te.Code,
		Message:   te.Message,
		Retryable: te.Retryable,
	}})
}
