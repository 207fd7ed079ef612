package staging

import (
	"io"
	"net/http"

	"repliesengine/internal/logging"
	"repliesengine/internal/webhook"
)

// maxBodyBytes bounds inbound webhook bodies.
const maxBodyBytes = 1 << 20

// Server exposes the Stage A webhook endpoints.
type Server struct {
	handler *Handler
	mux     *http.ServeMux
	// stage is the optional public path segment included in the provider's
	// signed URL when the service runs behind a gateway stage.
	stage string
}

// NewServer creates the HTTP ingress wired to the Stage A handler.
func NewServer(handler *Handler, stage string) *Server {
	s := &Server{handler: handler, mux: http.NewServeMux(), stage: stage}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /whatsapp", s.handleWebhook)
	s.mux.HandleFunc("POST /sms", s.handleWebhook)
	s.mux.HandleFunc("POST /email", s.handleWebhook)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	meta := webhook.RequestMeta{
		Path:      r.URL.Path,
		Host:      r.Host,
		Signature: r.Header.Get("X-Twilio-Signature"),
		Stage:     s.stage,
	}

	decision := s.handler.Handle(r.Context(), meta, body)
	if decision.Retry {
		// Surfacing a 5xx is the only way to make the provider retry; the
		// transient allowlist in the decision layer keeps this rare.
		logging.Log.WithField("reason", decision.RetryReason).Warn("returning 503 to trigger provider retry")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", decision.ContentType)
	w.WriteHeader(decision.Status)
	_, _ = w.Write([]byte(decision.Body))
}
