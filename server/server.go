package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tbxark/stepagent/oracle"
	"github.com/tbxark/stepagent/types"
)

const (
	DefaultPath  = "/task-agent"
	maxBodyBytes = 1 << 20

	rateLimitMessage = "Rate limit exceeded. Please try again later."
	paymentMessage   = "Payment required. Please add credits."
	failureMessage   = "Sorry, something went wrong. Please try again."
)

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type",
}

// Config for the oracle HTTP handler.
type Config struct {
	Generator oracle.Generator
	Path      string
}

// errorBody is returned with every failed request. Failures other than rate
// limits and quota carry a retry action so clients can render a button.
type errorBody struct {
	Error        string         `json:"error"`
	Message      string         `json:"message,omitempty"`
	Confidence   *int           `json:"confidence,omitempty"`
	TaskProgress *int           `json:"taskProgress,omitempty"`
	Actions      []types.Action `json:"actions,omitempty"`
}

// New returns an HTTP handler exposing the oracle boundary.
func New(cfg Config) (http.Handler, error) {
	if cfg.Generator == nil {
		return nil, errors.New("server: generator is required")
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(cors)
	router.Use(requestLogger)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Options(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Post(path, handleReply(cfg.Generator))
	return router, nil
}

func handleReply(gen oracle.Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeFailure(w, http.StatusBadRequest, err)
			return
		}
		var req types.OracleRequest
		if err := sonic.Unmarshal(body, &req); err != nil {
			writeFailure(w, http.StatusBadRequest, err)
			return
		}
		if err := validateRequest(&req); err != nil {
			writeFailure(w, http.StatusBadRequest, err)
			return
		}

		reply, err := gen.Generate(r.Context(), &req)
		if err != nil {
			slog.Error("error in task agent", "err", err)
			switch {
			case errors.Is(err, oracle.ErrRateLimited):
				writeJSON(w, http.StatusTooManyRequests, errorBody{Error: rateLimitMessage})
			case errors.Is(err, oracle.ErrPaymentRequired):
				writeJSON(w, http.StatusPaymentRequired, errorBody{Error: paymentMessage})
			case errors.Is(err, oracle.ErrValidation):
				writeFailure(w, http.StatusBadRequest, err)
			default:
				writeFailure(w, http.StatusInternalServerError, err)
			}
			return
		}
		writeJSON(w, http.StatusOK, reply)
	}
}

func validateRequest(req *types.OracleRequest) error {
	switch {
	case strings.TrimSpace(req.TaskTitle) == "":
		return errors.New("taskTitle is required")
	case req.TotalSteps <= 0:
		return errors.New("totalSteps must be positive")
	case req.StepIndex < 0 || req.StepIndex >= req.TotalSteps:
		return errors.New("stepIndex out of range")
	}
	return nil
}

func writeFailure(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{
		Error:        err.Error(),
		Message:      failureMessage,
		Confidence:   types.Int(0),
		TaskProgress: types.Int(0),
		Actions:      []types.Action{{ID: "retry", Kind: types.ActionRetry, Label: "Retry"}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		slog.Error("encode response", "err", err)
		status = http.StatusInternalServerError
		data = []byte(`{"error":"encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range corsHeaders {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "duration", time.Since(start))
	})
}
