package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"image-upload-pipeline/internal/models"
)

// Response is the envelope every endpoint returns.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func succeed(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, Response{Status: StatusSuccess, Message: message, Data: data})
}

func fail(w http.ResponseWriter, code int, message string, err error) {
	resp := Response{Status: StatusError, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, code, resp)
}

// validationMessage renders a validation error for the client without the kind prefix.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		var b strings.Builder
		for _, fe := range verrs {
			b.WriteString(fe.Field() + ": " + fe.Tag() + "; ")
		}
		return strings.TrimSpace(b.String())
	}
	if errors.Is(err, models.ErrNotReady) {
		return "Processing not completed yet"
	}
	msg := strings.TrimPrefix(err.Error(), models.ErrValidation.Error()+": ")
	if msg == "" {
		return "invalid request"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

// requestLogger writes one zerolog line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
