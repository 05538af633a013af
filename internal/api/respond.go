package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/pkg/models"
)

const maxBodyBytes = 1 << 20

func (s *Server) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
		code = http.StatusInternalServerError
		response = []byte(`{"success":false,"message":"Internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func (s *Server) respondWithError(w http.ResponseWriter, code int, message string) {
	s.respondWithJSON(w, code, models.ErrorResponse{
		Success: false,
		Message: message,
	})
}

type errorMapping struct {
	status  int
	kind    string
	message string
}

var errorMappings = map[error]errorMapping{
	apperr.ErrValidation:           {http.StatusBadRequest, "validation", ""},
	apperr.ErrUnresolvableZone:     {http.StatusUnprocessableEntity, "unresolvable_zone", "We don't deliver to that area yet."},
	apperr.ErrEmptyCart:            {http.StatusConflict, "empty_cart", "Your cart is empty."},
	apperr.ErrPersistence:          {http.StatusServiceUnavailable, "persistence", "Something went wrong on our side. Please try again."},
	apperr.ErrInvalidTransition:    {http.StatusConflict, "invalid_transition", ""},
	apperr.ErrConflict:             {http.StatusConflict, "conflict", "The order was changed by someone else. Reload and try again."},
	apperr.ErrInvalidCredentials:   {http.StatusUnauthorized, "invalid_credentials", ""},
	apperr.ErrNotRegisteredAsAdmin: {http.StatusForbidden, "not_registered_as_admin", "This account is not registered as an administrator."},
	apperr.ErrNotFound:             {http.StatusNotFound, "not_found", "Not found."},
}

// respondWithAppError maps an error kind to its status code. Errors without
// a kind are logged and reported as 500.
func (s *Server) respondWithAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	m, ok := errorMappings[kind]
	if !ok {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Unhandled error")
		s.respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := models.ErrorResponse{
		Success: false,
		Message: m.message,
		Kind:    m.kind,
		Field:   apperr.FieldOf(err),
	}
	if resp.Message == "" {
		resp.Message = detail(err, kind)
	}

	entry := s.logger.WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": m.status,
		"kind":   m.kind,
	}).WithError(err)
	if m.status >= 500 {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}

	s.respondWithJSON(w, m.status, resp)
}

// detail is the caller-facing text of an error: the field and reason for
// validation failures, the underlying message otherwise.
func detail(err error, kind error) string {
	var e *apperr.Error
	if !errors.As(err, &e) || e.Err == nil {
		return kind.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("%s %v", e.Field, e.Err)
	}
	return e.Err.Error()
}

// decodeJSON reads a JSON body. When strict, fields the target does not
// declare are rejected.
func decodeJSON(r *http.Request, v interface{}, strict bool) error {
	const op = "api.decode"

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		if field, ok := unknownField(err); ok {
			return apperr.Invalid(op, field, "is not an updatable field")
		}
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return apperr.Invalid(op, typeErr.Field, "has the wrong type")
		}
		return apperr.Invalid(op, "body", "must be a valid JSON object")
	}
	return nil
}

func unknownField(err error) (string, bool) {
	const prefix = "json: unknown field "
	msg := err.Error()
	if !strings.HasPrefix(msg, prefix) {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(msg, prefix), `"`), true
}
