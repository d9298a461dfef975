package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
)

type ErrorHandler struct {
	endpoint string
}

type jsonError struct {
	ErrorMsg string `json:"error"`
}

func NewErrorHandler(endpoint string) *ErrorHandler {
	return &ErrorHandler{endpoint}
}

// WriteAndLogError hides err from the client on server errors and logs it
// at error level; client errors are logged at debug level only.
func (eh *ErrorHandler) WriteAndLogError(
	w http.ResponseWriter,
	msg string,
	err error,
	statusCode int,
	fields log.Fields,
) {
	fields["endpoint"] = eh.endpoint
	logErr := fmt.Errorf("%s: %w", msg, err)
	responseErr := ""
	if statusCode >= 500 {
		log.WithFields(fields).Error(logErr)
		responseErr = msg
	} else {
		log.WithFields(fields).Debug(logErr)
		responseErr = logErr.Error()
	}
	eh.writeErrorMsg(w, responseErr, statusCode)
}

func (eh *ErrorHandler) writeErrorMsg(w http.ResponseWriter, msg string, statusCode int) {
	resp, _ := json.Marshal(jsonError{msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(resp)
}

// WriteAndLogValidationErrors reports every failed field of a request body
// with status 400.
func (eh *ErrorHandler) WriteAndLogValidationErrors(
	w http.ResponseWriter,
	err validator.ValidationErrors,
	fields log.Fields,
) {
	fields["endpoint"] = eh.endpoint
	failed := make([]string, 0, len(err))
	for _, fieldErr := range err {
		failed = append(failed, fmt.Sprintf("%s failed on %s", fieldErr.Field(), fieldErr.Tag()))
	}
	msg := "validation error: " + strings.Join(failed, ", ")
	log.WithFields(fields).Debug(msg)
	eh.writeErrorMsg(w, msg, http.StatusBadRequest)
}
