package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	fserr "github.com/bleepstore/bleepfs/internal/errors"
)

// ErrorBody is the JSON error response. A partial bulk failure carries the
// per-path report.
type ErrorBody struct {
	Status    int         `json:"status" doc:"HTTP status code"`
	Code      string      `json:"code" doc:"Error kind" example:"NotFound"`
	Message   string      `json:"message"`
	Path      string      `json:"path,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Report    *BulkReport `json:"report,omitempty"`
}

// BulkReport lists the outcome of each path of a folder operation.
type BulkReport struct {
	Operation string            `json:"operation"`
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed"`
	Pending   []string          `json:"pending"`
}

// Error implements the error interface.
func (e *ErrorBody) Error() string { return e.Code + ": " + e.Message }

// GetStatus implements huma.StatusError.
func (e *ErrorBody) GetStatus() int { return e.Status }

// apiError converts a storage error into the response Huma writes. Server
// side failures are logged.
func apiError(logger *slog.Logger, op string, err error) error {
	body := &ErrorBody{
		Status:    fserr.HTTPStatus(err),
		Code:      fserr.Code(err),
		Message:   err.Error(),
		Retryable: fserr.IsRetryable(err),
	}

	var se *fserr.StorageError
	if errors.As(err, &se) {
		body.Path = se.Path
	}
	var pb *fserr.PartialBulkFailure
	if errors.As(err, &pb) {
		report := &BulkReport{
			Operation: pb.Operation,
			Succeeded: pb.Succeeded,
			Failed:    make(map[string]string, len(pb.Failed)),
			Pending:   pb.Pending,
		}
		for p, ferr := range pb.Failed {
			report.Failed[p] = ferr.Error()
		}
		body.Report = report
	}
	if errors.Is(err, context.Canceled) && pb == nil {
		// The client went away; nobody reads this response.
		body.Status = 499
		body.Code = "RequestCancelled"
	}

	if body.Status >= http.StatusInternalServerError {
		logger.Error("request failed", "operation", op, "code", body.Code, "error", err)
	} else {
		logger.Debug("request rejected", "operation", op, "code", body.Code, "error", err)
	}
	return body
}
