package app

import (
	"errors"
	"fmt"
	"net/http"

	"civicplan/api/internal/attachments"
	"civicplan/api/internal/auth"
	"civicplan/api/internal/collab"
)

// DomainError is an HTTP-level failure raised by the REST layer itself,
// outside the engine.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var kindStatus = map[collab.Kind]int{
	collab.KindNotFound:   http.StatusNotFound,
	collab.KindForbidden:  http.StatusForbidden,
	collab.KindGone:       http.StatusGone,
	collab.KindValidation: http.StatusUnprocessableEntity,
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var engineErr *collab.Error
	if errors.As(err, &engineErr) {
		status, ok := kindStatus[engineErr.Kind]
		if !ok {
			return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
		}
		if engineErr.Details != nil {
			details = engineErr.Details
		}
		return status, engineErr.Code, engineErr.Message, details
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	switch {
	case errors.Is(err, attachments.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "ATTACHMENT_TOO_LARGE", "Attachment exceeds the size limit", nil
	case errors.Is(err, attachments.ErrInvalidName):
		return http.StatusUnprocessableEntity, "ATTACHMENT_NAME_REQUIRED", "Attachment name is required", nil
	case errors.Is(err, attachments.ErrInvalidKey):
		return http.StatusNotFound, "ATTACHMENT_NOT_FOUND", "Attachment not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
