package errs

import (
	"errors"
	"net/http"
)

var (
	ErrModelNotLoaded       = errors.New("model not loaded")
	ErrModelBusy            = errors.New("model busy")
	ErrModelFailed          = errors.New("model inference failed")
	ErrProjectNotFound      = errors.New("project not found")
	ErrGenerationNotFound   = errors.New("generation not found")
	ErrAlreadyExists        = errors.New("project already exists")
	ErrInvalidProjectName   = errors.New("invalid project name")
	ErrInvalidFrameworkType = errors.New("invalid framework type")
	ErrInvalidTarget        = errors.New("invalid target file")
	ErrInvalidImage         = errors.New("invalid image")
	ErrMultiFileResponse    = errors.New("model returned more than one code block")
	ErrEmptyModelOutput     = errors.New("model returned no code")
	ErrFileWriteFailed      = errors.New("file write failed")
	ErrNoPortAvailable      = errors.New("no port available")
	ErrProcessLaunchFailed  = errors.New("process launch failed")
	ErrStartCanceled        = errors.New("preview stopped while starting")
	ErrMetadataCorrupt      = errors.New("metadata corrupt")
	ErrUnauthorized         = errors.New("unauthorized")
)

var ErrStatusMap = map[error]int{
	ErrModelNotLoaded:       http.StatusConflict,
	ErrModelBusy:            http.StatusTooManyRequests,
	ErrModelFailed:          http.StatusBadGateway,
	ErrProjectNotFound:      http.StatusNotFound,
	ErrGenerationNotFound:   http.StatusNotFound,
	ErrAlreadyExists:        http.StatusConflict,
	ErrInvalidProjectName:   http.StatusUnprocessableEntity,
	ErrInvalidFrameworkType: http.StatusUnprocessableEntity,
	ErrInvalidTarget:        http.StatusUnprocessableEntity,
	ErrInvalidImage:         http.StatusUnprocessableEntity,
	ErrMultiFileResponse:    http.StatusUnprocessableEntity,
	ErrEmptyModelOutput:     http.StatusBadGateway,
	ErrFileWriteFailed:      http.StatusInternalServerError,
	ErrNoPortAvailable:      http.StatusServiceUnavailable,
	ErrProcessLaunchFailed:  http.StatusInternalServerError,
	ErrStartCanceled:        http.StatusConflict,
	ErrMetadataCorrupt:      http.StatusInternalServerError,
	ErrUnauthorized:         http.StatusUnauthorized,
}

// Kind returns the first known error kind wrapped by err, or nil.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for known := range ErrStatusMap {
		if errors.Is(err, known) {
			return known
		}
	}
	return nil
}

// Status returns the HTTP status for err, defaulting to 500.
func Status(err error) int {
	if k := Kind(err); k != nil {
		return ErrStatusMap[k]
	}
	return http.StatusInternalServerError
}
