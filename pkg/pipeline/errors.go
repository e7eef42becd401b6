package pipeline

import (
	"context"
	"errors"
	"os"

	"github.com/MrCodeEU/rollcall/pkg/attendance"
	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
)

// ErrorCode identifies the kind of session failure.
type ErrorCode string

const (
	ErrCodeDeviceUnavailable ErrorCode = "DEVICE_UNAVAILABLE"
	ErrCodeDeviceBusy        ErrorCode = "DEVICE_BUSY"
	ErrCodeDetectionTimeout  ErrorCode = "DETECTION_TIMEOUT"
	ErrCodeNoFace            ErrorCode = "NO_FACE"
	ErrCodeDuplicateUser     ErrorCode = "DUPLICATE_USER"
	ErrCodeNotEnrolled       ErrorCode = "NOT_ENROLLED"
	ErrCodeNotRecognized     ErrorCode = "NOT_RECOGNIZED"
	ErrCodeInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrCodeCancelled         ErrorCode = "CANCELLED"
	ErrCodeInternal          ErrorCode = "INTERNAL"
)

// SessionError is a structured pipeline error. It unwraps to its cause.
type SessionError struct {
	Code    ErrorCode
	Message string
	Retry   bool
	Details map[string]interface{}
	Err     error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// User-facing messages
var errorMessages = map[ErrorCode]string{
	ErrCodeDeviceUnavailable: "Camera unavailable. Please check the camera connection",
	ErrCodeDeviceBusy:        "Camera is in use by another session",
	ErrCodeDetectionTimeout:  "No face detected in time. Please face the camera and try again",
	ErrCodeNoFace:            "No face found in the image",
	ErrCodeDuplicateUser:     "A user with this name already exists",
	ErrCodeNotEnrolled:       "No such user is enrolled",
	ErrCodeNotRecognized:     "Face not recognized",
	ErrCodeInvalidInput:      "Invalid input",
	ErrCodeCancelled:         "Cancelled",
	ErrCodeInternal:          "Internal error",
}

// GetErrorMessage returns a user-facing message for an error code.
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "Session failed"
}

// NewSessionError creates a session error with the default message for code.
func NewSessionError(code ErrorCode, retry bool, cause error) *SessionError {
	return &SessionError{
		Code:    code,
		Message: GetErrorMessage(code),
		Retry:   retry,
		Details: make(map[string]interface{}),
		Err:     cause,
	}
}

// Classify converts err into a SessionError. A nil error stays nil.
func Classify(err error) *SessionError {
	if err == nil {
		return nil
	}
	var se *SessionError
	if errors.As(err, &se) {
		return se
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return NewSessionError(ErrCodeCancelled, true, err)
	case errors.Is(err, camera.ErrDeviceBusy):
		return NewSessionError(ErrCodeDeviceBusy, true, err)
	case errors.Is(err, camera.ErrDeviceUnavailable),
		errors.Is(err, camera.ErrEndOfStream),
		errors.Is(err, capture.ErrLoopNotRunning):
		return NewSessionError(ErrCodeDeviceUnavailable, false, err)
	case errors.Is(err, capture.ErrDetectionTimeout):
		return NewSessionError(ErrCodeDetectionTimeout, true, err)
	case errors.Is(err, recognition.ErrNoFaceDetected):
		return NewSessionError(ErrCodeNoFace, true, err)
	case errors.Is(err, attendance.ErrDuplicateUser), errors.Is(err, storage.ErrUserExists):
		return NewSessionError(ErrCodeDuplicateUser, false, err)
	case errors.Is(err, storage.ErrUserNotFound):
		return NewSessionError(ErrCodeNotEnrolled, false, err)
	case errors.Is(err, attendance.ErrEmptyName),
		errors.Is(err, recognition.ErrUnsupportedImage),
		errors.Is(err, recognition.ErrDimensionMismatch),
		errors.Is(err, os.ErrNotExist):
		return NewSessionError(ErrCodeInvalidInput, false, err)
	default:
		return NewSessionError(ErrCodeInternal, false, err)
	}
}

// CodeOf returns the error code for err, or "" for nil.
func CodeOf(err error) ErrorCode {
	if se := Classify(err); se != nil {
		return se.Code
	}
	return ""
}
