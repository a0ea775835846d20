package media

import "fmt"

// Cause classifies a failed upload.
type Cause string

const (
	CauseUnauthorized  Cause = "unauthorized"
	CauseQuotaExceeded Cause = "quota-exceeded"
	CauseCanceled      Cause = "canceled"
	CauseInvalidFormat Cause = "invalid-format"
	CauseOther         Cause = "other"
)

type UploadError struct {
	Cause Cause
	Err   error
}

func (e *UploadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upload failed: %s", e.Cause)
	}
	return fmt.Sprintf("upload failed: %s: %v", e.Cause, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Message is the text shown to the uploader.
func (e *UploadError) Message() string {
	switch e.Cause {
	case CauseUnauthorized:
		return "You are not allowed to upload files to this conversation."
	case CauseQuotaExceeded:
		return "The file is too large."
	case CauseCanceled:
		return "The upload was canceled."
	case CauseInvalidFormat:
		return "This file type is not supported."
	default:
		return "The upload failed. Please try again."
	}
}
