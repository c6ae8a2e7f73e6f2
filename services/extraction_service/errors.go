package extraction_service

import "fmt"

type ErrorCode string

const (
	CodeConfigError      ErrorCode = "CONFIG_ERROR"
	CodeUploadError      ErrorCode = "UPLOAD_ERROR"
	CodeStatusCheckError ErrorCode = "STATUS_CHECK_ERROR"
	CodeResultFetchError ErrorCode = "RESULT_FETCH_ERROR"
	CodeJobFailed        ErrorCode = "JOB_FAILED"
	CodeTimeoutError     ErrorCode = "TIMEOUT_ERROR"
)

// ExtractionError is the typed error for every failure mode of the
// extraction client.
type ExtractionError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

func extractionErr(code ErrorCode, message string, err error) *ExtractionError {
	return &ExtractionError{Code: code, Message: message, Err: err}
}

// AggregationError is returned when no chunk of a job produced a result.
type AggregationError struct {
	Message string
}

func (e *AggregationError) Error() string {
	return "aggregation failed: " + e.Message
}
