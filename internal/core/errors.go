package core

import "time"

// ErrorCode is the machine-readable failure kind exposed at the edge.
type ErrorCode string

const (
	// Applicant-attributable (terminal REJECTED, never retried)
	ErrNoFace        ErrorCode = "E001"
	ErrMultipleFaces ErrorCode = "E002"
	ErrLowQuality    ErrorCode = "E003"
	ErrFaceTooSmall  ErrorCode = "E004"
	ErrBadFormat     ErrorCode = "E005"
	ErrTooLarge      ErrorCode = "E006"
	ErrLowResolution ErrorCode = "E007"

	// System-attributable
	ErrProcessingFailed ErrorCode = "E100"
	ErrEmbeddingFailed  ErrorCode = "E101"
	ErrTimeout          ErrorCode = "E104"
	ErrQueueFull        ErrorCode = "E105"
	ErrStoreUnavailable ErrorCode = "E200"
	ErrNotFound         ErrorCode = "E202"

	// Auth
	ErrAuthInvalid     ErrorCode = "E300"
	ErrAuthExpired     ErrorCode = "E301"
	ErrAuthForbidden   ErrorCode = "E302"
	ErrAuthCredentials ErrorCode = "E303"

	// Validation
	ErrValidation    ErrorCode = "E400"
	ErrJustification ErrorCode = "E401"

	ErrInternal        ErrorCode = "E500"
	ErrBreakerOpen     ErrorCode = "E503"
	ErrRateLimited     ErrorCode = "E504"
	ErrRetriesExhaust  ErrorCode = "E999"
)

// Severity buckets for the edge envelope.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ErrorEnvelope is the uniform failure shape shared by the REST surface,
// webhooks and logs.
type ErrorEnvelope struct {
	ErrorCode   ErrorCode              `json:"error_code"`
	Message     string                 `json:"message"`
	UserMessage string                 `json:"user_message"`
	Severity    Severity               `json:"severity"`
	Timestamp   time.Time              `json:"timestamp"`
	Details     map[string]interface{} `json:"details,omitempty"`
	Actionable  bool                   `json:"actionable,omitempty"`
	RetryAfter  int                    `json:"retry_after,omitempty"` // seconds
}

type errorInfo struct {
	userMessage string
	severity    Severity
	actionable  bool
}

var errorCatalog = map[ErrorCode]errorInfo{
	ErrNoFace:        {"No face was detected in the photograph. Please submit a clear, front-facing photo.", SeverityLow, true},
	ErrMultipleFaces: {"More than one face was detected. Please submit a photo containing only the applicant.", SeverityLow, true},
	ErrLowQuality:    {"The photograph quality is too low. Please submit a sharper, well-lit photo.", SeverityLow, true},
	ErrFaceTooSmall:  {"The face in the photograph is too small. Please submit a closer photo.", SeverityLow, true},
	ErrBadFormat:     {"The photograph format is not supported. Use JPEG or PNG.", SeverityLow, true},
	ErrTooLarge:      {"The photograph exceeds the maximum allowed size.", SeverityLow, true},
	ErrLowResolution: {"The photograph resolution is too low.", SeverityLow, true},

	ErrProcessingFailed: {"Processing failed. Please try again later.", SeverityHigh, false},
	ErrEmbeddingFailed:  {"Processing failed. Please try again later.", SeverityHigh, false},
	ErrTimeout:          {"The operation timed out. Please try again later.", SeverityMedium, false},
	ErrQueueFull:        {"The system is busy. Please try again shortly.", SeverityMedium, false},
	ErrStoreUnavailable: {"The service is temporarily unavailable.", SeverityCritical, false},
	ErrNotFound:         {"The requested record was not found.", SeverityLow, false},

	ErrAuthInvalid:     {"Authentication failed.", SeverityMedium, false},
	ErrAuthExpired:     {"Your session has expired. Please sign in again.", SeverityLow, true},
	ErrAuthForbidden:   {"You do not have permission to perform this action.", SeverityMedium, false},
	ErrAuthCredentials: {"Invalid credentials.", SeverityMedium, false},

	ErrValidation:    {"The request is invalid.", SeverityLow, true},
	ErrJustification: {"A justification of at least 10 characters is required.", SeverityLow, true},

	ErrInternal:       {"An internal error occurred.", SeverityCritical, false},
	ErrBreakerOpen:    {"The service is temporarily unavailable. Please retry later.", SeverityHigh, false},
	ErrRateLimited:    {"Too many requests. Please slow down.", SeverityLow, true},
	ErrRetriesExhaust: {"Processing failed after repeated attempts. An operator has been notified.", SeverityCritical, false},
}

// NewErrorEnvelope builds the edge envelope for a code. RetryAfter is left
// zero; callers populate it for E105/E503/E504 when a hint is known.
func NewErrorEnvelope(code ErrorCode, message string) ErrorEnvelope {
	info, ok := errorCatalog[code]
	if !ok {
		info = errorInfo{"An unexpected error occurred.", SeverityHigh, false}
	}
	return ErrorEnvelope{
		ErrorCode:   code,
		Message:     message,
		UserMessage: info.userMessage,
		Severity:    info.severity,
		Actionable:  info.actionable,
		Timestamp:   time.Now().UTC(),
	}
}
