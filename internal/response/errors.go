package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrStaffAccessOnly   ErrCode = "STAFF_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"
	ErrUnknownAction  ErrCode = "UNKNOWN_ACTION"

	// ─── Proctoring ────────────────────────────────────────────────────
	ErrAttemptActive    ErrCode = "ATTEMPT_ALREADY_ACTIVE"
	ErrNotInProgress    ErrCode = "ATTEMPT_NOT_IN_PROGRESS"
	ErrWarningPending   ErrCode = "WARNING_PENDING"
	ErrSubmitInFlight   ErrCode = "SUBMIT_IN_FLIGHT"
	ErrInvalidState     ErrCode = "INVALID_STATE"
	ErrOutOfRange       ErrCode = "OUT_OF_RANGE"
	ErrQuizServiceError ErrCode = "QUIZ_SERVICE_ERROR"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrServiceUnavailable ErrCode = "SERVICE_UNAVAILABLE"
	ErrInternal           ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid or expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrStudentAccessOnly:
		return "This resource is restricted to students."
	case ErrStaffAccessOnly:
		return "This resource is restricted to faculty and administrators."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrUnknownAction:
		return "Unknown action."

	// ─── Proctoring ────────────────────────────────────────────────────
	case ErrAttemptActive:
		return "This test is already open in another window."
	case ErrNotInProgress:
		return "The test is not in progress."
	case ErrWarningPending:
		return "Please acknowledge the warning before continuing."
	case ErrSubmitInFlight:
		return "Your test is already being submitted."
	case ErrInvalidState:
		return "That action is not available right now."
	case ErrOutOfRange:
		return "That question or option does not exist."
	case ErrQuizServiceError:
		return "The quiz service is unavailable. Please try again."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrServiceUnavailable:
		return "A required service is unavailable."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
