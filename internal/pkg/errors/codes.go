package errors

// Error code constants. Errors carry code + params; consumer modules own
// message presentation and i18n. Engine logs are always in English.

// Workflow configuration error codes.
const (
	CodeConfiguration = "CONFIGURATION_ERROR"
)

// Transition error codes.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeGuardFailed       = "GUARD_FAILED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeCascadeFailed     = "CASCADE_FAILED"
	CodeBusy              = "BUSY"
)

// Relation error codes.
const (
	CodeCycleDetected         = "CYCLE_DETECTED"
	CodeRelationNotFound      = "RELATION_NOT_FOUND"
	CodeReferenceIncompatible = "REFERENCE_INCOMPATIBLE"
)

// Entity error codes.
const (
	CodeEntityNotFound = "ENTITY_NOT_FOUND"
	CodeAlreadyExists  = "ENTITY_ALREADY_EXISTS"
)

// Consistency error codes.
const (
	CodeDriftDetected = "DRIFT_DETECTED"
	CodeInternal      = "INTERNAL_ERROR"
)
