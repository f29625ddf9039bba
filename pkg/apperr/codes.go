package apperr

type Code string

const (
	CodeUnknown              Code = "UNKNOWN"
	CodeInvalidParticipants  Code = "INVALID_PARTICIPANTS"
	CodeInvalidContent       Code = "INVALID_CONTENT"
	CodeStorageUnavailable   Code = "STORAGE_UNAVAILABLE"
	CodeTransportUnavailable Code = "TRANSPORT_UNAVAILABLE"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeNotFound             Code = "NOT_FOUND"
	CodeRateLimited          Code = "RATE_LIMITED"
	CodeInternal             Code = "INTERNAL"
)
