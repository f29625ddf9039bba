package apperr

var (
	ErrInvalidParticipants  = InvalidParticipants("a conversation needs two distinct participants")
	ErrInvalidContent       = InvalidContent("message content is invalid")
	ErrContentEmpty         = InvalidContent("message content cannot be empty")
	ErrContentTooLong       = InvalidContent("message content exceeds 5000 characters")
	ErrMissingParty         = InvalidContent("message needs a sender and a receiver")
	ErrStorageUnavailable   = New(CodeStorageUnavailable, "storage unavailable")
	ErrTransportUnavailable = TransportUnavailable("realtime transport disconnected")
	ErrPermissionDenied     = PermissionDenied("user is not a participant of this conversation")
	ErrConversationNotFound = NotFound("conversation not found")
	ErrRateLimited          = New(CodeRateLimited, "too many events")
)
