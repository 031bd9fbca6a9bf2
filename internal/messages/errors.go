package messages

// Failure taxonomy for the message store client. None of these are fatal:
// fetches may be retried by the caller, sends leave the optimistic entry
// flagged, and mark-read failures only risk an unread undercount.

// FetchError wraps a failed conversation history query.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return "fetch conversation: " + e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// SendError wraps a failed message insert. Draft preserves the caller's
// input so it can be re-sent without retyping.
type SendError struct {
	Draft Draft
	Err   error
}

func (e *SendError) Error() string { return "send message: " + e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// MarkReadError wraps a failed read_at update. Callers log it and keep the
// optimistic ledger clear in place.
type MarkReadError struct {
	Err error
}

func (e *MarkReadError) Error() string { return "mark read: " + e.Err.Error() }
func (e *MarkReadError) Unwrap() error { return e.Err }
