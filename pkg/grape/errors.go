package grape

// ErrorKind is the symbolic code a failed request or lifecycle call reports.
type ErrorKind string

const (
	KindReqNotFound ErrorKind = "ERR_REQ_NOTFOUND"
	KindLookup      ErrorKind = "ERR_GRAPE_LOOKUP"
	KindAnnounce    ErrorKind = "ERR_GRAPE_ANNOUNCE"
	KindServicePort ErrorKind = "ERR_GRAPE_SERVICE_PORT"
	KindHashFormat  ErrorKind = "ERR_GRAPE_HASH_FORMAT"
	KindGeneric     ErrorKind = "ERR_GRAPE_GENERIC"
	KindNoPort      ErrorKind = "ERR_NO_PORT"
)

var (
	ErrReqNotFound = &Error{Kind: KindReqNotFound}
	ErrLookup      = &Error{Kind: KindLookup}
	ErrAnnounce    = &Error{Kind: KindAnnounce}
	ErrServicePort = &Error{Kind: KindServicePort}
	ErrHashFormat  = &Error{Kind: KindHashFormat}
	ErrGeneric     = &Error{Kind: KindGeneric}
	ErrNoPort      = &Error{Kind: KindNoPort}
)

// Error carries an ErrorKind and optionally the failure that caused it. The
// message is always the kind's code so it can be handed to clients as is.
type Error struct {
	Kind ErrorKind
	Err  error
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
