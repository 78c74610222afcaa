package udpcap

// Code identifies the outcome of a udpcap operation. Callers should
// switch on Code rather than testing an error for nil/non-nil truthiness.
type Code int

const (
	// OK indicates success.
	OK Code = iota
	// GenericError wraps an underlying capture-driver error; Detail
	// carries the driver's message.
	GenericError
	// DriverNotInitialized means the capture driver bootstrap failed or
	// was never attempted. Fatal for the socket instance.
	DriverNotInitialized
	// NotBound means the operation requires a bound socket.
	NotBound
	// Timeout means the deadline was reached with no complete datagram.
	Timeout
	// SocketClosed means Close interrupted a blocked receive.
	SocketClosed
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case GenericError:
		return "GenericError"
	case DriverNotInitialized:
		return "DriverNotInitialized"
	case NotBound:
		return "NotBound"
	case Timeout:
		return "Timeout"
	case SocketClosed:
		return "SocketClosed"
	default:
		return "Unknown"
	}
}

// Error is the tagged (code, detail) error udpcap operations report.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Detail
}

// Is allows errors.Is(err, udpcap.ErrTimeout) style comparisons by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newError(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

// Sentinel errors for errors.Is comparisons against a bare code.
var (
	ErrGenericError          = &Error{Code: GenericError}
	ErrDriverNotInitialized  = &Error{Code: DriverNotInitialized}
	ErrNotBound              = &Error{Code: NotBound}
	ErrTimeout               = &Error{Code: Timeout}
	ErrSocketClosed          = &Error{Code: SocketClosed}
)
