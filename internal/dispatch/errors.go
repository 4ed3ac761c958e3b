package dispatch

// Code enumerates dispatch-layer errors, per spec.md §7's DispatchError
// taxonomy: unknown opcodes are logged and dropped, handler errors are
// logged and the connection continues.
type Code int

const (
	CodeUnknownPacketType Code = iota
	CodeHandlerError
)

func (c Code) String() string {
	switch c {
	case CodeUnknownPacketType:
		return "unknown_packet_type"
	case CodeHandlerError:
		return "handler_error"
	default:
		return "unknown"
	}
}

type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrUnknownPacketType = &Error{Code: CodeUnknownPacketType, Msg: "no handler registered for packet type"}
)
