package worldmap

// Code enumerates worldmap failure modes.
type Code int

const (
	CodeInvalidDimensions Code = iota
	CodeInvalidPosition
	CodeEntityAlreadyPresent
	CodeEntityNotFound
	CodeCellOccupied
	CodeNoSuchPortal
)

func (c Code) String() string {
	switch c {
	case CodeInvalidDimensions:
		return "invalid_dimensions"
	case CodeInvalidPosition:
		return "invalid_position"
	case CodeEntityAlreadyPresent:
		return "entity_already_present"
	case CodeEntityNotFound:
		return "entity_not_found"
	case CodeCellOccupied:
		return "cell_occupied"
	case CodeNoSuchPortal:
		return "no_such_portal"
	default:
		return "unknown"
	}
}

// Error is the worldmap package's typed error, matched with errors.Is
// via Code (mirrors internal/codec.FrameError and internal/crypto.Error).
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
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidDimensions    = &Error{Code: CodeInvalidDimensions}
	ErrInvalidPosition      = &Error{Code: CodeInvalidPosition}
	ErrEntityAlreadyPresent = &Error{Code: CodeEntityAlreadyPresent}
	ErrEntityNotFound       = &Error{Code: CodeEntityNotFound}
	ErrCellOccupied         = &Error{Code: CodeCellOccupied}
	ErrNoSuchPortal         = &Error{Code: CodeNoSuchPortal}
)
