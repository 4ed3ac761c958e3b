package crypto

// Code enumerates the CryptoError taxonomy from spec.md §7.
type Code int

const (
	CodeNotInitialized Code = iota
	CodeBadDhResponse
)

func (c Code) String() string {
	switch c {
	case CodeNotInitialized:
		return "NotInitialized"
	case CodeBadDhResponse:
		return "BadDhResponse"
	default:
		return "Unknown"
	}
}

// Error is the crypto package's error type; fatal for the connection per
// spec.md §7.
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
