package signaling

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrUnsupportedType = errors.New("unsupported signal type")
	ErrInvalidMessage  = errors.New("invalid signaling message")
	ErrNotJoined       = errors.New("transport has not joined a meeting")
	ErrClosed          = errors.New("transport closed")

	ErrInvalidMeetingID = errors.New("invalid meeting id")
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalidRequest   = "invalid_request"
	CodeInvalidSignal    = "invalid_signal"
	CodeNotInMeeting     = "not_in_meeting"
	CodeUnknownRecipient = "unknown_recipient"
	CodeRateLimited      = "rate_limited"
	CodeTooLarge         = "too_large"
	CodeInternal         = "internal"
)

// StatusError is a non-success response from the meeting API.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return "meeting api: status " + strconv.Itoa(e.StatusCode)
	}
	return "meeting api: status " + strconv.Itoa(e.StatusCode) + ": " + e.Code + ": " + e.Message
}

const maxMeetingIDLen = 64

// ValidateMeetingID accepts 1 to 64 characters from [A-Za-z0-9._-], which keeps
// IDs safe in URL paths, Redis keys and MQTT topics.
func ValidateMeetingID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: meeting id is required", ErrInvalidMeetingID)
	}
	if len(id) > maxMeetingIDLen {
		return fmt.Errorf("%w: meeting id too long (%d > %d)", ErrInvalidMeetingID, len(id), maxMeetingIDLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.' || c == '_' || c == '-':
		default:
			return fmt.Errorf("%w: meeting id %q contains invalid character %q", ErrInvalidMeetingID, id, c)
		}
	}
	return nil
}
