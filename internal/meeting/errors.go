package meeting

import "errors"

var (
	ErrNotInMeeting     = errors.New("participant is not in the meeting")
	ErrUnknownRecipient = errors.New("recipient is not in the meeting")
	ErrInvalidPeerID    = errors.New("invalid peer id")
	ErrSenderMismatch   = errors.New("signal sender does not match the connection")
	ErrRateLimited      = errors.New("signal rate limit exceeded")
	ErrSignalTooLarge   = errors.New("signal exceeds size limit")
)
