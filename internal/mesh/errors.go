package mesh

import "errors"

var (
	ErrInvalidPeerID       = errors.New("invalid peer id")
	ErrAlreadyJoined       = errors.New("already joined a meeting")
	ErrLeft                = errors.New("meeting left")
	ErrSessionClosed       = errors.New("peer session closed")
	ErrUnknownSignalType   = errors.New("unknown signal type")
	ErrMissingSignalBody   = errors.New("signal is missing its description or candidate")
	ErrMissingDependencies = errors.New("transport and connector are required")
)
