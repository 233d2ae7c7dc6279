package tcpengine

import "github.com/pkg/errors"

var (
	// ErrNoConnection is returned when a segment does not map to any connection.
	ErrNoConnection = errors.New("no connection for segment")
	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrBacklogFull is returned when a listener has no room for another child.
	ErrBacklogFull = errors.New("listen backlog full")
	// ErrAccessDenied is returned when a listener's access list rejects a source.
	ErrAccessDenied = errors.New("source rejected by access list")
	// ErrRateLimited is returned when a source exceeds the SYN rate limit.
	ErrRateLimited = errors.New("syn rate limit exceeded")
	// ErrChecksum is returned by the codec for a datagram with a bad checksum.
	ErrChecksum = errors.New("bad checksum")
	// ErrMalformed is returned by the codec for a datagram it cannot parse.
	ErrMalformed = errors.New("malformed datagram")
	// ErrAddressInUse is returned when a connection or listener already owns an address pair.
	ErrAddressInUse = errors.New("address already in use")
	// ErrClosed is returned by operations on a closed engine or connection.
	ErrClosed = errors.New("closed")
)
