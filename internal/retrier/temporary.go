package retrier

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// Temporary is implemented by errors that may succeed when retried.
type Temporary interface {
	Temporary() bool
}

// IsTemporary reports whether err is worth another attempt: errors marking
// themselves temporary, network timeouts and dropped connections.
func IsTemporary(err error) bool {
	var temp Temporary
	if errors.As(err, &temp) {
		return temp.Temporary()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
