package retry

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
)

// lostConnectionSignatures are message fragments emitted by drivers when the
// session under a statement has gone away.
var lostConnectionSignatures = []string{
	"server has gone away",
	"no connection to the server",
	"lost connection",
	"is dead or not enabled",
	"error while sending",
	"decryption failed or bad record mac",
	"server closed the connection unexpectedly",
	"ssl connection has been closed unexpectedly",
	"error writing data to the connection",
	"resource deadlock avoided",
	"transaction() on null",
	"child connection forced to terminate due to client_idle_limit",
	"query_wait_timeout",
	"reset by peer",
	"physical connection is not usable",
	"tcp provider: error code 0x68",
	"name or service not known",
	"ora-03114",
	"packets out of order. expected",
	"broken pipe",
	"connection refused",
	"connection reset",
	"i/o timeout",
	"use of closed network connection",
	"conn closed",
	"bad connection",
}

// CausedByLostConnection reports whether err indicates the underlying session
// was dropped, as opposed to a statement-level failure.
func CausedByLostConnection(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, apperrors.ErrLostConnection) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range lostConnectionSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
