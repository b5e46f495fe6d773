// package verbose traces bytes moving through a connection.
package verbose

import (
	"fmt"
	"math/rand"
	"net"
	"strings"

	"github.com/sirupsen/logrus"
)

// Wrap returns c itself unless enabled and logger traces, in which case
// every completed Read and Write is logged at trace level. the entries
// carry the connection id in the "conn" field.
func Wrap(c net.Conn, enabled bool, logger *logrus.Logger) net.Conn {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if !enabled || !logger.IsLevelEnabled(logrus.TraceLevel) {
		return c
	}
	id := rand.Uint32()
	return &Conn{
		Conn: c,
		id:   id,
		log:  logger.WithField("conn", fmt.Sprintf("%08x", id)),
	}
}

type Conn struct {
	net.Conn
	id  uint32
	log *logrus.Entry
}

func (c *Conn) ID() uint32 {
	return c.id
}

func (c *Conn) Read(p []byte) (n int, err error) {
	n, err = c.Conn.Read(p)
	if n > 0 {
		c.log.Tracef("read: %s", Escape(p[:n]))
	}
	return
}

func (c *Conn) Write(p []byte) (n int, err error) {
	n, err = c.Conn.Write(p)
	if n > 0 {
		c.log.Tracef("write: %s", Escape(p[:n]))
	}
	return
}

// NetConn returns the traced connection
func (c *Conn) NetConn() net.Conn {
	return c.Conn
}

const hex = "0123456789abcdef"

// Escape renders b as a quoted, printable string. CR, LF, TAB, NUL,
// backslash and double quote get short escapes, other non-printable bytes
// are rendered as \xNN.
func Escape(b []byte) string {
	var s strings.Builder
	s.Grow(len(b) + 2)
	s.WriteByte('"')
	for _, c := range b {
		switch c {
		case '\n':
			s.WriteString(`\n`)
		case '\r':
			s.WriteString(`\r`)
		case '\t':
			s.WriteString(`\t`)
		case '\\':
			s.WriteString(`\\`)
		case '"':
			s.WriteString(`\"`)
		case 0:
			s.WriteString(`\0`)
		default:
			if c >= 0x20 && c < 0x7f {
				s.WriteByte(c)
			} else {
				s.WriteString(`\x`)
				s.WriteByte(hex[c>>4])
				s.WriteByte(hex[c&0xf])
			}
		}
	}
	s.WriteByte('"')
	return s.String()
}
