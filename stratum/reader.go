package stratum

import (
	"bufio"
	"net"
	"time"
)

// bufLineReader is the real, socket-backed lineReader. It wraps a
// bufio.Reader so partial reads across TCP segments are assembled into
// whole lines before the codec ever sees them.
type bufLineReader struct {
	r *bufio.Reader
}

func newBufLineReader(conn net.Conn) *bufLineReader {
	return &bufLineReader{r: bufio.NewReader(conn)}
}

func (b *bufLineReader) ReadLine(deadline time.Time, conn net.Conn) (string, error) {
	_ = conn.SetReadDeadline(deadline)
	return readLine(b.r)
}
