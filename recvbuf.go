package tcpengine

import (
	"fmt"

	"github.com/armon/circbuf"
)

// recvBuffer is the delivered-byte store of a connection. Reads always Reset
// the ring, so TotalWritten equals the number of buffered bytes.
type recvBuffer struct {
	buf *circbuf.Buffer
}

func newRecvBuffer(size int) (*recvBuffer, error) {
	if size < 1 {
		size = 1
	}
	buf, err := circbuf.NewBuffer(int64(size))
	if err != nil {
		return nil, fmt.Errorf("create receive buffer: %w", err)
	}
	return &recvBuffer{buf: buf}, nil
}

// write appends p. It reports false when p did not fit and the oldest bytes
// were overwritten.
func (r *recvBuffer) write(p []byte) bool {
	fits := r.buf.TotalWritten()+int64(len(p)) <= r.buf.Size()
	_, _ = r.buf.Write(p)
	return fits
}

// read copies buffered bytes into p and keeps the remainder.
func (r *recvBuffer) read(p []byte) (int, error) {
	data := r.buf.Bytes()
	n := copy(p, data)

	r.buf.Reset()
	if n < len(data) {
		if _, err := r.buf.Write(data[n:]); err != nil {
			return n, fmt.Errorf("write remaining data: %w", err)
		}
	}
	return n, nil
}

func (r *recvBuffer) len() int {
	return int(r.buf.TotalWritten())
}
