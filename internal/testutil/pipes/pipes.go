// Package pipes builds in-memory duplex streams for connection tests.
package pipes

import (
	"errors"
	"io"
)

// End is one side of an in-memory duplex stream. Writes on one End are read
// from its peer. Close ends both directions for this side.
type End struct {
	r *io.PipeReader
	w *io.PipeWriter
}

// Pair returns two connected ends.
func Pair() (*End, *End) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &End{r: ar, w: aw}, &End{r: br, w: bw}
}

func (e *End) Read(p []byte) (int, error)  { return e.r.Read(p) }
func (e *End) Write(p []byte) (int, error) { return e.w.Write(p) }

// CloseWrite signals end of stream to the peer while still allowing reads.
func (e *End) CloseWrite() error {
	return e.w.Close()
}

func (e *End) Close() error {
	return errors.Join(e.w.Close(), e.r.Close())
}
