package transport

import (
	"errors"
	"io"
	"os"
)

// StdioStream joins a process's stdin and stdout into one duplex stream.
type StdioStream struct {
	in  io.Reader
	out io.Writer
}

func Stdio() *StdioStream {
	return NewStdioStream(os.Stdin, os.Stdout)
}

func NewStdioStream(in io.Reader, out io.Writer) *StdioStream {
	return &StdioStream{in: in, out: out}
}

func (s *StdioStream) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *StdioStream) Write(p []byte) (int, error) { return s.out.Write(p) }

// Close closes whichever halves are closable.
func (s *StdioStream) Close() error {
	var errs []error
	if c, ok := s.in.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := s.out.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
