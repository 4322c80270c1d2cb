package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/textproto"
	"strconv"
	"strings"
	"unicode/utf8"
)

// HeaderContentLength is the only header the reader requires.
const HeaderContentLength = "Content-Length"

var (
	ErrInvalidHeader  = errors.New("frame: invalid header")
	ErrInvalidContent = errors.New("frame: invalid content")
)

// Frame is one complete wire message: a header block and its JSON body.
type Frame struct {
	Headers map[string]string
	Body    []byte
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaderBytes: 64 * 1024,
		MaxBodyBytes:   math.MaxInt32,
	}
}

func (l Limits) withDefaults() Limits {
	def := DefaultLimits()
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if l.MaxBodyBytes <= 0 || l.MaxBodyBytes > math.MaxInt32 {
		l.MaxBodyBytes = def.MaxBodyBytes
	}
	return l
}

// Header returns the value of a header by case-insensitive name.
func (f Frame) Header(name string) (string, bool) {
	v, ok := f.Headers[textproto.CanonicalMIMEHeaderKey(name)]
	return v, ok
}

// Decode parses the body into a generic JSON tree. Numbers are kept as json.Number.
func (f Frame) Decode() (any, error) {
	dec := json.NewDecoder(bytes.NewReader(f.Body))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return out, nil
}

// Reader extracts successive frames from a byte stream. Not safe for
// concurrent use; a connection owns exactly one.
type Reader struct {
	r      *bufio.Reader
	limits Limits
}

func NewReader(r io.Reader, limits Limits) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, limits: limits.withDefaults()}
}

// ReadFrame reads one frame. A stream that ends before any byte of the next
// frame returns io.EOF; every other short read is a protocol error.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	return NewReader(r, limits).ReadFrame()
}

func (fr *Reader) ReadFrame() (Frame, error) {
	headers, err := fr.readHeaders()
	if err != nil {
		return Frame{}, err
	}

	raw, ok := headers[HeaderContentLength]
	if !ok {
		return Frame{}, fmt.Errorf("%w: %s not specified", ErrInvalidHeader, HeaderContentLength)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
	if err != nil || n < 0 {
		return Frame{}, fmt.Errorf("%w: invalid %s %q", ErrInvalidHeader, HeaderContentLength, raw)
	}
	if n > int64(fr.limits.MaxBodyBytes) {
		return Frame{}, fmt.Errorf("%w: %s %d exceeds limit %d", ErrInvalidHeader, HeaderContentLength, n, fr.limits.MaxBodyBytes)
	}

	body, err := io.ReadAll(io.LimitReader(fr.r, n))
	if err != nil {
		return Frame{}, err
	}
	if int64(len(body)) != n {
		return Frame{}, fmt.Errorf("%w: expected %d bytes but read %d", ErrInvalidContent, n, len(body))
	}
	if !utf8.Valid(body) {
		return Frame{}, fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidContent)
	}
	if !json.Valid(body) {
		return Frame{}, fmt.Errorf("%w: body is not valid JSON", ErrInvalidContent)
	}
	return Frame{Headers: headers, Body: body}, nil
}

// readHeaders consumes header lines up to and including the blank line.
// Blank lines before the first header are skipped.
func (fr *Reader) readHeaders() (map[string]string, error) {
	headers := make(map[string]string)
	total := 0
	var line []byte
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if total == 0 {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("%w: stream ended inside header block", ErrInvalidHeader)
			}
			return nil, err
		}
		total++
		if total > fr.limits.MaxHeaderBytes {
			return nil, fmt.Errorf("%w: header block exceeds %d bytes", ErrInvalidHeader, fr.limits.MaxHeaderBytes)
		}
		if b != '\n' {
			line = append(line, b)
			continue
		}
		if len(line) == 0 || line[len(line)-1] != '\r' {
			return nil, fmt.Errorf("%w: header line not terminated by CRLF", ErrInvalidHeader)
		}
		text := string(line[:len(line)-1])
		line = line[:0]
		if text == "" {
			if len(headers) == 0 {
				continue
			}
			return headers, nil
		}
		name, value, found := strings.Cut(text, ":")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, fmt.Errorf("%w: malformed header %q, expected 'name: value'", ErrInvalidHeader, text)
		}
		headers[textproto.CanonicalMIMEHeaderKey(name)] = strings.TrimSpace(value)
	}
}

// AppendFrame appends the Content-Length header block and body to dst.
func AppendFrame(dst []byte, body []byte) []byte {
	dst = append(dst, HeaderContentLength...)
	dst = append(dst, ": "...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	dst = append(dst, "\r\n\r\n"...)
	return append(dst, body...)
}

type flusher interface {
	Flush() error
}

// WriteFrame writes one frame in a single Write call and flushes buffered writers.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > math.MaxInt32 {
		return fmt.Errorf("%w: body of %d bytes exceeds Content-Length range", ErrInvalidContent, len(body))
	}
	buf := AppendFrame(make([]byte, 0, len(body)+32), body)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if f, ok := w.(flusher); ok {
		return f.Flush()
	}
	return nil
}
