// Package respfix repairs upstream response defects before translation:
// mis-encoded bytes, SSE field-name casing, and truncated JSON documents.
// Repair is conservative: anything that cannot be made valid passes through
// untouched, and the streaming reader degrades to raw pass-through once a
// single line would exceed its buffer cap.
package respfix

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// MaxFixSize caps the bytes buffered while waiting for a line terminator.
// Past it the stream is assumed to be binary or hostile and flows through
// unrepaired.
const MaxFixSize = 1 << 20

// FixEncoding replaces invalid UTF-8 sequences with the replacement rune.
func FixEncoding(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}
	return []byte(strings.ToValidUTF8(string(data), "�"))
}

// sseFields are the field names the SSE grammar defines.
var sseFields = [...]string{"data", "event", "id", "retry"}

// FixSSELine normalizes the field-name casing of one SSE line; "Data:"
// becomes "data:". Non-SSE lines return unchanged.
func FixSSELine(line []byte) []byte {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return line
	}
	name := string(line[:colon])
	lower := strings.ToLower(name)
	if lower == name {
		return line
	}
	for _, field := range sseFields {
		if lower == field {
			out := make([]byte, 0, len(line))
			out = append(out, field...)
			out = append(out, line[colon:]...)
			return out
		}
	}
	return line
}

// FixJSON completes a truncated JSON document: it closes an unterminated
// string, drops a dangling separator, and closes open arrays and objects.
// The repaired document is returned only if it parses; otherwise data
// returns unchanged.
func FixJSON(data []byte) []byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return data
	}
	if gjson.ValidBytes(trimmed) {
		return data
	}

	var stack []byte
	inString, escaped := false, false
	for _, b := range trimmed {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == b {
				stack = stack[:len(stack)-1]
			}
		}
	}

	repaired := append([]byte(nil), trimmed...)
	if inString {
		if escaped {
			repaired = repaired[:len(repaired)-1]
		}
		repaired = append(repaired, '"')
	}
	repaired = bytes.TrimRight(repaired, " \t\r\n")
	for len(repaired) > 0 && repaired[len(repaired)-1] == ',' {
		repaired = bytes.TrimRight(repaired[:len(repaired)-1], " \t\r\n")
	}
	if len(repaired) > 0 && repaired[len(repaired)-1] == ':' {
		repaired = append(repaired, "null"...)
	}
	for i := len(stack) - 1; i >= 0; i-- {
		repaired = append(repaired, stack[i])
	}
	if gjson.ValidBytes(repaired) {
		return repaired
	}
	return data
}

// FixLine repairs one complete line: encoding, SSE casing, and the JSON
// payload of a data line.
func FixLine(line []byte) []byte {
	line = FixEncoding(line)
	line = FixSSELine(line)
	if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		trimmed := bytes.TrimSpace(payload)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && !gjson.ValidBytes(trimmed) {
			if fixed := FixJSON(trimmed); !bytes.Equal(fixed, trimmed) {
				out := make([]byte, 0, len("data: ")+len(fixed))
				out = append(out, "data: "...)
				return append(out, fixed...)
			}
		}
	}
	return line
}

// FixBody repairs a complete non-streaming payload: encoding first, then
// JSON completion when the document does not parse.
func FixBody(data []byte) []byte {
	data = FixEncoding(data)
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' && trimmed[0] != '[' {
		return data
	}
	if gjson.ValidBytes(trimmed) {
		return data
	}
	if fixed := FixJSON(trimmed); !bytes.Equal(fixed, trimmed) {
		return fixed
	}
	return data
}

// Reader applies FixLine to a stream, buffering until each line terminator.
type Reader struct {
	src         *bufio.Reader
	out         bytes.Buffer
	line        bytes.Buffer
	passthrough bool
	err         error
}

// NewReader wraps an upstream body.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: bufio.NewReader(r)}
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	for r.out.Len() == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	return r.out.Read(p)
}

func (r *Reader) fill() {
	if r.passthrough {
		chunk := make([]byte, 32*1024)
		n, err := r.src.Read(chunk)
		if n > 0 {
			r.out.Write(chunk[:n])
		}
		if err != nil {
			r.err = err
		}
		return
	}

	part, err := r.src.ReadSlice('\n')
	if len(part) > 0 {
		r.line.Write(part)
	}
	switch err {
	case nil:
		r.emitLine()
	case bufio.ErrBufferFull:
		if r.line.Len() > MaxFixSize {
			r.passthrough = true
			r.out.Write(r.line.Bytes())
			r.line.Reset()
		}
	default:
		if r.line.Len() > 0 {
			r.out.Write(FixLine(r.line.Bytes()))
			r.line.Reset()
		}
		r.err = err
	}
}

// emitLine repairs the buffered line and forwards it with its original
// terminator.
func (r *Reader) emitLine() {
	raw := r.line.Bytes()
	body, terminator := raw, []byte(nil)
	if n := len(raw); n > 0 && raw[n-1] == '\n' {
		if n > 1 && raw[n-2] == '\r' {
			body, terminator = raw[:n-2], raw[n-2:]
		} else {
			body, terminator = raw[:n-1], raw[n-1:]
		}
	}
	r.out.Write(FixLine(body))
	r.out.Write(terminator)
	r.line.Reset()
}
