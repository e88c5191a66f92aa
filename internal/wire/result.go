package wire

import (
	"bytes"
	"fmt"
	"io"
)

// Result tokens written by a worker after each job.
const (
	TokenSuccess = "Success"
	TokenError   = "Error"
)

const tokenDelim = '\n'

// maxTokenLength bounds how much unterminated data a result buffer may hold.
const maxTokenLength = 64

// WriteResult writes the token for ok.
func WriteResult(w io.Writer, ok bool) error {
	token := TokenError
	if ok {
		token = TokenSuccess
	}
	return writeFull(w, []byte(token+string(tokenDelim)))
}

// ResultBuffer accumulates bytes read from a result stream and hands out
// complete tokens only. Partial reads stay buffered until the delimiter arrives.
type ResultBuffer struct {
	buf []byte
}

// Write appends raw bytes from the stream.
func (b *ResultBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next pops the next complete token. ok is false when no full token is buffered.
// An unknown token or an overlong unterminated tail is an error.
func (b *ResultBuffer) Next() (success bool, ok bool, err error) {
	i := bytes.IndexByte(b.buf, tokenDelim)
	if i < 0 {
		if len(b.buf) > maxTokenLength {
			return false, false, fmt.Errorf("result token exceeds %d bytes without delimiter", maxTokenLength)
		}
		return false, false, nil
	}
	token := string(b.buf[:i])
	b.buf = b.buf[i+1:]
	switch token {
	case TokenSuccess:
		return true, true, nil
	case TokenError:
		return false, true, nil
	default:
		return false, true, fmt.Errorf("unknown result token %q", token)
	}
}

// Pending reports how many unconsumed bytes are buffered.
func (b *ResultBuffer) Pending() int {
	return len(b.buf)
}
