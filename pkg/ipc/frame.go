package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MaxFrameLength bounds a single envelope on the wire (64MB). Observations
// carry base64 screenshots, so this is far above typical frames.
const MaxFrameLength = 64 * 1024 * 1024

// ErrFrameTooLarge is returned by Send for envelopes the peer would reject.
var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// writeFrame writes one Content-Length framed body.
func writeFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameLength {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(body), MaxFrameLength)
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// readFrame reads one Content-Length framed body.
func readFrame(r *bufio.Reader) ([]byte, error) {
	length := -1

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && length < 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("invalid header: %q", line)
		}
		if strings.EqualFold(name, "content-length") {
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid content-length: %w", err)
			}
			if n < 0 || n > MaxFrameLength {
				return nil, fmt.Errorf("content-length %d exceeds maximum allowed %d", n, MaxFrameLength)
			}
			length = n
		}
	}

	if length < 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
