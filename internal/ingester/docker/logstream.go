package docker

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

const (
	maxLineSize  = 1 << 20
	maxFrameSize = 16 << 20
)

// streamType identifies the source of a multiplexed log frame.
type streamType byte

const (
	streamStdin  streamType = 0
	streamStdout streamType = 1
	streamStderr streamType = 2
)

func (s streamType) String() string {
	switch s {
	case streamStdout:
		return "stdout"
	case streamStderr:
		return "stderr"
	default:
		return "stdin"
	}
}

// logEntry is one line of container output.
type logEntry struct {
	Timestamp time.Time
	Stream    string // "stdout", "stderr" or "tty"
	Line      []byte
}

// logReader pulls entries from a container log stream. A non-TTY stream is
// multiplexed: each frame has an 8-byte header
// [stream(1)][padding(3)][size(4, big endian)] followed by the payload.
type logReader struct {
	r       io.Reader
	scanner *bufio.Scanner // TTY streams only
	header  [8]byte
	pending []logEntry
}

func newLogReader(r io.Reader, tty bool) *logReader {
	lr := &logReader{r: r}
	if tty {
		lr.scanner = bufio.NewScanner(r)
		lr.scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	}
	return lr
}

// next returns the next non-empty entry, or io.EOF at the end of the
// stream.
func (lr *logReader) next() (logEntry, error) {
	if lr.scanner != nil {
		return lr.nextRaw()
	}
	for len(lr.pending) == 0 {
		if err := lr.readFrame(); err != nil {
			return logEntry{}, err
		}
	}
	e := lr.pending[0]
	lr.pending = lr.pending[1:]
	return e, nil
}

func (lr *logReader) readFrame() error {
	if _, err := io.ReadFull(lr.r, lr.header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(lr.header[4:])
	if size > maxFrameSize {
		return fmt.Errorf("log frame of %d bytes exceeds %d", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(lr.r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", io.ErrUnexpectedEOF)
	}

	stream := streamType(lr.header[0]).String()
	for line := range bytes.SplitSeq(payload, []byte{'\n'}) {
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		ts, rest := parseTimestamp(line)
		lr.pending = append(lr.pending, logEntry{Timestamp: ts, Stream: stream, Line: rest})
	}
	return nil
}

func (lr *logReader) nextRaw() (logEntry, error) {
	for lr.scanner.Scan() {
		line := bytes.TrimSuffix(lr.scanner.Bytes(), []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		ts, rest := parseTimestamp(line)
		return logEntry{Timestamp: ts, Stream: "tty", Line: bytes.Clone(rest)}, nil
	}
	if err := lr.scanner.Err(); err != nil {
		return logEntry{}, err
	}
	return logEntry{}, io.EOF
}

// parseTimestamp splits the RFC3339Nano prefix Docker adds with
// timestamps=true ("2024-01-15T10:30:00.123456789Z message"). A line
// without one is returned whole with a zero time.
func parseTimestamp(line []byte) (time.Time, []byte) {
	idx := bytes.IndexByte(line, ' ')
	if idx < 20 {
		return time.Time{}, line
	}
	ts, err := time.Parse(time.RFC3339Nano, string(line[:idx]))
	if err != nil {
		return time.Time{}, line
	}
	return ts, line[idx+1:]
}
