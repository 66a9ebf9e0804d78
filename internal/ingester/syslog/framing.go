package syslog

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// maxOctetCount bounds an octet-counted TCP frame.
	maxOctetCount = 1 << 20
	// maxCountDigits is the longest decimal prefix maxOctetCount allows.
	maxCountDigits = 7
)

var errOctetCount = errors.New("invalid octet count")

// splitFrames is a bufio.SplitFunc for syslog over TCP (RFC 6587). A frame
// that starts with a digit is octet-counted ("LEN SP MSG"); anything else
// runs to the next LF. The final frame of a stream may omit its LF.
func splitFrames(data []byte, atEOF bool) (int, []byte, error) {
	if len(data) == 0 {
		return 0, nil, nil
	}

	if data[0] >= '0' && data[0] <= '9' {
		sp := bytes.IndexByte(data, ' ')
		switch {
		case sp < 0 && len(data) > maxCountDigits:
			return 0, nil, errOctetCount
		case sp < 0 && atEOF:
			return 0, nil, io.ErrUnexpectedEOF
		case sp < 0:
			return 0, nil, nil
		}
		n, err := strconv.Atoi(string(data[:sp]))
		if err != nil || n > maxOctetCount {
			return 0, nil, errOctetCount
		}
		end := sp + 1 + n
		if len(data) < end {
			if atEOF {
				return 0, nil, io.ErrUnexpectedEOF
			}
			return 0, nil, nil
		}
		return end, data[sp+1 : end], nil
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, trimCRLF(data[:i+1]), nil
	}
	if atEOF {
		return len(data), trimCRLF(data), nil
	}
	return 0, nil, nil
}

func newFrameScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxOctetCount+maxCountDigits+1)
	sc.Split(splitFrames)
	return sc
}

func trimCRLF(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte("\n"))
	return bytes.TrimSuffix(line, []byte("\r"))
}
