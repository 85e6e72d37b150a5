package mocap

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrLineTooLong marks a line that exceeded the reader's limit. The rest of
// the line is discarded and reading continues with the next one.
var ErrLineTooLong = errors.New("line too long")

// ReadLines calls fn for every non-empty newline-delimited line in r. A line
// longer than maxLen bytes is skipped and reported to fn as a nil line with
// ErrLineTooLong, so one oversized record never stops the stream. The line
// slice is only valid during the call. ReadLines returns nil at EOF and
// otherwise the first read error or the first error returned by fn.
func ReadLines(r io.Reader, maxLen int, fn func(line []byte, err error) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var buf []byte
	overlong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if err != nil && err != bufio.ErrBufferFull && err != io.EOF {
			return err
		}
		if !overlong {
			if len(bytes.TrimRight(chunk, "\r\n"))+len(buf) > maxLen {
				overlong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}

		var ferr error
		if overlong {
			ferr = fn(nil, ErrLineTooLong)
		} else if line := bytes.TrimRight(buf, "\r\n"); len(line) > 0 {
			ferr = fn(line, nil)
		}
		if ferr != nil {
			return ferr
		}
		buf = buf[:0]
		overlong = false
		if err == io.EOF {
			return nil
		}
	}
}
