package opencode

import (
	"bufio"
	"bytes"
	"io"
)

// readSSE reads server-sent events from r and calls fn with each event's
// data payload. It returns when r is exhausted or fails.
func readSSE(r io.Reader, fn func(data []byte)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var data bytes.Buffer
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			switch {
			case len(line) == 0:
				if data.Len() > 0 {
					fn(append([]byte(nil), data.Bytes()...))
					data.Reset()
				}
			case line[0] == ':':
			case bytes.HasPrefix(line, []byte("data:")):
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.Write(bytes.TrimPrefix(bytes.TrimPrefix(line, []byte("data:")), []byte(" ")))
			}
		}
		if err != nil {
			if data.Len() > 0 {
				fn(data.Bytes())
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}
