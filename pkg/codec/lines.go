package codec

import "bytes"

// LineDecoder splits a byte stream into lines. Bytes after the last newline
// are held until a later chunk completes them.
type LineDecoder struct {
	buf []byte
}

// Feed appends chunk and returns every line it completes, without the
// terminator. A trailing carriage return is stripped.
func (d *LineDecoder) Feed(chunk []byte) [][]byte {
	d.buf = append(d.buf, chunk...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(d.buf[:i], []byte{'\r'})
		lines = append(lines, append([]byte(nil), line...))
		d.buf = d.buf[i+1:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return lines
}

// Pending returns the bytes of the incomplete trailing line.
func (d *LineDecoder) Pending() []byte {
	return d.buf
}

// Flush returns the incomplete trailing line, if any, and resets the decoder.
func (d *LineDecoder) Flush() []byte {
	rest := bytes.TrimSuffix(d.buf, []byte{'\r'})
	d.buf = nil
	if len(rest) == 0 {
		return nil
	}
	return rest
}
