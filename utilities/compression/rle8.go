package compression

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// maxGroupLength is the longest run a single RLE8 group can describe: the two
// literal bytes plus up to 255 repeats.
const maxGroupLength = 257

// countingWriter tracks how many bytes have been written through it.
type countingWriter struct {
	w     io.Writer
	total int64
}

func (cw *countingWriter) Write(data []byte) (int, error) {
	n, err := cw.w.Write(data)
	cw.total += int64(n)
	return n, err
}

// writeRun emits the RLE8 groups for `length` occurrences of `value`.
func writeRun(output *bufio.Writer, value byte, length int) error {
	for length >= 2 {
		group := length
		if group > maxGroupLength {
			group = maxGroupLength
		}

		_, err := output.Write([]byte{value, value, byte(group - 2)})
		if err != nil {
			return err
		}
		length -= group
	}

	if length == 1 {
		return output.WriteByte(value)
	}
	return nil
}

// CompressRLE8 run-length encodes `input` into `output` until `input` is
// exhausted. It returns the number of bytes written.
func CompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	counter := &countingWriter{w: output}
	sink := bufio.NewWriter(counter)

	current := -1
	length := 0
	for {
		b, err := source.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return counter.total, err
		}

		if int(b) == current {
			length++
			continue
		}

		if current >= 0 {
			err = writeRun(sink, byte(current), length)
			if err != nil {
				return counter.total, err
			}
		}
		current = int(b)
		length = 1
	}

	if current >= 0 {
		err := writeRun(sink, byte(current), length)
		if err != nil {
			return counter.total, err
		}
	}

	err := sink.Flush()
	return counter.total, err
}

// DecompressRLE8 reverses [CompressRLE8]. It returns the number of bytes
// written to `output`.
func DecompressRLE8(input io.Reader, output io.Writer) (int64, error) {
	source := bufio.NewReader(input)
	counter := &countingWriter{w: output}
	sink := bufio.NewWriter(counter)

	// previous is the last byte emitted if it could be the first half of a
	// pair, or -1 if the next byte starts a new group.
	previous := -1
	for {
		b, err := source.ReadByte()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return counter.total, fmt.Errorf("error reading input: %w", err)
		}

		if int(b) != previous {
			err = sink.WriteByte(b)
			previous = int(b)
		} else {
			repeats, readErr := source.ReadByte()
			if errors.Is(readErr, io.EOF) {
				return counter.total, fmt.Errorf(
					"%w: missing repeat count after two %02x bytes", io.ErrUnexpectedEOF, b)
			} else if readErr != nil {
				return counter.total, fmt.Errorf("error reading input: %w", readErr)
			}

			// One copy of the pair has already been written.
			_, err = sink.Write(bytes.Repeat([]byte{b}, int(repeats)+1))
			previous = -1
		}

		if err != nil {
			return counter.total, fmt.Errorf("failed to write to output: %w", err)
		}
	}

	err := sink.Flush()
	return counter.total, err
}
