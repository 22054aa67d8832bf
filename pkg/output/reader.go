package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxLineBytes bounds a single JSONL line. Records are small;
// anything past this is a corrupt or hostile stream.
const DefaultMaxLineBytes = 1 << 20

// Reader decodes a JSONL record stream produced by a Writer.
//
// Reader is not safe for concurrent use.
type Reader struct {
	r            *bufio.Reader
	maxLineBytes int
}

// NewReader creates a reader over a JSONL stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxLineBytes: DefaultMaxLineBytes}
}

// SetMaxLineBytes overrides the per-line size limit. Values <= 0 reset
// the default.
func (d *Reader) SetMaxLineBytes(n int) {
	if n <= 0 {
		d.maxLineBytes = DefaultMaxLineBytes
		return
	}
	d.maxLineBytes = n
}

// Next returns the next record in the stream. io.EOF signals a clean
// end; a blank line is treated as end of stream.
func (d *Reader) Next() (Record, error) {
	line, err := readLineLimited(d.r, d.maxLineBytes)
	if err != nil {
		return Record{}, err
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return Record{}, io.EOF
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ReadAll collects every remaining record in the stream.
func (d *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := d.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// JobData decodes the payload of a job announcement record.
func (r Record) JobData() (JobRecord, error) {
	var data JobRecord
	err := r.decodeData(TypeJob, &data)
	return data, err
}

// ProgressData decodes the payload of a progress record.
func (r Record) ProgressData() (ProgressRecord, error) {
	var data ProgressRecord
	err := r.decodeData(TypeProgress, &data)
	return data, err
}

// ErrorData decodes the payload of an error record.
func (r Record) ErrorData() (ErrorRecord, error) {
	var data ErrorRecord
	err := r.decodeData(TypeError, &data)
	return data, err
}

// SummaryData decodes the payload of a summary record.
func (r Record) SummaryData() (SummaryRecord, error) {
	var data SummaryRecord
	err := r.decodeData(TypeSummary, &data)
	return data, err
}

func (r Record) decodeData(wantType string, out any) error {
	if r.Type != wantType {
		return fmt.Errorf("record type is %s, not %s", r.Type, wantType)
	}
	return json.Unmarshal(r.Data, out)
}

func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}

	var out []byte
	for {
		frag, err := r.ReadSlice('\n')
		out = append(out, frag...)
		if len(out) > maxBytes {
			return nil, errors.New("jsonl line exceeds max bytes")
		}
		if err == nil {
			return bytes.TrimSuffix(out, []byte("\n")), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		return nil, err
	}
}
