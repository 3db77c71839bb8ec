package record

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ErrContentTooLarge describes a content length beyond MaxContentLen.
// ReadRecord never returns it: ContentLength is a uint16 and cannot
// exceed MaxContentLen.
var ErrContentTooLarge = fmt.Errorf("record: content length exceeds %d", MaxContentLen)

// Reader decodes a stream of FastCGI records from the underlying
// connection. It is not safe for concurrent use by multiple goroutines.
type Reader struct {
	r io.Reader
}

// NewReader wraps r as a record Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadRecord reads one full record (header, content, and padding) off the
// wire. Padding bytes are discarded; Record.Content holds only the
// content bytes.
func (rd *Reader) ReadRecord() (Record, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		return Record{}, err
	}

	h := Header{
		Version:       hdr[0],
		Type:          Type(hdr[1]),
		RequestID:     binary.BigEndian.Uint16(hdr[2:4]),
		ContentLength: binary.BigEndian.Uint16(hdr[4:6]),
		PaddingLength: hdr[6],
		// hdr[7] is reserved.
	}

	content := make([]byte, h.ContentLength)
	if len(content) > 0 {
		if _, err := io.ReadFull(rd.r, content); err != nil {
			return Record{}, fmt.Errorf("record: reading content: %w", err)
		}
	}

	if h.PaddingLength > 0 {
		pad := make([]byte, h.PaddingLength)
		if _, err := io.ReadFull(rd.r, pad); err != nil {
			return Record{}, fmt.Errorf("record: reading padding: %w", err)
		}
	}

	return Record{Header: h, Content: content}, nil
}

// DecodeBeginRequest decodes an 8-byte BEGIN_REQUEST body.
func DecodeBeginRequest(content []byte) (BeginRequestBody, error) {
	if len(content) < 8 {
		return BeginRequestBody{}, fmt.Errorf("record: short BEGIN_REQUEST body (%d bytes)", len(content))
	}
	var b BeginRequestBody
	b.Role = Role(binary.BigEndian.Uint16(content[0:2]))
	b.Flags = content[2]
	copy(b.Reserved[:], content[3:8])
	return b, nil
}

// DecodeEndRequest decodes an 8-byte END_REQUEST body.
func DecodeEndRequest(content []byte) (EndRequestBody, error) {
	if len(content) < 8 {
		return EndRequestBody{}, fmt.Errorf("record: short END_REQUEST body (%d bytes)", len(content))
	}
	var b EndRequestBody
	b.AppStatus = binary.BigEndian.Uint32(content[0:4])
	b.ProtocolStatus = ProtocolStatus(content[4])
	copy(b.Reserved[:], content[5:8])
	return b, nil
}

// NameValue is a single decoded name-value pair.
type NameValue struct {
	Name  string
	Value string
}

// DecodeNameValuePairs decodes a concatenated stream of name-value pairs
// such as a PARAMS record's content or a GET_VALUES body. Each pair is
// length-prefixed: a length under 128 is a single byte, otherwise four
// bytes with the top bit set.
func DecodeNameValuePairs(content []byte) ([]NameValue, error) {
	var pairs []NameValue
	pos := 0
	for pos < len(content) {
		nameLen, n, err := readLength(content[pos:])
		if err != nil {
			return nil, fmt.Errorf("record: name length: %w", err)
		}
		pos += n

		valueLen, n, err := readLength(content[pos:])
		if err != nil {
			return nil, fmt.Errorf("record: value length: %w", err)
		}
		pos += n

		if pos+int(nameLen)+int(valueLen) > len(content) {
			return nil, fmt.Errorf("record: name-value pair exceeds content bounds")
		}

		name := string(content[pos : pos+int(nameLen)])
		pos += int(nameLen)
		value := string(content[pos : pos+int(valueLen)])
		pos += int(valueLen)

		pairs = append(pairs, NameValue{Name: name, Value: value})
	}
	return pairs, nil
}

// readLength decodes one length field, returning the decoded value and
// the number of bytes it occupied (1 or 4).
func readLength(b []byte) (uint32, int, error) {
	if len(b) < 1 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	if b[0]&0x80 == 0 {
		return uint32(b[0]), 1, nil
	}
	if len(b) < 4 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(b[0:4]) & 0x7FFFFFFF
	return v, 4, nil
}
