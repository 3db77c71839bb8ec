package record

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Writer encodes and writes FastCGI records. It serializes concurrent
// writers with a mutex, since multiple sessions on one connection share
// the same underlying net.Conn and their STDOUT/STDERR/END_REQUEST
// records must not interleave mid-record.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w as a record Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteRecord writes one record, padding its content to the next
// multiple of 8 bytes as this engine's convention (padding length is
// otherwise free; this is the value it chooses when producing
// records).
func (wr *Writer) WriteRecord(typ Type, requestID uint16, content []byte) error {
	if len(content) > MaxContentLen {
		return fmt.Errorf("record: content length %d exceeds %d", len(content), MaxContentLen)
	}
	pad := paddedLen(len(content))

	var hdr [HeaderLen]byte
	hdr[0] = Version1
	hdr[1] = uint8(typ)
	binary.BigEndian.PutUint16(hdr[2:4], requestID)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(len(content)))
	hdr[6] = pad
	hdr[7] = 0

	wr.mu.Lock()
	defer wr.mu.Unlock()

	if _, err := wr.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(content) > 0 {
		if _, err := wr.w.Write(content); err != nil {
			return err
		}
	}
	if pad > 0 {
		var padding [8]byte
		if _, err := wr.w.Write(padding[:pad]); err != nil {
			return err
		}
	}
	return nil
}

// WriteChunked writes payload as a series of records of the given type,
// each carrying at most MaxContentLen bytes, without a terminating
// empty record. Used for STDOUT/STDERR body writes that may be
// followed by more of the same stream.
func (wr *Writer) WriteChunked(typ Type, requestID uint16, payload []byte) error {
	for len(payload) > 0 {
		n := len(payload)
		if n > MaxContentLen {
			n = MaxContentLen
		}
		if err := wr.WriteRecord(typ, requestID, payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// WriteStream writes payload as a series of records of the given type,
// plus a final zero-length record signaling end-of-stream. Passing a
// nil/empty payload writes only the terminator.
func (wr *Writer) WriteStream(typ Type, requestID uint16, payload []byte) error {
	if err := wr.WriteChunked(typ, requestID, payload); err != nil {
		return err
	}
	return wr.WriteRecord(typ, requestID, nil)
}

// WriteBeginRequest writes a BEGIN_REQUEST record. Used by tests and by
// any code exercising this engine as a FastCGI client; the engine itself
// only ever receives BEGIN_REQUEST, it never sends one.
func (wr *Writer) WriteBeginRequest(requestID uint16, role Role, flags uint8) error {
	var body [8]byte
	binary.BigEndian.PutUint16(body[0:2], uint16(role))
	body[2] = flags
	return wr.WriteRecord(TypeBeginRequest, requestID, body[:])
}

// WriteEndRequest writes an END_REQUEST record.
func (wr *Writer) WriteEndRequest(requestID uint16, appStatus uint32, protoStatus ProtocolStatus) error {
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], appStatus)
	body[4] = uint8(protoStatus)
	return wr.WriteRecord(TypeEndRequest, requestID, body[:])
}

// WriteUnknownType writes an UNKNOWN_TYPE record in response to a record
// type this engine does not implement.
func (wr *Writer) WriteUnknownType(requestID uint16, unknown Type) error {
	var body [8]byte
	body[0] = uint8(unknown)
	return wr.WriteRecord(TypeUnknownType, requestID, body[:])
}

// EncodeNameValuePairs encodes pairs using the length-prefix rule
// (single byte under 128, else four bytes with the top bit set).
func EncodeNameValuePairs(pairs []NameValue) []byte {
	var out []byte
	for _, p := range pairs {
		out = appendLength(out, len(p.Name))
		out = appendLength(out, len(p.Value))
		out = append(out, p.Name...)
		out = append(out, p.Value...)
	}
	return out
}

func appendLength(b []byte, n int) []byte {
	if n < 128 {
		return append(b, byte(n))
	}
	var enc [4]byte
	binary.BigEndian.PutUint32(enc[:], uint32(n)|0x80000000)
	return append(b, enc[:]...)
}
