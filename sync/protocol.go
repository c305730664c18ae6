package sync

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

const (
	// ProtocolID is the libp2p protocol every docmesh stream runs on. The
	// per-document routing tag travels inside the stream so both sides of
	// a mismatch can be reported, which multistream negotiation alone
	// cannot do.
	ProtocolID = "/docmesh/sync/1.0.0"

	// protocolToken prefixes every routing tag.
	protocolToken = "docmesh-sync"

	maxTagLen         = 1024
	maxStateVectorLen = 1 << 20
)

// RoutingTag derives the tag for a document id. Two peers synchronize only if
// their tags are byte-identical.
func RoutingTag(docID string) string {
	return protocolToken + "/" + docID
}

const (
	ackOK       = 0
	ackMismatch = 1
)

// Payload kinds carried by the exchange envelope.
const (
	payloadSnapshot = byte(1)
	payloadUpdate   = byte(2)
)

func writeUvarint(w io.Writer, v uint64) error {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	_, err := w.Write(buf[:n])
	return err
}

func writeBlob(w io.Writer, b []byte) error {
	if err := writeUvarint(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBlob(r *bufio.Reader, limit int) ([]byte, error) {
	size, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: length prefix: %w", ErrMalformedPayload, err)
	}
	if size > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, limit)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: truncated body: %w", ErrMalformedPayload, err)
	}
	return buf, nil
}

// hello is the first frame on a stream: the initiator's routing tag and its
// engine state vector, so the acceptor can route the stream and export a
// minimal delta.
func writeHello(w *bufio.Writer, tag string, sv []byte) error {
	if err := writeBlob(w, []byte(tag)); err != nil {
		return err
	}
	if err := writeBlob(w, sv); err != nil {
		return err
	}
	return w.Flush()
}

func readHello(r *bufio.Reader) (tag string, sv []byte, err error) {
	rawTag, err := readBlob(r, maxTagLen)
	if err != nil {
		return "", nil, err
	}
	sv, err = readBlob(r, maxStateVectorLen)
	if err != nil {
		return "", nil, err
	}
	return string(rawTag), sv, nil
}

// ack answers a hello. On ackOK the tag is the acceptor's own (equal) tag and
// sv its state vector; on ackMismatch the tag carries the acceptor's sole
// registered tag when it has exactly one, so the dialer can report both sides
// of the mismatch.
func writeAck(w *bufio.Writer, status byte, tag string, sv []byte) error {
	if err := w.WriteByte(status); err != nil {
		return err
	}
	if err := writeBlob(w, []byte(tag)); err != nil {
		return err
	}
	if err := writeBlob(w, sv); err != nil {
		return err
	}
	return w.Flush()
}

func readAck(r *bufio.Reader) (status byte, tag string, sv []byte, err error) {
	status, err = r.ReadByte()
	if err != nil {
		return 0, "", nil, fmt.Errorf("%w: ack status: %w", ErrMalformedPayload, err)
	}
	if status != ackOK && status != ackMismatch {
		return 0, "", nil, fmt.Errorf("%w: ack status %d", ErrMalformedPayload, status)
	}
	rawTag, err := readBlob(r, maxTagLen)
	if err != nil {
		return 0, "", nil, err
	}
	sv, err = readBlob(r, maxStateVectorLen)
	if err != nil {
		return 0, "", nil, err
	}
	return status, string(rawTag), sv, nil
}

// The payload envelope is a kind byte plus a length-prefixed body. The kind
// and length are validated before any body byte reaches the engine.
func writePayload(w *bufio.Writer, kind byte, data []byte, limit int) error {
	if len(data) > limit {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(data), limit)
	}
	if err := w.WriteByte(kind); err != nil {
		return err
	}
	if err := writeBlob(w, data); err != nil {
		return err
	}
	return w.Flush()
}

func readPayload(r *bufio.Reader, limit int) (kind byte, data []byte, err error) {
	kind, err = r.ReadByte()
	if err != nil {
		return 0, nil, fmt.Errorf("%w: envelope kind: %w", ErrMalformedPayload, err)
	}
	if kind != payloadSnapshot && kind != payloadUpdate {
		return 0, nil, fmt.Errorf("%w: envelope kind %d", ErrMalformedPayload, kind)
	}
	data, err = readBlob(r, limit)
	if err != nil {
		return 0, nil, err
	}
	return kind, data, nil
}

func kindString(kind byte) string {
	if kind == payloadSnapshot {
		return "snapshot"
	}
	return "update"
}
