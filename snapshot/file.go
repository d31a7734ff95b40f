package snapshot

// A snapshot file is a sequence of framed messages:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]
//
// The first message is a MsgSnapshot carrying the gob-encoded Snapshot, the
// last one a MsgChecksum carrying the CRC-64 (ECMA) of every byte before it.

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"os"

	"github.com/bobuhiro11/gomicrovm/logger"
)

var log = logger.WithSource("snapshot")

var (
	ErrBadFormat = errors.New("malformed snapshot file")
	ErrChecksum  = errors.New("snapshot checksum mismatch")
)

// MsgType identifies a framed message.
type MsgType uint32

const (
	MsgSnapshot MsgType = 1 // gob-encoded Snapshot (no memory)
	MsgChecksum MsgType = 2 // big-endian CRC-64 of the preceding bytes
)

const headerSize = 12

// maxPayload bounds a single message so a corrupt length cannot make the
// reader allocate the whole address space.
const maxPayload = 1 << 30

var crcTable = crc64.MakeTable(crc64.ECMA)

// Writer writes framed messages and keeps a running checksum.
type Writer struct {
	w   io.Writer
	crc hash.Hash64
}

// NewWriter wraps w as a snapshot Writer.
func NewWriter(w io.Writer) *Writer {
	crc := crc64.New(crcTable)

	return &Writer{w: io.MultiWriter(w, crc), crc: crc}
}

// send writes a single framed message.
func (s *Writer) send(t MsgType, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}

	return nil
}

// WriteSnapshot encodes snap with gob and writes it as a MsgSnapshot.
func (s *Writer) WriteSnapshot(snap *Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return s.send(MsgSnapshot, buf.Bytes())
}

// Close writes the checksum trailer. Nothing may be written after it.
func (s *Writer) Close() error {
	sum := make([]byte, 8)
	binary.BigEndian.PutUint64(sum, s.crc.Sum64())

	return s.send(MsgChecksum, sum)
}

// Reader reads framed messages and verifies the checksum trailer.
type Reader struct {
	r   io.Reader
	crc hash.Hash64
}

// NewReader wraps r as a snapshot Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, crc: crc64.New(crcTable)}
}

// Next reads the next message header and returns the type and full payload.
// A MsgChecksum is verified before it is returned; a mismatch is ErrChecksum.
func (r *Reader) Next() (MsgType, []byte, error) {
	// The checksum covers everything before the trailer, so it is taken
	// before this message is hashed.
	sum := r.crc.Sum64()
	tee := io.TeeReader(r.r, r.crc)

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(tee, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length > maxPayload {
		return 0, nil, fmt.Errorf("%w: message type %d of %d bytes", ErrBadFormat, t, length)
	}

	var payload []byte

	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(tee, payload); err != nil {
			return 0, nil, fmt.Errorf("read payload (type=%d len=%d): %w", t, length, err)
		}
	}

	if t == MsgChecksum {
		if len(payload) != 8 {
			return 0, nil, fmt.Errorf("%w: checksum of %d bytes", ErrBadFormat, len(payload))
		}

		if got := binary.BigEndian.Uint64(payload); got != sum {
			return 0, nil, fmt.Errorf("%w: file says %#x, computed %#x", ErrChecksum, got, sum)
		}
	}

	return t, payload, nil
}

// DecodeSnapshot decodes a gob-encoded Snapshot from payload bytes.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	snap := &Snapshot{}
	dec := gob.NewDecoder((*bReader)(&payload))

	if err := dec.Decode(snap); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %w", ErrBadFormat, err)
	}

	return snap, nil
}

// Encode writes snap followed by its checksum trailer.
func Encode(w io.Writer, snap *Snapshot) error {
	sw := NewWriter(w)
	if err := sw.WriteSnapshot(snap); err != nil {
		return err
	}

	return sw.Close()
}

// Decode reads a snapshot written by Encode and checks its trailer.
func Decode(r io.Reader) (*Snapshot, error) {
	sr := NewReader(r)

	t, payload, err := sr.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadFormat, err)
	}

	if t != MsgSnapshot {
		return nil, fmt.Errorf("%w: first message has type %d", ErrBadFormat, t)
	}

	snap, err := DecodeSnapshot(payload)
	if err != nil {
		return nil, err
	}

	t, _, err = sr.Next()

	switch {
	case errors.Is(err, ErrChecksum):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: missing checksum: %w", ErrBadFormat, err)
	case t != MsgChecksum:
		return nil, fmt.Errorf("%w: trailer has type %d", ErrBadFormat, t)
	}

	return snap, nil
}

// Save writes snap to path, replacing any previous file.
func Save(path string, snap *Snapshot) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if err := Encode(f, snap); err != nil {
		f.Close()

		return fmt.Errorf("write %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("sync %s: %w", path, err)
	}

	log.Infof("snapshot of %d vcpus and %d devices written to %s", len(snap.VCPUs), len(snap.Devices), path)

	return f.Close()
}

// Load reads and verifies the snapshot file at path.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	snap, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return snap, nil
}

// bReader wraps a byte slice as an io.Reader.
type bReader []byte

func (b *bReader) Read(p []byte) (int, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}

	n := copy(p, *b)
	*b = (*b)[n:]

	return n, nil
}
