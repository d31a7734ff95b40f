package virtio

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bobuhiro11/gomicrovm/memory"
)

// GuestMemory is what the queues and devices need from guest RAM.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
	Slice(addr, n uint64) ([]byte, error)
	CheckRange(addr, n uint64) error
	LoadUint16Acquire(addr uint64) (uint16, error)
	StoreUint16Release(addr uint64, v uint16) error
	StoreUint32Release(addr uint64, v uint32) error
	Discard(addr, n uint64) error
}

const (
	descSize      = 16
	usedElemSize  = 8
	ringHeaderLen = 4
)

// Segment is one guest buffer of a chain.
type Segment struct {
	Addr uint64
	Len  uint32
}

// DescriptorChain is a validated chain: device-readable segments first, then
// device-writable ones.
type DescriptorChain struct {
	Head        uint16
	Readable    []Segment
	Writable    []Segment
	ReadableLen uint32
	WritableLen uint32
}

// ReadAll copies every readable segment into one buffer.
func (c *DescriptorChain) ReadAll(mem GuestMemory) ([]byte, error) {
	buf := make([]byte, 0, c.ReadableLen)

	for _, s := range c.Readable {
		b, err := mem.Slice(s.Addr, uint64(s.Len))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
		}

		buf = append(buf, b...)
	}

	return buf, nil
}

// Write scatters data over the writable segments and returns how many bytes
// fit.
func (c *DescriptorChain) Write(mem GuestMemory, data []byte) (uint32, error) {
	var n uint32

	for _, s := range c.Writable {
		if len(data) == 0 {
			break
		}

		b, err := mem.Slice(s.Addr, uint64(s.Len))
		if err != nil {
			return n, fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
		}

		k := copy(b, data)
		data = data[k:]
		n += uint32(k)
	}

	return n, nil
}

// Queue is a split virtqueue. The guest owns the rings; the device keeps
// nextAvail and nextUsed.
type Queue struct {
	MaxSize   uint16
	Size      uint16
	Ready     bool
	DescTable uint64
	AvailRing uint64
	UsedRing  uint64

	nextAvail uint16
	nextUsed  uint16

	eventIdx      bool
	signalledUsed uint16
	signalled     bool
}

func NewQueue(maxSize uint16) *Queue {
	return &Queue{MaxSize: maxSize, Size: maxSize}
}

// Reset returns the queue to its power-on state.
func (q *Queue) Reset() {
	*q = Queue{MaxSize: q.MaxSize, Size: q.MaxSize}
}

// SetEventIdx enables VIRTIO_F_RING_EVENT_IDX handling.
func (q *Queue) SetEventIdx(on bool) {
	q.eventIdx = on
}

func (q *Queue) availIdxAddr() uint64 { return q.AvailRing + 2 }

func (q *Queue) usedEventAddr() uint64 {
	return q.AvailRing + ringHeaderLen + 2*uint64(q.Size)
}

func (q *Queue) availEventAddr() uint64 {
	return q.UsedRing + ringHeaderLen + usedElemSize*uint64(q.Size)
}

// IsValid reports whether the queue can be used: ready, a power-of-two size
// within bounds and rings that are aligned and inside guest memory.
func (q *Queue) IsValid(mem GuestMemory) bool {
	switch {
	case !q.Ready:
		return false
	case q.Size == 0 || q.Size > q.MaxSize || q.Size&(q.Size-1) != 0:
		return false
	case memory.CheckAligned(q.DescTable, 16) != nil,
		memory.CheckAligned(q.AvailRing, 2) != nil,
		memory.CheckAligned(q.UsedRing, 4) != nil:
		return false
	}

	size := uint64(q.Size)

	if mem.CheckRange(q.DescTable, descSize*size) != nil ||
		mem.CheckRange(q.AvailRing, ringHeaderLen+2*size+2) != nil ||
		mem.CheckRange(q.UsedRing, ringHeaderLen+usedElemSize*size+2) != nil {
		return false
	}

	return true
}

type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (q *Queue) descriptor(mem GuestMemory, index uint16) (descriptor, error) {
	var buf [descSize]byte

	if _, err := mem.ReadAt(buf[:], int64(q.DescTable+uint64(index)*descSize)); err != nil {
		return descriptor{}, fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
	}

	return descriptor{
		addr:  binary.LittleEndian.Uint64(buf[0:8]),
		len:   binary.LittleEndian.Uint32(buf[8:12]),
		flags: binary.LittleEndian.Uint16(buf[12:14]),
		next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// Len is the number of chains the driver made available and the device has
// not popped yet.
func (q *Queue) Len(mem GuestMemory) (uint16, error) {
	idx, err := mem.LoadUint16Acquire(q.availIdxAddr())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
	}

	return idx - q.nextAvail, nil
}

// Pop takes the next available chain, or returns nil when there is none.
func (q *Queue) Pop(mem GuestMemory) (*DescriptorChain, error) {
	pending, err := q.Len(mem)
	if err != nil {
		return nil, err
	}

	if pending == 0 {
		return nil, nil
	}

	if pending > q.Size {
		return nil, fmt.Errorf("%d chains pending in a queue of %d: %w", pending, q.Size, ErrMalformedDescriptor)
	}

	var raw [2]byte

	slot := q.AvailRing + ringHeaderLen + 2*uint64(q.nextAvail%q.Size)
	if _, err := mem.ReadAt(raw[:], int64(slot)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
	}

	head := binary.LittleEndian.Uint16(raw[:])
	q.nextAvail++

	if q.eventIdx {
		if err := mem.StoreUint16Release(q.availEventAddr(), q.nextAvail); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
		}
	}

	return q.chain(mem, head)
}

// UndoPop puts the last popped chain back.
func (q *Queue) UndoPop() {
	q.nextAvail--
}

func (q *Queue) chain(mem GuestMemory, head uint16) (*DescriptorChain, error) {
	c := &DescriptorChain{Head: head}
	visited := make([]bool, q.Size)
	index := head

	for n := 0; ; n++ {
		if n >= int(q.Size) {
			return nil, fmt.Errorf("chain at %d longer than the queue: %w", head, ErrMalformedDescriptor)
		}

		if index >= q.Size {
			return nil, fmt.Errorf("descriptor index %d out of range: %w", index, ErrMalformedDescriptor)
		}

		if visited[index] {
			return nil, fmt.Errorf("descriptor %d revisited: %w", index, ErrMalformedDescriptor)
		}

		visited[index] = true

		d, err := q.descriptor(mem, index)
		if err != nil {
			return nil, err
		}

		if d.flags&descFlagIndirect != 0 {
			return nil, fmt.Errorf("indirect descriptor %d: %w", index, ErrMalformedDescriptor)
		}

		if err := mem.CheckRange(d.addr, uint64(d.len)); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w: %w", index, ErrGuestMemoryFault, err)
		}

		seg := Segment{Addr: d.addr, Len: d.len}

		if d.flags&descFlagWrite != 0 {
			c.Writable = append(c.Writable, seg)
			c.WritableLen += d.len
		} else {
			if len(c.Writable) > 0 {
				return nil, fmt.Errorf("readable descriptor %d after a writable one: %w", index, ErrMalformedDescriptor)
			}

			c.Readable = append(c.Readable, seg)
			c.ReadableLen += d.len
		}

		if d.flags&descFlagNext == 0 {
			return c, nil
		}

		index = d.next
	}
}

// AddUsed returns a chain to the driver with n bytes written.
func (q *Queue) AddUsed(mem GuestMemory, head uint16, n uint32) error {
	elem := q.UsedRing + ringHeaderLen + usedElemSize*uint64(q.nextUsed%q.Size)

	if err := mem.StoreUint32Release(elem, uint32(head)); err != nil {
		return fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
	}

	if err := mem.StoreUint32Release(elem+4, n); err != nil {
		return fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
	}

	q.nextUsed++

	// The element must be visible before the index that publishes it.
	if err := mem.StoreUint16Release(q.UsedRing+2, q.nextUsed); err != nil {
		return fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
	}

	return nil
}

// NeedsNotification tells whether the driver wants an interrupt for the
// entries added since the last notification.
func (q *Queue) NeedsNotification(mem GuestMemory) (bool, error) {
	if !q.eventIdx {
		var raw [2]byte
		if _, err := mem.ReadAt(raw[:], int64(q.AvailRing)); err != nil {
			return false, fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
		}

		return binary.LittleEndian.Uint16(raw[:])&availFlagNoInterrupt == 0, nil
	}

	newUsed := q.nextUsed
	oldUsed := q.signalledUsed
	first := !q.signalled

	q.signalledUsed = newUsed
	q.signalled = true

	if first {
		return true, nil
	}

	usedEvent, err := mem.LoadUint16Acquire(q.usedEventAddr())
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrGuestMemoryFault, err)
	}

	return newUsed-usedEvent-1 < newUsed-oldUsed, nil
}

// QueueState is the part of a queue a snapshot keeps.
type QueueState struct {
	MaxSize   uint16
	Size      uint16
	Ready     bool
	DescTable uint64
	AvailRing uint64
	UsedRing  uint64
	NextAvail uint16
	NextUsed  uint16
	EventIdx  bool
}

func (q *Queue) State() QueueState {
	return QueueState{
		MaxSize:   q.MaxSize,
		Size:      q.Size,
		Ready:     q.Ready,
		DescTable: q.DescTable,
		AvailRing: q.AvailRing,
		UsedRing:  q.UsedRing,
		NextAvail: q.nextAvail,
		NextUsed:  q.nextUsed,
		EventIdx:  q.eventIdx,
	}
}

func (q *Queue) Restore(s QueueState) {
	*q = Queue{
		MaxSize:   s.MaxSize,
		Size:      s.Size,
		Ready:     s.Ready,
		DescTable: s.DescTable,
		AvailRing: s.AvailRing,
		UsedRing:  s.UsedRing,
		nextAvail: s.NextAvail,
		nextUsed:  s.NextUsed,
		eventIdx:  s.EventIdx,
	}
}
