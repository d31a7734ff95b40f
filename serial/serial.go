// Package serial is the 16550 UART on COM1 that carries the guest console.
package serial

import (
	"errors"
	"io"
	"sync"

	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/reactor"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

var log = logger.WithSource("serial")

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4
	Size     = 0x8

	// FIFOSize is the depth of the receive FIFO.
	FIFOSize = 64
)

// Register offsets. DLL and DLM share DATA and IER when DLAB is set.
const (
	regData = 0
	regIER  = 1
	regIIR  = 2
	regLCR  = 3
	regMCR  = 4
	regLSR  = 5
	regMSR  = 6
	regSCR  = 7
)

const (
	ierRDA  = 0x01
	ierTHRE = 0x02

	iirNone    = 0x01
	iirTHRE    = 0x02
	iirRDA     = 0x04
	iirFIFOBit = 0xc0

	lcrDLAB = 0x80

	mcrLoop = 0x10

	lsrDataReady = 0x01
	lsrTHRE      = 0x20
	lsrTEMT      = 0x40

	msrCTS     = 0x10
	msrDSR     = 0x20
	msrDCD     = 0x80
	msrLoopMap = 0xf0

	defaultLCR = 0x03
	defaultMCR = 0x08
	defaultLSR = lsrTHRE | lsrTEMT
	defaultMSR = msrCTS | msrDSR | msrDCD
	defaultDLL = 0x0c
)

var ErrFIFOFull = errors.New("serial receive FIFO is full")

// Input is the host side of the console the guest reads from.
type Input interface {
	io.Reader
	Fd() uintptr
}

// Serial is a 16550 without modem control beyond loopback.
type Serial struct {
	mu sync.Mutex

	ier, iir, lcr, mcr, lsr, msr, scr byte
	dll, dlm                          byte

	fifo []byte

	irq   eventfd.Eventfd
	out   io.Writer
	in    Input
	ready eventfd.Eventfd

	inPaused bool
}

// New returns a UART that raises irq (registered as the irqfd of COM1IRQ)
// and writes guest output to out. in may be nil for a VM without console
// input.
func New(irq eventfd.Eventfd, out io.Writer, in Input) (*Serial, error) {
	if out == nil {
		out = io.Discard
	}

	ready, err := eventfd.Create()
	if err != nil {
		return nil, err
	}

	return &Serial{
		iir:   iirNone,
		lcr:   defaultLCR,
		mcr:   defaultMCR,
		lsr:   defaultLSR,
		msr:   defaultMSR,
		dll:   defaultDLL,
		irq:   irq,
		out:   out,
		in:    in,
		ready: ready,
	}, nil
}

func (s *Serial) dlab() bool {
	return s.lcr&lcrDLAB != 0
}

func (s *Serial) loop() bool {
	return s.mcr&mcrLoop != 0
}

func (s *Serial) triggerIRQ() error {
	if s.loop() {
		return nil
	}

	return s.irq.Notify()
}

func (s *Serial) raise(iir byte) error {
	s.iir = s.iir&^iirNone | iir

	return s.triggerIRQ()
}

func (s *Serial) clear(iir byte) {
	s.iir &^= iir
	if s.iir == 0 {
		s.iir = iirNone
	}
}

// enqueue appends to the receive FIFO and raises RDA if enabled.
func (s *Serial) enqueue(data []byte) error {
	if len(s.fifo)+len(data) > FIFOSize {
		return ErrFIFOFull
	}

	s.fifo = append(s.fifo, data...)
	s.lsr |= lsrDataReady

	if s.ier&ierRDA != 0 {
		return s.raise(iirRDA)
	}

	return nil
}

// EnqueueRaw feeds bytes to the guest as if typed on the console.
func (s *Serial) EnqueueRaw(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.enqueue(data)
}

// FIFOCapacity is how many more bytes the receive FIFO takes.
func (s *Serial) FIFOCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return FIFOSize - len(s.fifo)
}

func (s *Serial) Read(offset uint64, data []byte) error {
	if len(data) != 1 {
		metrics.M.Serial.MissedRead.Inc()

		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var v byte

	switch offset {
	case regData:
		if s.dlab() {
			v = s.dll

			break
		}

		v = s.pop()
	case regIER:
		if s.dlab() {
			v = s.dlm
		} else {
			v = s.ier
		}
	case regIIR:
		v = s.iir | iirFIFOBit
		// Reading IIR acknowledges a THR empty interrupt.
		s.clear(iirTHRE)
	case regLCR:
		v = s.lcr
	case regMCR:
		v = s.mcr
	case regLSR:
		v = s.lsr
	case regMSR:
		if s.loop() {
			v = (s.mcr << 4) & msrLoopMap
		} else {
			v = s.msr
		}
	case regSCR:
		v = s.scr
	default:
		metrics.M.Serial.MissedRead.Inc()
	}

	data[0] = v

	return nil
}

func (s *Serial) pop() byte {
	if len(s.fifo) == 0 {
		return 0
	}

	v := s.fifo[0]
	s.fifo = s.fifo[1:]
	metrics.M.Serial.ReadCount.Inc()

	if len(s.fifo) == 0 {
		s.lsr &^= lsrDataReady
		s.clear(iirRDA)
	}

	if s.inPaused {
		s.inPaused = false

		if err := s.ready.Notify(); err != nil {
			log.Errorf("signal input buffer ready: %v", err)
		}
	}

	return v
}

func (s *Serial) Write(offset uint64, data []byte) error {
	if len(data) != 1 {
		metrics.M.Serial.MissedWrite.Inc()

		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := data[0]

	switch offset {
	case regData:
		if s.dlab() {
			s.dll = v

			return nil
		}

		return s.transmit(v)
	case regIER:
		if s.dlab() {
			s.dlm = v

			return nil
		}

		s.ier = v & 0x0f

		// Enabling THRE with an empty transmitter interrupts right away.
		if s.ier&ierTHRE != 0 {
			return s.raise(iirTHRE)
		}

		s.clear(iirTHRE)
	case regLCR:
		s.lcr = v
	case regMCR:
		s.mcr = v
	case regSCR:
		s.scr = v
	case regIIR, regLSR, regMSR:
		// FCR and the read-only status registers.
	default:
		metrics.M.Serial.MissedWrite.Inc()
	}

	return nil
}

func (s *Serial) transmit(v byte) error {
	if s.loop() {
		if len(s.fifo) < FIFOSize {
			return s.enqueue([]byte{v})
		}

		return nil
	}

	if _, err := s.out.Write([]byte{v}); err != nil {
		metrics.M.Serial.MissedWrite.Inc()
		log.Debugf("write console output: %v", err)
	} else {
		metrics.M.Serial.WriteCount.Inc()
	}

	if s.ier&ierTHRE != 0 {
		return s.raise(iirTHRE)
	}

	return nil
}

// Interest is the console input fd plus the wakeup used after the guest
// drains a full FIFO.
func (s *Serial) Interest() []reactor.Interest {
	if s.in == nil {
		return nil
	}

	return []reactor.Interest{
		{FD: int(s.in.Fd()), Events: reactor.In},
		{FD: s.ready.FD(), Events: reactor.In},
	}
}

func (s *Serial) Process(ev reactor.Event, ops *reactor.Ops) {
	inFD := int(s.in.Fd())

	switch ev.FD {
	case s.ready.FD():
		if _, err := s.ready.Read(); err != nil {
			log.Errorf("read input buffer ready: %v", err)
		}

		ops.Modify(inFD, reactor.In)
	case inFD:
		if ev.Events&reactor.In == 0 && ev.Events&(reactor.Hup|reactor.Err) != 0 {
			log.Warn("console input closed")
			ops.Unregister(inFD)

			return
		}

		s.readInput(ops, inFD)
	default:
		log.Warnf("unexpected event on fd %d", ev.FD)
	}
}

func (s *Serial) readInput(ops *reactor.Ops, inFD int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := FIFOSize - len(s.fifo)
	if room == 0 {
		s.inPaused = true
		ops.Modify(inFD, 0)

		return
	}

	buf := make([]byte, room)

	n, err := s.in.Read(buf)

	switch {
	case errors.Is(err, unix.EAGAIN):
		return
	case err != nil || n == 0:
		if err != nil && !errors.Is(err, io.EOF) {
			metrics.M.Serial.EventFails.Inc()
			log.Errorf("read console input: %v", err)
		}

		ops.Unregister(inFD)

		return
	}

	if err := s.enqueue(buf[:n]); err != nil {
		metrics.M.Serial.EventFails.Inc()
		log.Errorf("queue console input: %v", err)
	}

	if len(s.fifo) == FIFOSize {
		s.inPaused = true
		ops.Modify(inFD, 0)
	}
}

func (s *Serial) Close() error {
	return s.ready.Close()
}
