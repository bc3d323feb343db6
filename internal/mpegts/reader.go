package mpegts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
)

type assembly struct {
	buf    []byte
	lastCC uint8
	active bool
}

// reset drops buffered bytes but keeps the backing array.
func (a *assembly) reset() {
	a.buf = a.buf[:0]
	a.active = false
}

// Reader pulls transport packets from an io.Reader and returns reassembled
// PES units. PAT and PMT sections are consumed internally; Streams reports
// what the PMT announced so far.
type Reader struct {
	r   io.Reader
	log *slog.Logger

	pkt     []byte
	pmtPIDs map[uint16]bool
	esPIDs  map[uint16]uint8
	streams []ElementaryStream
	asm     map[uint16]*assembly

	queue []*PES
	eof   bool
}

// NewReader returns a Reader over r. If log is nil, slog.Default() is used.
func NewReader(r io.Reader, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	return &Reader{
		r:       r,
		log:     log.With("component", "mpegts"),
		pkt:     make([]byte, PacketSize),
		pmtPIDs: make(map[uint16]bool),
		esPIDs:  make(map[uint16]uint8),
		asm:     make(map[uint16]*assembly),
	}
}

// Streams returns the elementary streams announced by the PMT, in PMT order.
func (r *Reader) Streams() []ElementaryStream {
	return slices.Clone(r.streams)
}

// Next returns the next complete PES unit. It returns io.EOF after the
// input is exhausted and every pending unit has been flushed, and ctx's
// error once ctx is done. Corrupt packets and sections are skipped.
func (r *Reader) Next(ctx context.Context) (*PES, error) {
	for {
		if len(r.queue) > 0 {
			p := r.queue[0]
			r.queue = r.queue[1:]
			return p, nil
		}
		if r.eof {
			return nil, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := io.ReadFull(r.r, r.pkt); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.eof = true
				r.flushAll()
				continue
			}
			return nil, err
		}

		p, err := ParsePacket(r.pkt)
		if err != nil {
			if errors.Is(err, ErrSync) && r.resync() != nil {
				r.eof = true
				r.flushAll()
			}
			continue
		}
		r.handle(p)
	}
}

// resync scans forward byte by byte until a sync byte and reads the rest
// of that packet into r.pkt.
func (r *Reader) resync() error {
	one := r.pkt[:1]
	for {
		if _, err := io.ReadFull(r.r, one); err != nil {
			return err
		}
		if one[0] == syncByte {
			if _, err := io.ReadFull(r.r, r.pkt[1:]); err != nil {
				return err
			}
			if p, err := ParsePacket(r.pkt); err == nil {
				r.handle(p)
			}
			return nil
		}
	}
}

func (r *Reader) handle(p Packet) {
	if !p.HasPayload {
		return
	}
	a := r.asm[p.PID]
	if a == nil {
		a = &assembly{}
		r.asm[p.PID] = a
	}
	if p.TEI {
		a.reset()
		return
	}
	if a.active && !p.Discontinuity {
		want := (a.lastCC + 1) & 0x0F
		switch {
		case p.CC == a.lastCC:
			return // duplicate
		case p.CC != want:
			r.log.Debug("continuity error", "pid", p.PID, "got", p.CC, "want", want)
			a.reset()
		}
	}

	psi := p.PID == pidPAT || r.pmtPIDs[p.PID]
	if p.PUSI {
		if a.active && !psi {
			r.emit(p.PID, a.buf)
		}
		a.buf = append(a.buf[:0], p.Payload...)
		a.active = true
	} else if a.active {
		a.buf = append(a.buf, p.Payload...)
	} else {
		return
	}
	a.lastCC = p.CC

	if psi {
		r.tryTable(p.PID, a)
		return
	}
	// Bounded PES units can be emitted without waiting for the next start.
	if len(a.buf) >= 6 && isPESStart(a.buf) {
		if n := int(a.buf[4])<<8 | int(a.buf[5]); n > 0 && len(a.buf) >= 6+n {
			r.emit(p.PID, a.buf)
			a.reset()
		}
	}
}

func (r *Reader) tryTable(pid uint16, a *assembly) {
	complete, err := sections(a.buf, func(tableID byte, section []byte) error {
		switch {
		case tableID == tableIDPAT && pid == pidPAT:
			progs, err := parsePAT(section)
			if err != nil {
				return err
			}
			for _, pg := range progs {
				r.pmtPIDs[pg.PMTPID] = true
			}
		case tableID == tableIDPMT && r.pmtPIDs[pid]:
			streams, err := parsePMT(section)
			if err != nil {
				return err
			}
			for _, es := range streams {
				if _, ok := r.esPIDs[es.PID]; !ok {
					r.esPIDs[es.PID] = es.StreamType
					r.streams = append(r.streams, es)
				}
			}
		}
		return nil
	})
	if err != nil {
		r.log.Debug("bad PSI section", "pid", pid, "error", err)
	}
	if complete || err != nil {
		a.reset()
	}
}

func (r *Reader) emit(pid uint16, buf []byte) {
	if _, ok := r.esPIDs[pid]; !ok || !isPESStart(buf) {
		return
	}
	p, err := parsePES(pid, slices.Clone(buf))
	if err != nil {
		r.log.Debug("bad PES", "pid", pid, "error", err)
		return
	}
	r.queue = append(r.queue, p)
}

func (r *Reader) flushAll() {
	pids := make([]uint16, 0, len(r.asm))
	for pid, a := range r.asm {
		if a.active {
			pids = append(pids, pid)
		}
	}
	slices.Sort(pids)
	for _, pid := range pids {
		r.emit(pid, r.asm[pid].buf)
		r.asm[pid].reset()
	}
}
