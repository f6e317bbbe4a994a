package mpegts

import (
	"context"
	"errors"
	"io"
	"sort"
)

// UnitKind identifies what a Unit carries.
type UnitKind int

const (
	UnitPAT UnitKind = iota
	UnitPMT
	UnitPES
)

// Unit is one logical item read from the stream.
type Unit struct {
	Kind     UnitKind
	PID      uint16
	Streams  []ElementaryStream // UnitPMT
	PAT      []Program          // UnitPAT
	PES      *PES               // UnitPES
}

// assembler collects one PID's payload between unit starts and enforces
// continuity counters.
type assembler struct {
	buf    []byte
	seen   bool
	lastCC uint8
}

// add feeds one packet and returns a completed payload, if any.
func (a *assembler) add(p packet, psi bool) []byte {
	if p.tei {
		a.buf = a.buf[:0]
		a.seen = false
		return nil
	}
	if !p.hasPayload {
		return nil
	}

	if a.seen && !p.discontinuity {
		want := (a.lastCC + 1) & 0x0F
		if p.cc != want {
			if p.cc == a.lastCC {
				return nil // duplicate
			}
			a.buf = a.buf[:0]
		}
	}
	a.seen = true
	a.lastCC = p.cc

	var done []byte
	if p.pusi && len(a.buf) > 0 {
		done = a.take()
	}
	if !p.pusi && len(a.buf) == 0 {
		// Joined mid-unit, or lost the start to a discontinuity.
		return done
	}

	a.buf = append(a.buf, p.payload...)
	if done == nil && psi && walkSections(a.buf, nil) {
		done = a.take()
	}
	return done
}

func (a *assembler) take() []byte {
	out := a.buf
	a.buf = nil
	return out
}

// Reader demultiplexes a transport stream into PSI tables and PES packets.
// It is not safe for concurrent use.
type Reader struct {
	r   io.Reader
	buf []byte

	pids    map[uint16]*assembler
	pmtPIDs map[uint16]bool
	pending []Unit
	eof     bool
	skipped int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:       r,
		buf:     make([]byte, PacketSize),
		pids:    make(map[uint16]*assembler),
		pmtPIDs: make(map[uint16]bool),
	}
}

// Next returns the next unit. At the end of the input any partially
// assembled PES packets are returned before io.EOF.
func (rd *Reader) Next(ctx context.Context) (Unit, error) {
	for {
		if len(rd.pending) > 0 {
			u := rd.pending[0]
			rd.pending = rd.pending[1:]
			return u, nil
		}
		if rd.eof {
			return Unit{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return Unit{}, err
		}

		if _, err := io.ReadFull(rd.r, rd.buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				rd.eof = true
				rd.flush()
				continue
			}
			return Unit{}, err
		}

		p, err := parsePacket(rd.buf)
		if err != nil {
			rd.skipped++
			continue
		}
		a := rd.pids[p.pid]
		if a == nil {
			a = &assembler{}
			rd.pids[p.pid] = a
		}
		if payload := a.add(p, rd.isPSI(p.pid)); payload != nil {
			rd.emit(p.pid, payload)
		}
	}
}

// Skipped returns the number of packets and sections dropped as corrupt.
func (rd *Reader) Skipped() int {
	return rd.skipped
}

func (rd *Reader) isPSI(pid uint16) bool {
	return pid == pidPAT || rd.pmtPIDs[pid]
}

func (rd *Reader) emit(pid uint16, payload []byte) {
	if rd.isPSI(pid) {
		rd.emitPSI(pid, payload)
		return
	}
	if !isPES(payload) {
		return
	}
	pes, err := parsePES(payload)
	if err != nil {
		rd.skipped++
		return
	}
	rd.pending = append(rd.pending, Unit{Kind: UnitPES, PID: pid, PES: pes})
}

func (rd *Reader) emitPSI(pid uint16, payload []byte) {
	walkSections(payload, func(section []byte) {
		switch section[0] {
		case tableIDPAT:
			progs, err := parsePAT(section)
			if err != nil {
				rd.skipped++
				return
			}
			for _, p := range progs {
				rd.pmtPIDs[p.PMTPID] = true
			}
			rd.pending = append(rd.pending, Unit{Kind: UnitPAT, PID: pid, PAT: progs})
		case tableIDPMT:
			streams, err := parsePMT(section)
			if err != nil {
				rd.skipped++
				return
			}
			rd.pending = append(rd.pending, Unit{Kind: UnitPMT, PID: pid, Streams: streams})
		}
	})
}

// flush emits whatever is buffered, PAT first so PMT PIDs are known.
func (rd *Reader) flush() {
	pids := make([]int, 0, len(rd.pids))
	for pid := range rd.pids {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	for _, pid := range pids {
		a := rd.pids[uint16(pid)]
		if len(a.buf) > 0 {
			rd.emit(uint16(pid), a.take())
		}
	}
}
