package otg

import (
	"encoding/binary"

	"github.com/ardnew/otgusb/device/hal/otg/reg"
)

// packWord builds a FIFO word from up to four bytes of p, little-endian,
// with missing high bytes zero.
func packWord(p []byte) uint32 {
	var w [4]byte
	copy(w[:], p)
	return binary.LittleEndian.Uint32(w[:])
}

// unpackWord stores the low len(p) bytes (at most four) of w into p.
func unpackWord(w uint32, p []byte) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], w)
	copy(p, b[:])
}

// writeFIFO pushes data into the transmit FIFO of IN endpoint n.
func (d *Driver) writeFIFO(n uint8, data []byte) {
	addr := reg.FIFO(n)
	for i := 0; i < len(data); i += 4 {
		d.regs.Write(addr, packWord(data[i:]))
	}
}

// readFIFO fills p from the receive FIFO, one word per four bytes.
func (d *Driver) readFIFO(p []byte) {
	addr := reg.FIFO(0)
	for i := 0; i < len(p); i += 4 {
		unpackWord(d.regs.Read(addr), p[i:])
	}
}

// discardFIFO pops count bytes worth of words from the receive FIFO.
func (d *Driver) discardFIFO(count int) {
	addr := reg.FIFO(0)
	for i := 0; i < count; i += 4 {
		d.regs.Read(addr)
	}
}
