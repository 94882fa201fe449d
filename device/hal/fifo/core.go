package fifo

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/device/hal/otg/reg"
	"github.com/ardnew/otgusb/pkg"
)

// MaxEndpoints is the number of endpoint register sets per direction (0-15).
const MaxEndpoints = 16

// rxEntry is one receive FIFO status entry plus the data words that follow
// it. onPop runs when the status word is popped, which is when the core
// raises the matching endpoint interrupt.
type rxEntry struct {
	status uint32
	data   []uint32
	onPop  func()
}

// Core is a simulated DWC2-style OTG core. It implements [reg.Bank] for the
// driver and [hal.IRQ] for task-side masking, and exposes host-side methods
// that inject bus traffic.
//
// Register access is serialised internally. The interrupt line is a
// separate lock: [Core.Fire] runs a handler only while the line is not
// masked, the way a masked NVIC line holds off its ISR.
type Core struct {
	mu   sync.Mutex
	regs map[reg.Addr]uint32

	fifoWords uint32

	rxq    []rxEntry
	rxData []uint32 // data words of the last popped entry
	tx     [MaxEndpoints][]uint32

	irq       sync.Mutex
	masked    atomic.Bool
	maskCount atomic.Uint64
	fired     atomic.Uint64
}

// New creates a simulated core with fifoWords 32-bit words of FIFO memory.
func New(fifoWords int) *Core {
	c := &Core{
		regs:      make(map[reg.Addr]uint32),
		fifoWords: uint32(fifoWords),
	}
	c.regs[reg.CID] = 0x00002300
	return c
}

// FIFOWords returns the FIFO memory size in words.
func (c *Core) FIFOWords() int {
	return int(c.fifoWords)
}

// Read implements reg.Bank.
func (c *Core) Read(r reg.Addr) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.read(r)
}

// Write implements reg.Bank.
func (c *Core) Write(r reg.Addr, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write(r, v)
}

func (c *Core) read(r reg.Addr) uint32 {
	switch {
	case r == reg.GINTSTS:
		return c.gintsts()
	case r == reg.GRSTCTL:
		return c.regs[r] | reg.GRSTCTL_AHBIDL
	case r == reg.DAINT:
		return c.daint()
	case r == reg.GRXSTSR:
		if len(c.rxq) == 0 {
			return 0
		}
		return c.rxq[0].status
	case r == reg.GRXSTSP:
		return c.popStatus()
	case r >= reg.FIFO(0):
		if len(c.rxData) == 0 {
			pkg.LogWarn(pkg.ComponentSim, "receive fifo read underflow")
			return 0
		}
		w := c.rxData[0]
		c.rxData = c.rxData[1:]
		return w
	}
	if n, ok := txStatusEndpoint(r); ok {
		return c.txSpace(n)
	}
	return c.regs[r]
}

func (c *Core) write(r reg.Addr, v uint32) {
	switch {
	case r == reg.GINTSTS, r == reg.GOTGINT:
		c.regs[r] &^= v
		return
	case r == reg.GRSTCTL:
		c.resetControl(v)
		return
	case r == reg.DAINT, r == reg.GRXSTSR, r == reg.GRXSTSP:
		return
	case r >= reg.FIFO(0):
		n := uint8((r - reg.FIFO(0)) / 0x1000)
		if n < MaxEndpoints {
			c.tx[n] = append(c.tx[n], v)
		}
		return
	}
	if _, _, ok := endpointInt(r); ok {
		c.regs[r] &^= v
		return
	}
	if n, in, ok := endpointCtl(r); ok {
		c.writeCtl(n, in, v)
		return
	}
	c.regs[r] = v
}

// writeCtl applies an endpoint control write. NAKSTS and DPID are read-only
// status; bits 26..30 are actions that never read back.
func (c *Core) writeCtl(n uint8, in bool, v uint32) {
	r := reg.DOEPCTL(n)
	ir := reg.DOEPINT(n)
	if in {
		r = reg.DIEPCTL(n)
		ir = reg.DIEPINT(n)
	}
	old := c.regs[r]
	next := v &^ (reg.DEPCTL_ACTIONS | reg.DEPCTL_NAKSTS | reg.DEPCTL_DPID)
	next |= old & (reg.DEPCTL_NAKSTS | reg.DEPCTL_DPID)

	if v&reg.DEPCTL_CNAK != 0 {
		next &^= reg.DEPCTL_NAKSTS
	}
	if v&reg.DEPCTL_SNAK != 0 {
		next |= reg.DEPCTL_NAKSTS
	}
	if v&reg.DEPCTL_SD0PID != 0 {
		next &^= reg.DEPCTL_DPID
	}
	if v&reg.DEPCTL_SD1PID != 0 {
		next |= reg.DEPCTL_DPID
	}
	if v&reg.DEPCTL_EPDIS != 0 && old&reg.DEPCTL_EPENA != 0 {
		next &^= reg.DEPCTL_EPENA
		c.regs[ir] |= reg.DIEPINT_EPDISD // same bit in DOEPINT
	}
	c.regs[r] = next
}

func (c *Core) resetControl(v uint32) {
	if v&reg.GRSTCTL_CSRST != 0 {
		c.regs[reg.GINTSTS] = 0
		c.regs[reg.GOTGINT] = 0
		c.rxq = nil
		c.rxData = nil
		for i := range c.tx {
			c.tx[i] = nil
		}
	}
	if v&reg.GRSTCTL_RXFFLSH != 0 {
		c.rxq = nil
		c.rxData = nil
	}
	if v&reg.GRSTCTL_TXFFLSH != 0 {
		n := reg.Field(v, reg.GRSTCTL_TXFNUM)
		if n == reg.TxFIFOAll {
			for i := range c.tx {
				c.tx[i] = nil
			}
		} else if n < MaxEndpoints {
			c.tx[n] = nil
		}
	}
	// Reset and flush requests complete immediately.
	c.regs[reg.GRSTCTL] = v &^ (reg.GRSTCTL_CSRST | reg.GRSTCTL_RXFFLSH | reg.GRSTCTL_TXFFLSH)
}

func (c *Core) gintsts() uint32 {
	v := c.regs[reg.GINTSTS] &^ (reg.GINTSTS_RXFLVL | reg.GINTSTS_IEPINT | reg.GINTSTS_OEPINT | reg.GINTSTS_OTGINT)
	if c.regs[reg.GOTGINT] != 0 {
		v |= reg.GINTSTS_OTGINT
	}
	pending := c.daint() & c.regs[reg.DAINTMSK]
	if pending&reg.DAINT_IEPINT != 0 {
		v |= reg.GINTSTS_IEPINT
	}
	if pending&reg.DAINT_OEPINT != 0 {
		v |= reg.GINTSTS_OEPINT
	}
	if len(c.rxq) > 0 {
		v |= reg.GINTSTS_RXFLVL
	}
	return v
}

func (c *Core) daint() uint32 {
	var v uint32
	for n := uint8(0); n < MaxEndpoints; n++ {
		if c.regs[reg.DIEPINT(n)] != 0 {
			v |= 1 << n
		}
		if c.regs[reg.DOEPINT(n)] != 0 {
			v |= 1 << (16 + n)
		}
	}
	return v
}

func (c *Core) popStatus() uint32 {
	if len(c.rxq) == 0 {
		return 0
	}
	e := c.rxq[0]
	c.rxq = c.rxq[1:]
	c.rxData = e.data
	if e.onPop != nil {
		e.onPop()
	}
	return e.status
}

// txWindow returns the FIFO window depth of IN endpoint n in words.
func (c *Core) txWindow(n uint8) uint32 {
	if n == 0 {
		return reg.Field(c.regs[reg.DIEPTXF0], reg.DIEPTXF_INEPTXFD)
	}
	return reg.Field(c.regs[reg.DIEPTXF(n)], reg.DIEPTXF_INEPTXFD)
}

func (c *Core) txSpace(n uint8) uint32 {
	depth := c.txWindow(n)
	used := uint32(len(c.tx[n]))
	if used >= depth {
		return 0
	}
	return depth - used
}

func (c *Core) rxUsed() uint32 {
	var used uint32
	for _, e := range c.rxq {
		used += 1 + uint32(len(e.data))
	}
	return used
}

func txStatusEndpoint(r reg.Addr) (uint8, bool) {
	if r < reg.DTXFSTS(0) || r > reg.DTXFSTS(MaxEndpoints-1) {
		return 0, false
	}
	off := r - reg.DTXFSTS(0)
	if off%0x20 != 0 {
		return 0, false
	}
	return uint8(off / 0x20), true
}

func endpointInt(r reg.Addr) (uint8, bool, bool) {
	for n := uint8(0); n < MaxEndpoints; n++ {
		switch r {
		case reg.DIEPINT(n):
			return n, true, true
		case reg.DOEPINT(n):
			return n, false, true
		}
	}
	return 0, false, false
}

func endpointCtl(r reg.Addr) (uint8, bool, bool) {
	for n := uint8(0); n < MaxEndpoints; n++ {
		switch r {
		case reg.DIEPCTL(n):
			return n, true, true
		case reg.DOEPCTL(n):
			return n, false, true
		}
	}
	return 0, false, false
}

// Disable implements hal.IRQ. It blocks while a handler is running.
func (c *Core) Disable() {
	c.irq.Lock()
	c.masked.Store(true)
	c.maskCount.Add(1)
}

// Enable implements hal.IRQ.
func (c *Core) Enable() {
	c.masked.Store(false)
	c.irq.Unlock()
}

// Masked reports whether a task currently holds the interrupt line masked.
func (c *Core) Masked() bool {
	return c.masked.Load()
}

// MaskCount returns how many times the interrupt line has been masked.
func (c *Core) MaskCount() uint64 {
	return c.maskCount.Load()
}

// Fired returns how many times a handler has run through Fire.
func (c *Core) Fired() uint64 {
	return c.fired.Load()
}

// Pending reports whether the core is asserting its interrupt: the global
// interrupt enable is set and an unmasked condition is pending.
func (c *Core) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.regs[reg.GAHBCFG]&reg.GAHBCFG_GINT == 0 {
		return false
	}
	return c.gintsts()&c.regs[reg.GINTMSK] != 0
}

// Fire runs handler as the interrupt service routine. It waits while the
// line is masked by a task.
func (c *Core) Fire(handler func()) {
	c.irq.Lock()
	defer c.irq.Unlock()
	c.fired.Add(1)
	handler()
}

// Service fires handler while the interrupt stays asserted, up to limit
// invocations, modelling a level-triggered line. It returns the number of
// invocations.
func (c *Core) Service(handler func(), limit int) int {
	n := 0
	for n < limit && c.Pending() {
		c.Fire(handler)
		n++
	}
	return n
}

// packWords converts bytes to little-endian FIFO words.
func packWords(data []byte) []uint32 {
	words := make([]uint32, (len(data)+3)/4)
	var tail [4]byte
	for i := range words {
		n := copy(tail[:], data[i*4:])
		for j := n; j < 4; j++ {
			tail[j] = 0
		}
		words[i] = binary.LittleEndian.Uint32(tail[:])
	}
	return words
}

// unpackWords converts FIFO words back to n bytes.
func unpackWords(words []uint32, n int) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	if n > len(out) {
		n = len(out)
	}
	return out[:n]
}

// speedCode maps a bus speed to DSTS.ENUMSPD.
func speedCode(s hal.Speed) uint32 {
	switch s {
	case hal.SpeedHigh:
		return reg.EnumSpeedHigh
	case hal.SpeedLow:
		return reg.EnumSpeedLow
	default:
		return reg.EnumSpeedFull
	}
}
