// Package reg describes the register file of a DWC2-style USB OTG core and
// provides read-modify-write helpers over it.
//
// Registers are addressed by their byte offset from the core base. A
// [Bank] is anything that can read and write those offsets: the memory
// mapped peripheral on a microcontroller, or the simulated core in
// [github.com/ardnew/otgusb/device/hal/fifo].
package reg

// Addr is a register offset from the core base address.
type Addr uint32

// Bank is a 32-bit register file.
//
// Writes to status registers follow hardware semantics: writing a one to a
// write-one-to-clear bit acknowledges that condition only.
type Bank interface {
	Read(r Addr) uint32
	Write(r Addr, v uint32)
}

// Global registers.
const (
	GOTGCTL  Addr = 0x000
	GOTGINT  Addr = 0x004
	GAHBCFG  Addr = 0x008
	GUSBCFG  Addr = 0x00C
	GRSTCTL  Addr = 0x010
	GINTSTS  Addr = 0x014
	GINTMSK  Addr = 0x018
	GRXSTSR  Addr = 0x01C
	GRXSTSP  Addr = 0x020
	GRXFSIZ  Addr = 0x024
	DIEPTXF0 Addr = 0x028
	GCCFG    Addr = 0x038
	CID      Addr = 0x03C
	PCGCCTL  Addr = 0xE00
)

// Device registers.
const (
	DCFG     Addr = 0x800
	DCTL     Addr = 0x804
	DSTS     Addr = 0x808
	DIEPMSK  Addr = 0x810
	DOEPMSK  Addr = 0x814
	DAINT    Addr = 0x818
	DAINTMSK Addr = 0x81C
)

// DIEPTXF returns the transmit FIFO size register of IN endpoint n (n >= 1).
func DIEPTXF(n uint8) Addr { return 0x104 + Addr(n-1)*4 }

// DIEPCTL returns the control register of IN endpoint n.
func DIEPCTL(n uint8) Addr { return 0x900 + Addr(n)*0x20 }

// DIEPINT returns the interrupt register of IN endpoint n.
func DIEPINT(n uint8) Addr { return 0x908 + Addr(n)*0x20 }

// DIEPTSIZ returns the transfer size register of IN endpoint n.
func DIEPTSIZ(n uint8) Addr { return 0x910 + Addr(n)*0x20 }

// DTXFSTS returns the transmit FIFO status register of IN endpoint n.
func DTXFSTS(n uint8) Addr { return 0x918 + Addr(n)*0x20 }

// DOEPCTL returns the control register of OUT endpoint n.
func DOEPCTL(n uint8) Addr { return 0xB00 + Addr(n)*0x20 }

// DOEPINT returns the interrupt register of OUT endpoint n.
func DOEPINT(n uint8) Addr { return 0xB08 + Addr(n)*0x20 }

// DOEPTSIZ returns the transfer size register of OUT endpoint n.
func DOEPTSIZ(n uint8) Addr { return 0xB10 + Addr(n)*0x20 }

// FIFO returns the data FIFO push/pop address of endpoint n. Reads of any
// FIFO address pop the shared receive FIFO.
func FIFO(n uint8) Addr { return 0x1000 + Addr(n)*0x1000 }

// GAHBCFG bits.
const (
	GAHBCFG_GINT     = 1 << 0
	GAHBCFG_HBSTLEN  = 0xF << 1
	GAHBCFG_DMAEN    = 1 << 5
	GAHBCFG_TXFELVL  = 1 << 7
	GAHBCFG_PTXFELVL = 1 << 8
)

// GUSBCFG bits.
const (
	GUSBCFG_PHYSEL = 1 << 6
	GUSBCFG_SRPCAP = 1 << 8
	GUSBCFG_HNPCAP = 1 << 9
	GUSBCFG_TRDT   = 0xF << 10
	GUSBCFG_FHMOD  = 1 << 29
	GUSBCFG_FDMOD  = 1 << 30
)

// GRSTCTL bits.
const (
	GRSTCTL_CSRST   = 1 << 0
	GRSTCTL_RXFFLSH = 1 << 4
	GRSTCTL_TXFFLSH = 1 << 5
	GRSTCTL_TXFNUM  = 0x1F << 6
	GRSTCTL_AHBIDL  = 1 << 31

	// TxFIFOAll selects every transmit FIFO in GRSTCTL.TXFNUM.
	TxFIFOAll = 0x10
)

// GINTSTS and GINTMSK bits.
const (
	GINTSTS_CMOD    = 1 << 0
	GINTSTS_MMIS    = 1 << 1
	GINTSTS_OTGINT  = 1 << 2
	GINTSTS_SOF     = 1 << 3
	GINTSTS_RXFLVL  = 1 << 4
	GINTSTS_ESUSP   = 1 << 10
	GINTSTS_USBSUSP = 1 << 11
	GINTSTS_USBRST  = 1 << 12
	GINTSTS_ENUMDNE = 1 << 13
	GINTSTS_IEPINT  = 1 << 18
	GINTSTS_OEPINT  = 1 << 19
	GINTSTS_WKUINT  = 1 << 31
)

// GOTGINT bits.
const (
	GOTGINT_SEDET   = 1 << 2
	GOTGINT_SRSSCHG = 1 << 8
	GOTGINT_HNSSCHG = 1 << 9
	GOTGINT_HNGDET  = 1 << 17
	GOTGINT_ADTOCHG = 1 << 18
	GOTGINT_DBCDNE  = 1 << 19
)

// GOTGCTL bits.
const (
	GOTGCTL_BVALOEN  = 1 << 6
	GOTGCTL_BVALOVAL = 1 << 7
)

// GRXSTSP fields.
const (
	GRXSTSP_EPNUM   = 0xF << 0
	GRXSTSP_BCNT    = 0x7FF << 4
	GRXSTSP_DPID    = 0x3 << 15
	GRXSTSP_PKTSTS  = 0xF << 17
	GRXSTSP_FRMNUM  = 0xF << 21
	GRXSTSP_STSPHST = 1 << 27
)

// Receive packet status codes (GRXSTSP.PKTSTS).
const (
	PktGlobalNAK     = 1
	PktOutReceived   = 2
	PktOutDone       = 3
	PktSetupDone     = 4
	PktSetupReceived = 6
)

// DIEPTXF fields (also DIEPTXF0 as TX0FSA/TX0FD). Values are in words.
const (
	DIEPTXF_INEPTXSA = 0xFFFF << 0
	DIEPTXF_INEPTXFD = 0xFFFF << 16
)

// DCFG fields.
const (
	DCFG_DSPD      = 0x3 << 0
	DCFG_NZLSOHSK  = 1 << 2
	DCFG_DAD       = 0x7F << 4
	DCFG_PFIVL     = 0x3 << 11
	DCFG_PERSCHIVL = 0x3 << 24
)

// DCTL bits.
const (
	DCTL_RWUSIG = 1 << 0
	DCTL_SDIS   = 1 << 1
	DCTL_CGINAK = 1 << 8
)

// DSTS fields.
const (
	DSTS_SUSPSTS = 1 << 0
	DSTS_ENUMSPD = 0x3 << 1
	DSTS_FNSOF   = 0x3FFF << 8
)

// DSTS.ENUMSPD values.
const (
	EnumSpeedHigh   = 0
	EnumSpeedFullHS = 1
	EnumSpeedLow    = 2
	EnumSpeedFull   = 3
)

// DAINT and DAINTMSK fields.
const (
	DAINT_IEPINT = 0xFFFF << 0
	DAINT_OEPINT = 0xFFFF << 16
)

// DIEPCTL and DOEPCTL bits. Bits 26..30 are write-only actions.
const (
	DEPCTL_MPSIZ   = 0x7FF << 0
	DEPCTL_USBAEP  = 1 << 15
	DEPCTL_DPID    = 1 << 16
	DEPCTL_NAKSTS  = 1 << 17
	DEPCTL_EPTYP   = 0x3 << 18
	DEPCTL_SNPM    = 1 << 20
	DEPCTL_STALL   = 1 << 21
	DEPCTL_TXFNUM  = 0xF << 22
	DEPCTL_CNAK    = 1 << 26
	DEPCTL_SNAK    = 1 << 27
	DEPCTL_SD0PID  = 1 << 28
	DEPCTL_SD1PID  = 1 << 29
	DEPCTL_EPDIS   = 1 << 30
	DEPCTL_EPENA   = 1 << 31
	DEPCTL_ACTIONS = DEPCTL_CNAK | DEPCTL_SNAK | DEPCTL_SD0PID | DEPCTL_SD1PID | DEPCTL_EPDIS
)

// DIEPINT bits.
const (
	DIEPINT_XFRC       = 1 << 0
	DIEPINT_EPDISD     = 1 << 1
	DIEPINT_AHBERR     = 1 << 2
	DIEPINT_TOC        = 1 << 3
	DIEPINT_ITTXFE     = 1 << 4
	DIEPINT_INEPNM     = 1 << 5
	DIEPINT_INEPNE     = 1 << 6
	DIEPINT_TXFE       = 1 << 7
	DIEPINT_TXFIFOUDRN = 1 << 8
	DIEPINT_BNA        = 1 << 9
	DIEPINT_PKTDRPSTS  = 1 << 11
	DIEPINT_BERR       = 1 << 12
	DIEPINT_NAK        = 1 << 13
	DIEPINT_ALL        = 0x3BFF
)

// DOEPINT bits.
const (
	DOEPINT_XFRC      = 1 << 0
	DOEPINT_EPDISD    = 1 << 1
	DOEPINT_AHBERR    = 1 << 2
	DOEPINT_STUP      = 1 << 3
	DOEPINT_OTEPDIS   = 1 << 4
	DOEPINT_STSPHSRX  = 1 << 5
	DOEPINT_B2BSTUP   = 1 << 6
	DOEPINT_OUTPKTERR = 1 << 8
	DOEPINT_BNA       = 1 << 9
	DOEPINT_BERR      = 1 << 12
	DOEPINT_NAK       = 1 << 13
	DOEPINT_NYET      = 1 << 14
	DOEPINT_STPKTRX   = 1 << 15
	DOEPINT_ALL       = 0xF37F
)

// DIEPMSK bits.
const (
	DIEPMSK_XFRCM = 1 << 0
	DIEPMSK_EPDM  = 1 << 1
	DIEPMSK_TOM   = 1 << 3
)

// DOEPMSK bits.
const (
	DOEPMSK_XFRCM    = 1 << 0
	DOEPMSK_EPDM     = 1 << 1
	DOEPMSK_STUPM    = 1 << 3
	DOEPMSK_OTEPSPRM = 1 << 5
)

// DIEPTSIZ and DOEPTSIZ fields.
const (
	DEPTSIZ_XFRSIZ  = 0x7FFFF << 0
	DEPTSIZ_PKTCNT  = 0x3FF << 19
	DEPTSIZ_MULCNT  = 0x3 << 29
	DEPTSIZ_STUPCNT = 0x3 << 29
)

// DIEPTSIZ0 fields, narrower than those of the data endpoints.
const (
	DIEPTSIZ0_XFRSIZ = 0x7F << 0
	DIEPTSIZ0_PKTCNT = 0x3 << 19
)

// DTXFSTS fields.
const (
	DTXFSTS_INEPTFSAV = 0xFFFF << 0
)

// PCGCCTL bits.
const (
	PCGCCTL_STPPCLK  = 1 << 0
	PCGCCTL_GATEHCLK = 1 << 1
)

// GCCFG bits.
const (
	GCCFG_PWRDWN = 1 << 16
	GCCFG_VBDEN  = 1 << 21
)
