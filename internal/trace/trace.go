// Package trace records driver activity and stores it as CBOR.
package trace

import (
	"fmt"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/pkg"
)

// Version is the trace file format version.
const Version = 1

// Kind identifies what a record describes.
type Kind uint8

// Record kinds.
const (
	KindEvent Kind = iota + 1 // Driver event delivered to the callback
	KindSetup                 // SETUP packet received on endpoint 0
	KindOut                   // Data received from the host
	KindIn                    // Data queued for the host
)

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindSetup:
		return "setup"
	case KindOut:
		return "out"
	case KindIn:
		return "in"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Record is one traced occurrence.
type Record struct {
	Seq      uint64    `cbor:"1,keyasint"`
	Kind     Kind      `cbor:"2,keyasint"`
	Endpoint uint8     `cbor:"3,keyasint"`
	Event    hal.Event `cbor:"4,keyasint,omitempty"`
	Data     []byte    `cbor:"5,keyasint,omitempty"`
}

func (r Record) String() string {
	switch r.Kind {
	case KindEvent:
		return fmt.Sprintf("#%d %s ep%d", r.Seq, r.Event, r.Endpoint)
	case KindSetup:
		var s hal.SetupPacket
		if hal.ParseSetupPacket(r.Data, &s) {
			return fmt.Sprintf("#%d setup %s", r.Seq, s.String())
		}
	}
	return fmt.Sprintf("#%d %s ep%d %d bytes", r.Seq, r.Kind, r.Endpoint, len(r.Data))
}

// File is the stored form of a trace.
type File struct {
	Version int      `cbor:"1,keyasint"`
	Dropped uint64   `cbor:"2,keyasint,omitempty"`
	Records []Record `cbor:"3,keyasint"`
}

// Recorder collects records from any goroutine. Once Limit records are held,
// further records are counted as dropped.
type Recorder struct {
	mu      sync.Mutex
	seq     uint64
	limit   int
	dropped uint64
	records []Record
}

// NewRecorder returns a recorder that keeps at most limit records. A limit
// of zero or less keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) add(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if r.limit > 0 && len(r.records) >= r.limit {
		r.dropped++
		return
	}
	rec.Seq = r.seq
	r.records = append(r.records, rec)
}

// Event records a driver event. Its signature matches hal.EventCallback.
func (r *Recorder) Event(ev hal.Event, ep uint8) {
	r.add(Record{Kind: KindEvent, Endpoint: ep, Event: ev})
}

// Setup records a SETUP packet.
func (r *Recorder) Setup(s hal.SetupPacket) {
	data := make([]byte, hal.SetupPacketSize)
	s.MarshalTo(data)
	r.add(Record{Kind: KindSetup, Data: data})
}

// Transfer records a data packet. data is copied.
func (r *Recorder) Transfer(kind Kind, ep uint8, data []byte) {
	r.add(Record{Kind: kind, Endpoint: ep, Data: slices.Clone(data)})
}

// Records returns a copy of the recorded records.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.records)
}

// Dropped returns the number of records discarded over the limit.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// WriteTo encodes the trace to w.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	f := File{Version: Version, Dropped: r.dropped, Records: r.records}
	data, err := encMode.Marshal(&f)
	r.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("encode trace: %w", err)
	}
	n, err := w.Write(data)
	return int64(n), err
}

// Save writes the trace to path.
func (r *Recorder) Save(path string) error {
	fd, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := r.WriteTo(fd); err != nil {
		fd.Close()
		return err
	}
	pkg.LogDebug(pkg.ComponentCLI, "trace saved", "path", path, "records", len(r.Records()))
	return fd.Close()
}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Read decodes a trace from rd.
func Read(rd io.Reader) (File, error) {
	var f File
	if err := cbor.NewDecoder(rd).Decode(&f); err != nil {
		return File{}, fmt.Errorf("decode trace: %w", err)
	}
	if f.Version != Version {
		return File{}, fmt.Errorf("trace version %d: %w", f.Version, pkg.ErrNotSupported)
	}
	return f, nil
}

// Load reads the trace stored at path.
func Load(path string) (File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer fd.Close()
	f, err := Read(fd)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Stat totals one kind of record on one endpoint.
type Stat struct {
	Kind     Kind
	Endpoint uint8
	Count    int
	Bytes    int
}

// Summarize totals records by kind and endpoint, ordered by kind then
// endpoint.
func Summarize(records []Record) []Stat {
	type key struct {
		kind Kind
		ep   uint8
	}
	idx := make(map[key]int)
	var stats []Stat
	for _, rec := range records {
		k := key{rec.Kind, rec.Endpoint}
		i, ok := idx[k]
		if !ok {
			i = len(stats)
			idx[k] = i
			stats = append(stats, Stat{Kind: rec.Kind, Endpoint: rec.Endpoint})
		}
		stats[i].Count++
		stats[i].Bytes += len(rec.Data)
	}
	slices.SortFunc(stats, func(a, b Stat) int {
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		return int(a.Endpoint) - int(b.Endpoint)
	})
	return stats
}
