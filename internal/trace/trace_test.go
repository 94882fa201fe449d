package trace

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/kylelemons/godebug/pretty"

	"github.com/ardnew/otgusb/device/hal"
	"github.com/ardnew/otgusb/pkg"
)

func sample() *Recorder {
	r := NewRecorder(0)
	r.Event(hal.EventReset, 0)
	r.Setup(hal.SetupPacket{RequestType: 0x00, Request: 0x05, Value: 7})
	r.Event(hal.EventCtrlSetupPhaseDone, 0)
	r.Transfer(KindOut, 2, []byte("ping"))
	r.Transfer(KindIn, 1, []byte("pong!"))
	return r
}

func TestRecorder(t *testing.T) {
	r := sample()
	want := []Record{
		{Seq: 1, Kind: KindEvent, Event: hal.EventReset},
		{Seq: 2, Kind: KindSetup, Data: []byte{0x00, 0x05, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00}},
		{Seq: 3, Kind: KindEvent, Event: hal.EventCtrlSetupPhaseDone},
		{Seq: 4, Kind: KindOut, Endpoint: 2, Data: []byte("ping")},
		{Seq: 5, Kind: KindIn, Endpoint: 1, Data: []byte("pong!")},
	}
	if diff := pretty.Compare(r.Records(), want); diff != "" {
		t.Errorf("Records() diff (-got +want):\n%s", diff)
	}
}

func TestRecorderCopies(t *testing.T) {
	r := NewRecorder(0)
	data := []byte{1, 2, 3}
	r.Transfer(KindOut, 1, data)
	data[0] = 9
	if got := r.Records()[0].Data[0]; got != 1 {
		t.Errorf("recorded data aliases the caller: %d", got)
	}
}

func TestRecorderLimit(t *testing.T) {
	r := NewRecorder(2)
	for i := 0; i < 5; i++ {
		r.Event(hal.EventSOF, 0)
	}
	if n := len(r.Records()); n != 2 {
		t.Errorf("kept %d records, want 2", n)
	}
	if d := r.Dropped(); d != 3 {
		t.Errorf("Dropped() = %d, want 3", d)
	}
}

func TestRecorderConcurrent(t *testing.T) {
	r := NewRecorder(0)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Event(hal.EventSOF, 0)
			}
		}()
	}
	wg.Wait()
	recs := r.Records()
	if len(recs) != 400 {
		t.Fatalf("kept %d records, want 400", len(recs))
	}
	seen := make(map[uint64]bool)
	for _, rec := range recs {
		if seen[rec.Seq] {
			t.Fatalf("sequence %d repeated", rec.Seq)
		}
		seen[rec.Seq] = true
	}
}

func TestWriteRead(t *testing.T) {
	r := sample()
	var buf bytes.Buffer
	if _, err := r.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	f, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := File{Version: Version, Records: r.Records()}
	if diff := pretty.Compare(f, want); diff != "" {
		t.Errorf("Read() diff (-got +want):\n%s", diff)
	}
}

func TestSaveLoad(t *testing.T) {
	r := NewRecorder(1)
	r.Transfer(KindIn, 3, []byte{0xAA})
	r.Transfer(KindIn, 3, []byte{0xBB})

	path := filepath.Join(t.TempDir(), "run.cbor")
	if err := r.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if f.Dropped != 1 || len(f.Records) != 1 || f.Records[0].Data[0] != 0xAA {
		t.Errorf("Load() = %+v", f)
	}
}

func TestReadVersion(t *testing.T) {
	data, err := cbor.Marshal(File{Version: Version + 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Read(bytes.NewReader(data)); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("Read() error = %v, want ErrNotSupported", err)
	}
	if _, err := Read(bytes.NewReader([]byte{0xFF})); err == nil {
		t.Error("Read() accepted garbage")
	}
}

func TestSummarize(t *testing.T) {
	r := sample()
	r.Transfer(KindOut, 2, []byte("again"))
	r.Transfer(KindOut, 1, nil)

	got := Summarize(r.Records())
	want := []Stat{
		{Kind: KindEvent, Endpoint: 0, Count: 2},
		{Kind: KindSetup, Endpoint: 0, Count: 1, Bytes: 8},
		{Kind: KindOut, Endpoint: 1, Count: 1},
		{Kind: KindOut, Endpoint: 2, Count: 2, Bytes: 9},
		{Kind: KindIn, Endpoint: 1, Count: 1, Bytes: 5},
	}
	if diff := pretty.Compare(got, want); diff != "" {
		t.Errorf("Summarize() diff (-got +want):\n%s", diff)
	}
}

func TestRecordString(t *testing.T) {
	tests := []struct {
		rec  Record
		want string
	}{
		{Record{Seq: 1, Kind: KindEvent, Event: hal.EventReset}, "#1 RESET ep0"},
		{Record{Seq: 2, Kind: KindOut, Endpoint: 2, Data: []byte("abc")}, "#2 out ep2 3 bytes"},
		{Record{Seq: 3, Kind: KindSetup, Data: []byte{1}}, "#3 setup ep0 1 bytes"},
		{Record{Seq: 4, Kind: KindSetup, Data: make([]byte, 8)}, "#4 setup bmRequestType=0x00 bRequest=0x00 wValue=0x0000 wIndex=0x0000 wLength=0"},
	}
	for _, tt := range tests {
		if got := tt.rec.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
