package prof

// Options selects the profiles a session collects. Empty fields are
// skipped.
type Options struct {
	CPU   string // CPU profile output path
	Heap  string // Heap snapshot output path
	Mutex string // Mutex contention output path
	HTTP  string // Listen address for the pprof HTTP handlers
}

// IsZero reports whether o selects nothing.
func (o Options) IsZero() bool {
	return o == Options{}
}

// Stop ends a profiling session and writes its snapshots.
type Stop func() error
