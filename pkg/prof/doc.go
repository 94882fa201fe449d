// Package prof profiles a simulation run.
//
// Profiling is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/otgsim
//	otgsim run --cpuprofile cpu.prof --memprofile heap.prof
//
// Without the tag [Start] accepts an empty [Options] and rejects any other
// with an error wrapping pkg.ErrNotSupported, so the flags stay visible
// but cost nothing.
//
// A session collects a CPU profile for its whole lifetime and writes the
// heap and mutex snapshots when it stops. Options.HTTP additionally serves
// the [net/http/pprof] handlers at /debug/pprof/ until the session stops.
// Only one session may be active at a time.
package prof
