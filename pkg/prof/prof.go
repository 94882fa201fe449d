//go:build profile

package prof

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	_ "net/http/pprof" // Register HTTP handlers at /debug/pprof/

	"github.com/ardnew/otgusb/pkg"
)

// Enabled reports whether profiling is compiled in.
const Enabled = true

var (
	mu     sync.Mutex
	active bool
)

// Start begins a profiling session. It returns an error wrapping
// pkg.ErrAlreadyRunning if another session is active.
func Start(opts Options) (Stop, error) {
	mu.Lock()
	defer mu.Unlock()
	if active {
		return nil, fmt.Errorf("profile: %w", pkg.ErrAlreadyRunning)
	}

	var cpu *os.File
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, err
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, err
		}
		cpu = f
	}

	var srv *http.Server
	if opts.HTTP != "" {
		ln, err := net.Listen("tcp", opts.HTTP)
		if err != nil {
			if cpu != nil {
				pprof.StopCPUProfile()
				cpu.Close()
			}
			return nil, err
		}
		srv = &http.Server{Handler: http.DefaultServeMux}
		go srv.Serve(ln)
		pkg.LogInfo(pkg.ComponentCLI, "pprof listening", "addr", ln.Addr().String())
	}

	prevMutex := -1
	if opts.Mutex != "" {
		prevMutex = runtime.SetMutexProfileFraction(1)
	}

	active = true
	var once sync.Once
	var stopErr error
	return func() error {
		once.Do(func() {
			var errs []error
			if cpu != nil {
				pprof.StopCPUProfile()
				errs = append(errs, cpu.Close())
			}
			if opts.Heap != "" {
				runtime.GC()
				errs = append(errs, writeProfile("heap", opts.Heap))
			}
			if opts.Mutex != "" {
				errs = append(errs, writeProfile("mutex", opts.Mutex))
				runtime.SetMutexProfileFraction(prevMutex)
			}
			if srv != nil {
				errs = append(errs, srv.Close())
			}
			mu.Lock()
			active = false
			mu.Unlock()
			stopErr = errors.Join(errs...)
		})
		return stopErr
	}, nil
}

func writeProfile(name, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.Lookup(name).WriteTo(f, 0); err != nil {
		f.Close()
		return fmt.Errorf("%s profile: %w", name, err)
	}
	return f.Close()
}
