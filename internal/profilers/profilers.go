// Package profilers sets up profiling for the lisa command: an HTTP pprof server, a CPU profile
// covering the whole run and a heap profile written on exit.
//
// If linked, it installs the profiler flags.
package profilers

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagProfiler   = flag.Int("prof", -1, "If set, runs the profile at the given port.")
	flagCPUProfile = flag.String("cpu_profile", "", "write cpu profile to `file`")
	flagMemProfile = flag.String("mem_profile", "", "write heap profile to `file` on exit")
)

// Profilers started by Setup. Call Stop when the program is about to exit.
type Profilers struct {
	ctx      context.Context
	addr     string
	cpuFile  *os.File
	memPath  string
	httpPort int
}

// Setup starts the HTTP (flag -prof) and CPU profilers (flag -cpu_profile), if they were configured.
// ctx is used to keep the program alive at exit while the HTTP profiler is on: until it is cancelled.
func Setup(ctx context.Context) (*Profilers, error) {
	p := &Profilers{ctx: ctx, memPath: *flagMemProfile, httpPort: *flagProfiler}
	if *flagCPUProfile != "" {
		f, err := os.Create(*flagCPUProfile)
		if err != nil {
			return nil, errors.Wrapf(err, "could not create CPU profile %q", *flagCPUProfile)
		}
		if err = pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(err, "could not start CPU profile")
		}
		p.cpuFile = f
	}
	if p.httpPort >= 0 {
		p.addr = fmt.Sprintf("localhost:%d", p.httpPort)
		fmt.Printf("Starting profiler on %s/debug/pprof\n", p.addr)
		fmt.Printf("- You can access it with: $ go tool pprof %s/debug/pprof/heap\n", p.addr)
		fmt.Printf("- Program will be kept alive on end, you will have to interrupt it (Ctrl+C) to exit\n")
		go func() {
			klog.Fatal(http.ListenAndServe(p.addr, nil))
		}()
	}
	return p, nil
}

// Stop the CPU profiler, write the heap profile and, if the HTTP profiler is on, wait for the
// context to be cancelled.
func (p *Profilers) Stop() {
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuFile.Close(); err != nil {
			klog.Errorf("Failed to close CPU profile: %+v", err)
		}
		p.cpuFile = nil
	}
	if p.memPath != "" {
		if err := p.writeHeapProfile(); err != nil {
			klog.Errorf("Failed to write heap profile: %+v", err)
		}
	}
	if p.httpPort < 0 || p.ctx.Err() != nil {
		return
	}

	// Garbage collect, to see if there is anything leaking.
	for range 10 {
		runtime.GC()
	}
	fmt.Printf("- Program finished: kept alive with profiler opened at %s/debug/pprof\n", p.addr)
	fmt.Printf("- Interrupt (Ctrl+C) to exit\n")
	<-p.ctx.Done()
	fmt.Printf("... exiting ...\n")
}

func (p *Profilers) writeHeapProfile() error {
	f, err := os.Create(p.memPath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", p.memPath)
	}
	defer func() { _ = f.Close() }()
	runtime.GC()
	return errors.Wrapf(pprof.WriteHeapProfile(f), "writing %q", p.memPath)
}
