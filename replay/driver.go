package replay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// capturedOp is one executed operator in the diagnostic trace capture of the
// first measured pass.
type capturedOp struct {
	Id   int64  `json:"id"`
	Name string `json:"name"`
}

// ProfileCollector is an external profiler attached to the benchmark: started
// before the first measured pass, stepped after every pass, stopped at the
// end. The benchmark tolerates a nil collector.
type ProfileCollector interface {
	Start() error
	Step(pass int)
	Stop() error
}

// BenchmarkOptions configures a Benchmark run. The zero value disables every
// optional behavior; use DefaultBenchmarkOptions for the standard pass counts.
type BenchmarkOptions struct {
	// Warmup passes run before timing starts; Iterations passes are timed.
	Warmup     int
	Iterations int

	// ProfileMemory samples the library's memory counters around every
	// operator invocation of every pass.
	ProfileMemory bool

	// CaptureTrace records the operators executed during the first measured
	// pass into a JSON file under the system temp directory.
	CaptureTrace bool

	// ResetBetweenPasses rebuilds the working registry from the permanent
	// one before every pass, instead of only once up front.
	ResetBetweenPasses bool

	// Progress renders a per-pass progress bar on stderr.
	Progress bool

	Profiler ProfileCollector
}

// DefaultBenchmarkOptions returns the standard pass counts: 5 warmup passes
// and 30 measured iterations.
func DefaultBenchmarkOptions() BenchmarkOptions {
	return BenchmarkOptions{Warmup: 5, Iterations: 30}
}

// BenchmarkResult aggregates one Benchmark run.
type BenchmarkResult struct {
	// Passes is the number of measured passes.
	Passes int

	// TotalDeviceTime is the summed device time of all measured passes.
	TotalDeviceTime time.Duration

	// CapturedTracePath is the file the first measured pass was captured
	// to, empty when capture was disabled.
	CapturedTracePath string

	// AllocatedByNode and ReservedByNode hold the last sampled per-node
	// memory deltas, keyed by node id. Empty unless memory profiling was
	// enabled.
	AllocatedByNode map[int64]int64
	ReservedByNode  map[int64]int64
}

// PerPassTime returns the mean device time of one measured pass.
func (b *BenchmarkResult) PerPassTime() time.Duration {
	if b.Passes == 0 {
		return 0
	}
	return b.TotalDeviceTime / time.Duration(b.Passes)
}

// Benchmark runs the replay loop: warmup passes, then timed passes. Each pass
// executes every qualified node in ascending id order between a pair of
// library events, then synchronizes before reading the elapsed time, so the
// measurement covers asynchronous device work. Call Preprocess first.
func (r *Replayer) Benchmark(opts BenchmarkOptions) (result BenchmarkResult, err error) {
	if len(r.sorted) == 0 {
		return result, errors.New("nothing to replay: Preprocess found no qualified operators")
	}
	r.profileMemory = opts.ProfileMemory

	total := opts.Warmup + opts.Iterations
	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("replay"),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("pass"))
	}

	err = exceptions.TryCatch[error](func() {
		profilerRunning := false
		for pass := 0; pass < total; pass++ {
			measured := pass >= opts.Warmup
			if measured && !profilerRunning && opts.Profiler != nil {
				if startErr := opts.Profiler.Start(); startErr != nil {
					exceptions.Panicf("profiler start failed: %+v", startErr)
				}
				profilerRunning = true
			}

			firstMeasured := pass == opts.Warmup
			var capture []capturedOp
			if opts.CaptureTrace && firstMeasured {
				r.captureOps = &capture
			}

			if opts.ResetBetweenPasses || pass == 0 {
				r.resetRegistry()
			}
			if r.profileMemory {
				r.lastAllocated = r.lib.AllocatedMemory()
				r.lastReserved = r.lib.ReservedMemory()
			}

			start := r.lib.NewEvent()
			end := r.lib.NewEvent()
			start.Record()
			for _, node := range r.sorted {
				r.runNode(node)
			}
			end.Record()
			r.lib.Synchronize()

			if measured {
				result.TotalDeviceTime += start.Elapsed(end)
				result.Passes++
			}
			if r.captureOps != nil {
				r.captureOps = nil
				path, captureErr := writeCapture(capture)
				if captureErr != nil {
					klog.Warningf("Could not write trace capture: %v", captureErr)
				} else {
					result.CapturedTracePath = path
				}
			}
			if opts.Profiler != nil && profilerRunning {
				opts.Profiler.Step(pass)
			}
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		if profilerRunning {
			if stopErr := opts.Profiler.Stop(); stopErr != nil {
				exceptions.Panicf("profiler stop failed: %+v", stopErr)
			}
		}
	})
	if err != nil {
		return BenchmarkResult{}, err
	}

	if r.profileMemory {
		result.AllocatedByNode = r.allocatedDelta
		result.ReservedByNode = r.reservedDelta
	}
	return result, nil
}

// writeCapture dumps the captured operator list as JSON into a uniquely named
// file under the system temp directory and returns its path.
func writeCapture(ops []capturedOp) (string, error) {
	path := filepath.Join(os.TempDir(), "egreplay-capture-"+uuid.NewString()+".json")
	data, err := json.MarshalIndent(ops, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshaling trace capture")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrapf(err, "writing trace capture to %s", path)
	}
	klog.V(1).Infof("Trace capture of first measured pass written to %s (%d ops)", path, len(ops))
	return path, nil
}
