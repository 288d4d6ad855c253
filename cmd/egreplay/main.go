// egreplay replays a recorded execution trace against an operator library and
// reports per-pass timings, optionally with per-operator memory deltas and a
// CPU profile of the replay loop.
//
// Typical usage:
//
//	egreplay -input trace.json -warmup 5 -iter 30 -m
//
// The operator library is selected with -library (or the EGREPLAY_BACKEND
// environment variable), defaulting to the portable Go library.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"sort"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/parambench/egreplay/exgraph"
	"github.com/parambench/egreplay/oplib"
	_ "github.com/parambench/egreplay/oplib/goop"
	"github.com/parambench/egreplay/replay"
	"github.com/parambench/egreplay/types/xslices"
	"k8s.io/klog/v2"
)

var (
	flagInput         = flag.String("input", "", "Path of the execution trace to replay. Required.")
	flagWarmup        = flag.Int("warmup", 5, "Warmup passes before timing starts.")
	flagIters         = flag.Int("iter", 30, "Timed replay passes.")
	flagProfileReplay = flag.Bool("p", false, "Write a CPU profile of the timed passes and capture the ops of the first one.")
	flagProfileMemory = flag.Bool("m", false, "Sample memory counters around every operator and report the largest deltas.")
	flagLibrary       = flag.String("library", "", "Operator library configuration, formatted as \"<name>:<config>\". "+
		"Defaults to $"+oplib.EGREPLAY_BACKEND+", then to the first registered library.")
	flagReset = flag.Bool("reset", false, "Rebuild the tensor registry between passes instead of only once.")
)

func init() {
	// Long-form aliases for the profiling toggles.
	flag.BoolVar(flagProfileReplay, "profile_replay", false, "Alias of -p.")
	flag.BoolVar(flagProfileMemory, "profile_memory", false, "Alias of -m.")
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagInput == "" {
		fmt.Fprintln(os.Stderr, "Flag -input is required, there is no trace to replay.")
		flag.Usage()
		os.Exit(1)
	}

	graph := must.M1(exgraph.Load(*flagInput))
	lib := oplib.NewWithConfig(*flagLibrary)
	defer lib.Finalize()
	fmt.Printf("Replaying %s (%d nodes) on %s\n", *flagInput, graph.NumNodes(), lib.Description())

	r := replay.New(graph, lib)
	must.M(r.Preprocess())
	fmt.Printf("Operations: %d, tensor slots: %d, tensors produced outside the replayed subgraph: %s\n",
		r.NumOperations(), r.NumSlots(), humanize.Bytes(r.LeakedBytes()))

	opts := replay.BenchmarkOptions{
		Warmup:             *flagWarmup,
		Iterations:         *flagIters,
		ProfileMemory:      *flagProfileMemory,
		CaptureTrace:       *flagProfileReplay,
		ResetBetweenPasses: *flagReset,
		Progress:           true,
	}
	if *flagProfileReplay {
		opts.Profiler = &cpuProfiler{path: "egreplay-cpu.pprof"}
	}

	result := must.M1(r.Benchmark(opts))
	fmt.Printf("\nReplayed %d passes, total device time %s, %s per pass\n",
		result.Passes, result.TotalDeviceTime, result.PerPassTime())
	if result.CapturedTracePath != "" {
		fmt.Printf("Executed-ops capture of the first timed pass: %s\n", result.CapturedTracePath)
	}
	if *flagProfileMemory {
		printMemoryReport(graph, result)
	}
}

// cpuProfiler implements replay.ProfileCollector with the runtime CPU
// profiler, covering all timed passes.
type cpuProfiler struct {
	path string
	file *os.File
}

func (p *cpuProfiler) Start() error {
	f, err := os.Create(p.path)
	if err != nil {
		return err
	}
	p.file = f
	return pprof.StartCPUProfile(f)
}

func (p *cpuProfiler) Step(pass int) {}

func (p *cpuProfiler) Stop() error {
	pprof.StopCPUProfile()
	fmt.Printf("CPU profile written to %s\n", p.path)
	return p.file.Close()
}

// maxReportRows bounds the memory report to the operators that matter.
const maxReportRows = 100

func printMemoryReport(graph *exgraph.Graph, result replay.BenchmarkResult) {
	type row struct {
		id                  int64
		allocated, reserved int64
	}
	// Sorted ids first, so ties order deterministically by node id.
	rows := xslices.Map(xslices.SortedKeys(result.AllocatedByNode), func(id int64) row {
		return row{id: id, allocated: result.AllocatedByNode[id], reserved: result.ReservedByNode[id]}
	})
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].allocated > rows[j].allocated })
	if len(rows) > maxReportRows {
		rows = rows[:maxReportRows]
	}

	headerStyle := lipgloss.NewStyle().Bold(true).Align(lipgloss.Center)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		Headers("Node", "Operator", "Allocated Δ", "Reserved Δ").
		StyleFunc(func(r, c int) lipgloss.Style {
			if r == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, r := range rows {
		name := "?"
		if node := graph.Node(r.id); node != nil {
			name = node.Name
		}
		table.Row(fmt.Sprintf("%d", r.id), name, signedBytes(r.allocated), signedBytes(r.reserved))
	}
	fmt.Printf("\nLargest per-operator memory deltas (last pass):\n%s\n", table)
}

func signedBytes(delta int64) string {
	if delta < 0 {
		return "-" + humanize.Bytes(uint64(-delta))
	}
	return humanize.Bytes(uint64(delta))
}
