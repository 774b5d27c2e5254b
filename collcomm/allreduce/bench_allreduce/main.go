package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"github.com/unixpickle/devcomm/collcomm"
	"github.com/unixpickle/devcomm/collcomm/allreduce"
	"github.com/unixpickle/devcomm/config"
	"github.com/unixpickle/devcomm/trace"
	"github.com/unixpickle/devcomm/wire"
	"github.com/unixpickle/devcomm/work"
	"k8s.io/klog/v2"
)

var (
	flagConfig  = flag.String("config", "", "YAML fabric configuration; defaults to $"+config.EnvVar)
	flagRanks   = flag.String("ranks", "2,4,8", "comma-separated rank counts")
	flagSizes   = flag.String("sizes", "16,4096,262144", "comma-separated vector sizes, in elements")
	flagIters   = flag.Int("iters", 5, "timed iterations per cell")
	flagProfile = flag.Bool("profile", false, "print per-primitive profiles")
	flagTrace   = flag.Bool("trace", false, "drain the trace ring and report lost records")
)

// RunInfo describes a specific fabric configuration.
type RunInfo struct {
	NumRanks int
	Config   *config.Config
}

// Run creates a fabric and times iters allreductions of a
// vector of size elements on every rank.
func (r *RunInfo) Run(reducer allreduce.Allreducer, size, iters int) (time.Duration, *collcomm.Fabric) {
	cfg := *r.Config
	cfg.Ranks = r.NumRanks
	cfg.Profile = *flagProfile
	cfg.Trace = *flagTrace
	fabric := must.M1(collcomm.NewFabric(&cfg))

	var reader *trace.Reader
	if fabric.Trace != nil {
		reader = trace.NewReader(fabric.Trace, time.Millisecond, nil)
		reader.Start()
	}

	vec := make([]float32, size)
	var elapsed time.Duration
	for i := 0; i < iters+1; i++ {
		start := time.Now()
		must.M(fabric.Run(context.Background(), func(ctx context.Context, c *collcomm.Comms) error {
			_, err := reducer.Allreduce(ctx, c, vec, work.Sum)
			return err
		}))
		// The first iteration binds endpoints and is not timed.
		if i > 0 {
			elapsed += time.Since(start)
		}
	}

	if reader != nil {
		reader.Stop()
		if lost := reader.Lost(); lost > 0 {
			klog.Warningf("%d of %d trace records lost", lost, lost+reader.Read())
		}
	}
	return elapsed / time.Duration(iters), fabric
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg := must.M1(config.FromEnv())
	if *flagConfig != "" {
		cfg = must.M1(config.Load(*flagConfig))
	}
	rankCounts := parseInts(*flagRanks)
	vecSizes := parseInts(*flagSizes)
	if *flagIters < 1 {
		klog.Exitf("iters must be positive, got %d", *flagIters)
	}

	reducers := []allreduce.Allreducer{
		allreduce.NaiveAllreducer{Protocol: wire.Simple},
		allreduce.TreeAllreducer{Protocol: wire.LL128},
		allreduce.StreamAllreducer{Protocol: wire.LL},
		allreduce.StreamAllreducer{Protocol: wire.LL128},
		allreduce.StreamAllreducer{Protocol: wire.Simple},
	}
	reducerNames := []string{"Naive", "Tree/LL128", "Ring/LL", "Ring/LL128", "Ring/Simple"}

	bar := progressbar.NewOptions(len(rankCounts)*len(vecSizes)*len(reducers),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("allreduce"),
		progressbar.OptionClearOnFinish())

	var table strings.Builder
	var profiles strings.Builder

	// Markdown table header.
	fmt.Fprint(&table, "| Ranks | Channels | Size ")
	for _, reducerName := range reducerNames {
		fmt.Fprintf(&table, "| %s ", reducerName)
	}
	fmt.Fprintln(&table, "|")
	for i := 0; i < 3+len(reducers); i++ {
		fmt.Fprint(&table, "|:--")
	}
	fmt.Fprintln(&table, "|")

	// Markdown table body.
	for _, numRanks := range rankCounts {
		runInfo := &RunInfo{NumRanks: numRanks, Config: cfg}
		for _, size := range vecSizes {
			fmt.Fprintf(&table, "| %d | %d | %s ", numRanks, cfg.Channels,
				humanize.IBytes(uint64(size*4)))
			for i, reducer := range reducers {
				elapsed, fabric := runInfo.Run(reducer, size, *flagIters)
				fmt.Fprintf(&table, "| %s ", elapsed)
				if *flagProfile {
					fmt.Fprintf(&profiles, "\n%s, %d ranks, %d elements:\n%s", reducerNames[i],
						numRanks, size, fabric.Prof().Report())
				}
				must.M(bar.Add(1))
			}
			fmt.Fprintln(&table, "|")
		}
	}
	must.M(bar.Finish())

	fmt.Print(table.String())
	fmt.Print(profiles.String())
}

func parseInts(list string) []int {
	var res []int
	for _, field := range strings.Split(list, ",") {
		x, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || x < 0 {
			klog.Exitf("invalid list entry %q", field)
		}
		res = append(res, x)
	}
	return res
}
