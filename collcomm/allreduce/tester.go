package allreduce

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/unixpickle/devcomm/collcomm"
	"github.com/unixpickle/devcomm/config"
	"github.com/unixpickle/devcomm/conn"
	"github.com/unixpickle/devcomm/work"
)

// TestConfig returns a small fabric configuration for
// tests.
func TestConfig(numRanks int) *config.Config {
	cfg := config.Default()
	cfg.Ranks = numRanks
	cfg.BuffSizes = config.BuffSizes{LL: 1024, LL128: 2048, Simple: 1024}
	cfg.QueueCapacity = 16
	cfg.ArenaSize = 1 << 20
	cfg.Poll = conn.PollPolicy{SpinBudget: 16, YieldBudget: 1 << 30, AbortEvery: 1}
	return cfg
}

// RunAllreducerTests runs a battery of tests on an
// Allreducer.
func RunAllreducerTests(t *testing.T, reducer Allreducer) {
	for _, numNodes := range []int{1, 2, 3, 5, 8} {
		numNodes := numNodes
		for _, size := range []int{0, 1337} {
			size := size
			for _, layout := range []string{"P2P", "SHM", "NET"} {
				layout := layout
				testName := fmt.Sprintf("Nodes=%d,Size=%d,Links=%s", numNodes, size, layout)
				t.Run(testName, func(t *testing.T) {
					cfg := TestConfig(numNodes)
					switch layout {
					case "SHM":
						cfg.Intra = conn.SHM.String()
					case "NET":
						cfg.RanksPerNode = 2
					}
					fabric, err := collcomm.NewFabric(cfg)
					if err != nil {
						t.Fatal(err)
					}

					vectors := make([][]float32, numNodes)
					sum := make([]float32, size)
					for i := range vectors {
						vectors[i] = make([]float32, size)
						for j := range vectors[i] {
							vectors[i][j] = float32(rand.Intn(9) - 4)
							sum[j] += vectors[i][j]
						}
					}

					ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
					defer cancel()
					results := make([][]float32, numNodes)
					err = fabric.Run(ctx, func(ctx context.Context, c *collcomm.Comms) error {
						res, err := reducer.Allreduce(ctx, c, vectors[c.Index()], work.Sum)
						results[c.Index()] = res
						return err
					})
					if err != nil {
						t.Fatal(err)
					}

					verifyReductionResults(t, results, sum)
				})
			}
		}
	}
}

func verifyReductionResults(t *testing.T, results [][]float32, expected []float32) {
	for i, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", i+1, len(res), len(expected))
			continue
		}
		for j, actual := range res {
			if actual != results[0][j] {
				t.Errorf("result %d is not identical to result 0", i+1)
				break
			}
		}
	}

	if len(results[0]) != len(expected) {
		t.Fatalf("result 0 has length %d but expected %d", len(results[0]), len(expected))
	}
	for i, x := range expected {
		if math.Abs(float64(x-results[0][i])) > 1e-5 {
			t.Errorf("sum is incorrect (expected %f but got %f at component %d)",
				x, results[0][i], i)
			break
		}
	}
}
