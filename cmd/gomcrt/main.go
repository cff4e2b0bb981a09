package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qcserestipy/gomcrt/pkg/config"
	"github.com/qcserestipy/gomcrt/pkg/parallel"
	"github.com/qcserestipy/gomcrt/pkg/procgroup"
	"github.com/qcserestipy/gomcrt/pkg/serve"
)

func init() {
	formatter := &logrus.TextFormatter{}
	formatter.FullTimestamp = true
	formatter.TimestampFormat = time.RFC3339
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(formatter)
}

func main() {
	cfgPath := flag.String("config", "gomcrt.toml", "Path to the run configuration")
	packetsPtr := flag.Int64("n", 0, "Photon packets to launch (overrides config)")
	threadsPtr := flag.Int("threads", 0, "Worker threads per process (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logrus.Fatalf("Loading configuration failed: %v", err)
	}
	if *packetsPtr > 0 {
		cfg.Packets = *packetsPtr
	}
	if *threadsPtr > 0 {
		cfg.Threads = *threadsPtr
	}

	group, err := newGroup(cfg.Process)
	if err != nil {
		logrus.Fatalf("Process group setup failed: %v", err)
	}
	if err := group.Initialize(); err != nil {
		logrus.Fatalf("Process group initialization failed: %v", err)
	}
	defer func() {
		if err := group.Finalize(); err != nil {
			logrus.Errorf("Process group finalization failed: %v", err)
		}
	}()

	logrus.WithFields(logrus.Fields{
		"rank":    group.Rank(),
		"size":    group.Size(),
		"threads": cfg.Threads,
		"packets": cfg.Packets,
	}).Info("Process group ready")

	progress := serve.NewProgress(group.Rank(), group.Size())
	if cfg.Status.Enabled {
		go serve.Launch(serve.New(progress), cfg.Status.Port+group.Rank())
	}

	factory := parallel.NewFactory()
	defer factory.Close()

	if err := run(cfg, group, factory.Pool(cfg.Threads), progress); err != nil {
		logrus.Fatalf("Simulation failed: %v", err)
	}
}

// newGroup selects the process-group backend: standalone for a
// single-process run, TCP otherwise.
func newGroup(pc config.ProcessConfig) (procgroup.Group, error) {
	if pc.Size == 1 {
		return procgroup.NewStandalone(), nil
	}
	return procgroup.NewTCPGroup(pc.Rank, pc.Size, pc.RootAddr,
		procgroup.WithDialTimeout(time.Duration(pc.DialTimeoutSecs)*time.Second))
}

// Demo stage: photon packets traverse a uniform slab. Each packet samples
// an optical path length from an exponential distribution and escapes when
// it exceeds the slab's optical depth, so the transmitted fraction should
// approach exp(-slabDepth).
const (
	slabDepth = 2.0
	nBins     = 16
)

// The stage accumulates into one flat array so a single reduction combines
// everything: nBins histogram bins of sampled path lengths, then the
// transmitted count, then the launched count.
const (
	statTransmitted = nBins
	statLaunched    = nBins + 1
	statLen         = nBins + 2
)

func run(cfg config.Config, group procgroup.Group, pool *parallel.Pool, progress *serve.Progress) error {
	// Each rank owns a contiguous share of the global packet indices.
	local := cfg.Packets / int64(group.Size())
	if int64(group.Rank()) < cfg.Packets%int64(group.Size()) {
		local++
	}

	stats := make([]float64, statLen)
	var mu sync.Mutex

	target := func(first, num int64) error {
		// One random stream per chunk, derived from the seed, the rank and
		// the chunk's first index: reruns with the same process and thread
		// configuration reproduce bit-exact results.
		rng := rand.New(rand.NewSource(cfg.Seed + int64(group.Rank())<<32 + first))
		part := make([]float64, statLen)
		for i := int64(0); i < num; i++ {
			tau := -math.Log(1 - rng.Float64())
			bin := int(tau / slabDepth * nBins)
			if bin >= nBins {
				bin = nBins - 1
			}
			part[bin]++
			if tau > slabDepth {
				part[statTransmitted]++
			}
			part[statLaunched]++
		}
		mu.Lock()
		for i, v := range part {
			stats[i] += v
		}
		mu.Unlock()
		progress.Add(num)
		return nil
	}

	progress.StartStage("shooting photons", local)
	start := time.Now()
	if err := pool.Call(target, local); err != nil {
		return fmt.Errorf("photon stage: %w", err)
	}
	progress.FinishStage()

	logrus.WithFields(logrus.Fields{
		"rank":     group.Rank(),
		"packets":  local,
		"duration": time.Since(start),
	}).Debug("Local photon stage completed")

	if err := group.SumToRoot(stats); err != nil {
		return fmt.Errorf("reducing stage results: %w", err)
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("post-stage barrier: %w", err)
	}

	if group.IsRoot() {
		launched := stats[statLaunched]
		fraction := 0.0
		if launched > 0 {
			fraction = stats[statTransmitted] / launched
		}
		logrus.WithFields(logrus.Fields{
			"packets":              int64(launched),
			"transmitted_fraction": fraction,
			"expected":             math.Exp(-slabDepth),
			"duration":             time.Since(start),
		}).Info("Simulation completed")
	}
	return nil
}
