package procgroup_test

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/qcserestipy/gomcrt/pkg/procgroup"
)

// startGroups brings up one TCPGroup instance per rank over a loopback
// listener and initializes them all, simulating a group of size processes
// within the test process.
func startGroups(t *testing.T, size int, opts ...procgroup.TCPOptionFunc) []*procgroup.TCPGroup {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()

	groups := make([]*procgroup.TCPGroup, size)
	for r := 0; r < size; r++ {
		gopts := append([]procgroup.TCPOptionFunc{
			procgroup.WithDialTimeout(5 * time.Second),
		}, opts...)
		if r == 0 {
			gopts = append(gopts, procgroup.WithListener(lis))
		}
		g, err := procgroup.NewTCPGroup(r, size, addr, gopts...)
		if err != nil {
			t.Fatalf("NewTCPGroup rank %d: %v", r, err)
		}
		groups[r] = g
	}

	onAllRanks(t, groups, func(g *procgroup.TCPGroup) error {
		return g.Initialize()
	})
	t.Cleanup(func() {
		for _, g := range groups {
			_ = g.Finalize()
		}
	})
	return groups
}

// onAllRanks runs one collective on every rank concurrently and fails the
// test if any rank reports an error.
func onAllRanks(t *testing.T, groups []*procgroup.TCPGroup, fn func(g *procgroup.TCPGroup) error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make([]error, len(groups))
	for r := range groups {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = fn(groups[r])
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", r, err)
		}
	}
}

// localArrays builds per-rank input arrays and the expected elementwise sum.
func localArrays(size, length int) (arrs [][]float64, want []float64) {
	arrs = make([][]float64, size)
	want = make([]float64, length)
	for r := 0; r < size; r++ {
		arrs[r] = make([]float64, length)
		for i := 0; i < length; i++ {
			arrs[r][i] = float64(r+1) * (float64(i) + 0.5)
			want[i] += arrs[r][i]
		}
	}
	return arrs, want
}

func TestTCPGroupIdentity(t *testing.T) {
	groups := startGroups(t, 3)
	for r, g := range groups {
		if g.Size() != 3 {
			t.Errorf("rank %d: Size() = %d, want 3", r, g.Size())
		}
		if g.Rank() != r {
			t.Errorf("rank %d: Rank() = %d", r, g.Rank())
		}
		if g.IsRoot() != (r == 0) {
			t.Errorf("rank %d: IsRoot() = %v", r, g.IsRoot())
		}
		if !g.IsMultiProc() {
			t.Errorf("rank %d: IsMultiProc() = false", r)
		}
	}
}

func TestTCPGroupInitializeIdempotent(t *testing.T) {
	groups := startGroups(t, 2)
	for r, g := range groups {
		if err := g.Initialize(); err != nil {
			t.Errorf("rank %d: second Initialize: %v", r, err)
		}
	}
}

func TestTCPGroupSumToAll(t *testing.T) {
	const size, length = 3, 64
	groups := startGroups(t, size)
	arrs, want := localArrays(size, length)

	onAllRanks(t, groups, func(g *procgroup.TCPGroup) error {
		return g.SumToAll(arrs[g.Rank()])
	})

	for r := 0; r < size; r++ {
		for i := 0; i < length; i++ {
			if arrs[r][i] != want[i] {
				t.Fatalf("rank %d: arr[%d] = %v, want %v", r, i, arrs[r][i], want[i])
			}
		}
	}
}

func TestTCPGroupSumToRoot(t *testing.T) {
	const size, length = 4, 32
	groups := startGroups(t, size)
	arrs, want := localArrays(size, length)

	onAllRanks(t, groups, func(g *procgroup.TCPGroup) error {
		return g.SumToRoot(arrs[g.Rank()])
	})

	// Only the root's array is guaranteed to hold the combined sum.
	for i := 0; i < length; i++ {
		if arrs[0][i] != want[i] {
			t.Fatalf("root: arr[%d] = %v, want %v", i, arrs[0][i], want[i])
		}
	}
}

func TestTCPGroupChunkedReduction(t *testing.T) {
	// A slice cap of 4 forces a 14-element array through 4 slices,
	// including a short remainder.
	const size, length = 3, 14
	groups := startGroups(t, size, procgroup.WithMaxSliceElems(4))
	arrs, want := localArrays(size, length)

	onAllRanks(t, groups, func(g *procgroup.TCPGroup) error {
		return g.SumToAll(arrs[g.Rank()])
	})

	for r := 0; r < size; r++ {
		for i := 0; i < length; i++ {
			if arrs[r][i] != want[i] {
				t.Fatalf("rank %d: arr[%d] = %v, want %v", r, i, arrs[r][i], want[i])
			}
		}
	}
}

func TestTCPGroupChunkedSumToRoot(t *testing.T) {
	const size, length = 2, 10
	groups := startGroups(t, size, procgroup.WithMaxSliceElems(3))
	arrs, want := localArrays(size, length)

	onAllRanks(t, groups, func(g *procgroup.TCPGroup) error {
		return g.SumToRoot(arrs[g.Rank()])
	})

	for i := 0; i < length; i++ {
		if arrs[0][i] != want[i] {
			t.Fatalf("root: arr[%d] = %v, want %v", i, arrs[0][i], want[i])
		}
	}
}

func TestTCPGroupEmptyArray(t *testing.T) {
	groups := startGroups(t, 2)
	onAllRanks(t, groups, func(g *procgroup.TCPGroup) error {
		return g.SumToAll(nil)
	})
}

func TestTCPGroupBarrier(t *testing.T) {
	const size = 4
	groups := startGroups(t, size)

	for round := 0; round < 3; round++ {
		var arrived atomic.Int32
		onAllRanks(t, groups, func(g *procgroup.TCPGroup) error {
			arrived.Add(1)
			if err := g.Wait(); err != nil {
				return err
			}
			// Wait returns only once every rank has arrived.
			if got := arrived.Load(); got != size {
				t.Errorf("round %d, rank %d: released with %d of %d ranks arrived", round, g.Rank(), got, size)
			}
			return nil
		})
	}
}

func TestTCPGroupCollectivesFollowSequence(t *testing.T) {
	// One run mixing all collectives in SPMD order.
	const size, length = 3, 8
	groups := startGroups(t, size)
	arrs, want := localArrays(size, length)

	onAllRanks(t, groups, func(g *procgroup.TCPGroup) error {
		if err := g.Wait(); err != nil {
			return err
		}
		if err := g.SumToRoot(arrs[g.Rank()]); err != nil {
			return err
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return g.Wait()
	})

	for i := 0; i < length; i++ {
		if arrs[0][i] != want[i] {
			t.Fatalf("root: arr[%d] = %v, want %v", i, arrs[0][i], want[i])
		}
	}
}

func TestTCPGroupCollectiveBeforeInitialize(t *testing.T) {
	g, err := procgroup.NewTCPGroup(0, 2, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewTCPGroup: %v", err)
	}
	if err := g.Wait(); err == nil {
		t.Error("Wait succeeded before Initialize")
	}
	if err := g.SumToAll([]float64{1}); err == nil {
		t.Error("SumToAll succeeded before Initialize")
	}
}

func TestTCPGroupGreetingSizeMismatch(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()

	root, err := procgroup.NewTCPGroup(0, 2, addr, procgroup.WithListener(lis))
	if err != nil {
		t.Fatalf("NewTCPGroup root: %v", err)
	}
	peer, err := procgroup.NewTCPGroup(1, 3, addr, procgroup.WithDialTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewTCPGroup peer: %v", err)
	}

	var wg sync.WaitGroup
	var rootErr, peerErr error
	wg.Add(2)
	go func() { defer wg.Done(); rootErr = root.Initialize() }()
	go func() { defer wg.Done(); peerErr = peer.Initialize() }()
	wg.Wait()

	if rootErr == nil {
		t.Error("root accepted a peer reporting a different group size")
	}
	if peerErr == nil {
		t.Error("peer joined a group of a different size")
	}
}

func TestNewTCPGroupValidation(t *testing.T) {
	cases := []struct {
		name string
		rank int
		size int
		addr string
	}{
		{"zero size", 0, 0, "127.0.0.1:4097"},
		{"negative rank", -1, 2, "127.0.0.1:4097"},
		{"rank beyond size", 2, 2, "127.0.0.1:4097"},
		{"missing root address", 1, 2, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := procgroup.NewTCPGroup(tc.rank, tc.size, tc.addr); err == nil {
				t.Errorf("NewTCPGroup(%d, %d, %q) succeeded", tc.rank, tc.size, tc.addr)
			}
		})
	}
}

func TestTCPGroupSizeOneNeedsNoConnections(t *testing.T) {
	g, err := procgroup.NewTCPGroup(0, 1, "")
	if err != nil {
		t.Fatalf("NewTCPGroup: %v", err)
	}
	if err := g.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	arr := []float64{3, 1, 4}
	if err := g.SumToAll(arr); err != nil {
		t.Errorf("SumToAll: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Wait: %v", err)
	}
	if arr[0] != 3 || arr[1] != 1 || arr[2] != 4 {
		t.Errorf("array changed in a single-process reduction: %v", arr)
	}
	if err := g.Finalize(); err != nil {
		t.Errorf("Finalize: %v", err)
	}
}
