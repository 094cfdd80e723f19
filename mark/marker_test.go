// ABOUTME: Tests for parallel marking
// ABOUTME: Completeness, idempotence, array chunk coverage, preservation and termination liveness

package mark

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/prateek/fullgc/heap"
	"github.com/prateek/fullgc/preserve"
	"github.com/prateek/fullgc/refproc"
	"github.com/prateek/fullgc/taskqueue"
	"github.com/prateek/fullgc/workgang"
)

type markRun struct {
	bitmap    *heap.Bitmap
	markers   []*Marker
	objects   *taskqueue.Set[heap.Addr]
	arrays    *taskqueue.Set[ArrayTask]
	preserved *preserve.Set
}

func (r *markRun) total() Stats {
	var s Stats
	for _, m := range r.markers {
		s.Add(m.Stats())
	}
	return s
}

// runMarking marks h from its roots with the given number of workers
func runMarking(t *testing.T, h *heap.Heap, workers int, cfg Config, refs ReferenceDiscoverer, opts ...taskqueue.Option) *markRun {
	t.Helper()
	r := &markRun{
		bitmap:    h.NewMarkBitmap(),
		objects:   taskqueue.NewSet[heap.Addr](workers, opts...),
		arrays:    taskqueue.NewSet[ArrayTask](workers, opts...),
		preserved: preserve.NewSet(h, preserve.DefaultConfig()),
	}
	r.preserved.Init(workers)
	for w := 0; w < workers; w++ {
		r.markers = append(r.markers, New(w, Params{
			Heap:       h,
			Bitmap:     r.bitmap,
			Preserved:  r.preserved.Get(w),
			Objects:    r.objects,
			Arrays:     r.arrays,
			References: refs,
			Config:     cfg,
		}))
	}
	term := taskqueue.NewTerminator(workers, r.objects, r.arrays)
	roots := h.Roots()

	done := make(chan struct{})
	go func() {
		defer close(done)
		workgang.New("mark", workers).RunTask(workgang.TaskFunc{TaskName: "mark", Fn: func(w int) {
			m := r.markers[w]
			for i := w; i < len(roots); i += workers {
				m.MarkAndPush(roots[i])
			}
			m.CompleteMarking(r.objects, r.arrays, term)
		}})
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("marking did not terminate")
	}
	return r
}

// buildGraph allocates n nodes with up to fanout references each, all
// reachable from a single root
func buildGraph(t *testing.T, n, fanout int, seed int64) (*heap.Heap, []*heap.Object) {
	t.Helper()
	cfg := heap.DefaultConfig()
	cfg.RegionCount = 256
	h, err := heap.New(cfg)
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	r := rand.New(rand.NewSource(seed))
	nodes := make([]*heap.Object, n)
	for i := range nodes {
		kind := heap.RegionEden
		if i%3 == 0 {
			kind = heap.RegionOld
		}
		spec := heap.ObjectSpec{Class: "Node", Refs: fanout}
		if r.Intn(10) == 0 {
			spec.Header = heap.HashedHeader(uint64(i + 1))
		}
		nodes[i], err = h.Allocate(kind, spec)
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}
	// Spanning tree over a random permutation; each parent has at most
	// fanout children
	perm := r.Perm(n)
	for i := 1; i < n; i++ {
		parent := nodes[perm[(i-1)/fanout]]
		parent.Refs[(i-1)%fanout] = nodes[perm[i]].Addr
	}
	// Extra cross edges, including cycles
	for i := 0; i < n; i++ {
		for j := range nodes[i].Refs {
			if nodes[i].Refs[j] == heap.Null && r.Intn(2) == 0 {
				nodes[i].Refs[j] = nodes[r.Intn(n)].Addr
			}
		}
	}
	h.AddRoot(nodes[perm[0]].Addr)
	return h, nodes
}

// reachable computes the reachable set serially
func reachable(h *heap.Heap) map[heap.Addr]bool {
	seen := make(map[heap.Addr]bool)
	var stack []heap.Addr
	for _, r := range h.Roots() {
		if r != heap.Null && !seen[r] {
			seen[r] = true
			stack = append(stack, r)
		}
	}
	for len(stack) > 0 {
		a := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, ref := range h.Object(a).Refs {
			if ref != heap.Null && !seen[ref] {
				seen[ref] = true
				stack = append(stack, ref)
			}
		}
	}
	return seen
}

func TestScenarioTenThousandNodesFourWorkers(t *testing.T) {
	h, _ := buildGraph(t, 10000, 4, 1)
	want := reachable(h)
	if len(want) != 10000 {
		t.Fatalf("Graph construction should reach every node, reached %d", len(want))
	}

	r := runMarking(t, h, 4, DefaultConfig(), nil)

	if r.bitmap.Count() != 10000 {
		t.Errorf("Expected 10000 marked bits, got %d", r.bitmap.Count())
	}
	for _, m := range r.markers {
		if !m.IsEmpty() {
			t.Errorf("Worker %d has residual tasks", m.Worker())
		}
	}
	if r.objects.Tasks() != 0 || r.arrays.Tasks() != 0 {
		t.Errorf("Residual tasks: %d objects, %d arrays", r.objects.Tasks(), r.arrays.Tasks())
	}
	stats := r.total()
	if stats.ObjectsMarked != 10000 || stats.ObjectsFollowed != 10000 {
		t.Errorf("Expected every object marked and followed once, got %d marked, %d followed",
			stats.ObjectsMarked, stats.ObjectsFollowed)
	}
}

func TestPropertyCompleteness(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		h, nodes := buildGraph(t, 500, 3, seed)
		// Detach a random suffix by adding unreachable garbage
		r := rand.New(rand.NewSource(seed))
		for i := 0; i < 100; i++ {
			g, err := h.Allocate(heap.RegionEden, heap.ObjectSpec{Class: "Garbage", Refs: 2})
			if err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			g.Refs[0] = nodes[r.Intn(len(nodes))].Addr
		}
		want := reachable(h)

		run := runMarking(t, h, 1+int(seed%5), DefaultConfig(), nil)

		got := 0
		run.bitmap.ForEachMarked(func(a heap.Addr) {
			got++
			if !want[a] {
				t.Errorf("seed %d: unreachable %s marked", seed, a)
			}
		})
		if got != len(want) {
			t.Errorf("seed %d: marked %d, reachable %d", seed, got, len(want))
		}
	}
}

func TestPropertyIdempotence(t *testing.T) {
	h, _ := buildGraph(t, 2000, 4, 7)
	first := runMarking(t, h, 4, DefaultConfig(), nil)
	second := runMarking(t, h, 3, DefaultConfig(), nil)

	var a, b []heap.Addr
	first.bitmap.ForEachMarked(func(x heap.Addr) { a = append(a, x) })
	second.bitmap.ForEachMarked(func(x heap.Addr) { b = append(b, x) })
	if len(a) != len(b) {
		t.Fatalf("Bit sets differ in size: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Bit sets differ at %d: %s vs %s", i, a[i], b[i])
		}
	}
}

// newArrayHeap builds one array of length n whose elements are distinct
// leaf objects
func newArrayHeap(t *testing.T, n int) (*heap.Heap, *heap.Object) {
	t.Helper()
	h, err := heap.New(heap.DefaultConfig())
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	arr, err := h.Allocate(heap.RegionOld, heap.ObjectSpec{Class: "Object[]", Kind: heap.KindObjArray, Refs: n})
	if err != nil {
		t.Fatalf("Allocate array: %v", err)
	}
	for i := range arr.Refs {
		leaf, err := h.Allocate(heap.RegionEden, heap.ObjectSpec{Class: "Leaf"})
		if err != nil {
			t.Fatalf("Allocate leaf: %v", err)
		}
		arr.Refs[i] = leaf.Addr
	}
	h.AddRoot(arr.Addr)
	return h, arr
}

func TestScenarioArrayChunkCoverage(t *testing.T) {
	h, arr := newArrayHeap(t, 1000)
	cfg := Config{ChunkSize: 64, PreferArraySteals: true}

	r := runMarking(t, h, 4, cfg, nil)

	stats := r.total()
	if stats.ElementsScanned != 1000 {
		t.Errorf("Expected 1000 element visits, got %d", stats.ElementsScanned)
	}
	if stats.ArrayChunks != 16 {
		t.Errorf("Expected 16 chunks of at most 64, got %d", stats.ArrayChunks)
	}
	for i, ref := range arr.Refs {
		if !r.bitmap.IsMarked(ref) {
			t.Errorf("Element %d not marked", i)
		}
	}
	if r.bitmap.Count() != 1001 {
		t.Errorf("Expected 1001 marked objects, got %d", r.bitmap.Count())
	}
}

// TestArrayChunkContinuations walks the chunk tasks by hand and checks
// the visited ranges tile [0, L) exactly
func TestArrayChunkContinuations(t *testing.T) {
	for _, tc := range []struct{ length, chunk int }{
		{1000, 64}, {64, 64}, {65, 64}, {1, 1}, {10, 3},
	} {
		h, arr := newArrayHeap(t, tc.length)
		objects := taskqueue.NewSet[heap.Addr](1)
		arrays := taskqueue.NewSet[ArrayTask](1)
		ps := preserve.NewSet(h, preserve.DefaultConfig())
		ps.Init(1)
		m := New(0, Params{
			Heap: h, Bitmap: h.NewMarkBitmap(), Preserved: ps.Get(0),
			Objects: objects, Arrays: arrays, Config: Config{ChunkSize: tc.chunk},
		})

		visits := make([]int, tc.length)
		next := 0
		for ok := true; ok; {
			before := m.Stats().ElementsScanned
			m.FollowArrayChunk(arr.Addr, next)
			scanned := int(m.Stats().ElementsScanned - before)
			for i := next; i < next+scanned; i++ {
				visits[i]++
			}
			var task ArrayTask
			task, ok = arrays.Queue(0).Pop()
			if ok {
				if task.Index != next+scanned {
					t.Fatalf("L=%d C=%d: continuation at %d, expected %d", tc.length, tc.chunk, task.Index, next+scanned)
				}
				next = task.Index
			}
		}
		for i, v := range visits {
			if v != 1 {
				t.Errorf("L=%d C=%d: index %d visited %d times", tc.length, tc.chunk, i, v)
			}
		}
	}
}

func TestSmallArraysScannedInline(t *testing.T) {
	h, _ := newArrayHeap(t, 10)
	r := runMarking(t, h, 2, Config{ChunkSize: 64}, nil)
	stats := r.total()
	if stats.ArrayChunks != 0 {
		t.Errorf("Expected no chunk tasks for a short array, got %d", stats.ArrayChunks)
	}
	if r.bitmap.Count() != 11 {
		t.Errorf("Expected 11 marked, got %d", r.bitmap.Count())
	}
}

func TestTerminationWithRandomStealFailures(t *testing.T) {
	for seed := int64(0); seed < 10; seed++ {
		var mu sync.Mutex
		rng := rand.New(rand.NewSource(seed))
		fault := taskqueue.WithStealFault(func() bool {
			mu.Lock()
			defer mu.Unlock()
			return rng.Intn(100) < 70
		})
		h, _ := buildGraph(t, 3000, 4, seed)
		cfg := Config{ChunkSize: 16, PreferArraySteals: seed%2 == 0}

		r := runMarking(t, h, 1+int(seed%6), cfg, nil, fault, taskqueue.WithSeed(uint64(seed)))
		if r.bitmap.Count() != 3000 {
			t.Errorf("seed %d: marked %d of 3000", seed, r.bitmap.Count())
		}
	}
}

func TestHeadersPreservedOnce(t *testing.T) {
	h, nodes := buildGraph(t, 4000, 4, 3)
	hashed := 0
	for _, n := range nodes {
		if n.Header.MustBePreserved() {
			hashed++
		}
	}

	r := runMarking(t, h, 4, DefaultConfig(), nil)

	if r.preserved.Size() != hashed {
		t.Errorf("Expected %d preserved headers, got %d", hashed, r.preserved.Size())
	}
	seen := make(map[heap.Addr]int)
	for w := 0; w < r.preserved.Num(); w++ {
		r.preserved.Get(w).ForEach(func(e preserve.Entry) {
			seen[e.Obj]++
			if e.Mark != h.Header(e.Obj) {
				t.Errorf("Preserved header for %s is %s, object has %s", e.Obj, e.Mark, h.Header(e.Obj))
			}
		})
	}
	for addr, n := range seen {
		if n != 1 {
			t.Errorf("Object %s preserved %d times", addr, n)
		}
	}
	if int(r.total().HeadersPreserved) != hashed {
		t.Errorf("Stats count %d preserved, expected %d", r.total().HeadersPreserved, hashed)
	}
}

func TestReferenceDiscoverySkipsReferent(t *testing.T) {
	h, err := heap.New(heap.DefaultConfig())
	if err != nil {
		t.Fatalf("heap.New: %v", err)
	}
	referent, _ := h.Allocate(heap.RegionEden, heap.ObjectSpec{Class: "Payload"})
	other, _ := h.Allocate(heap.RegionEden, heap.ObjectSpec{Class: "Queue"})
	weak, _ := h.Allocate(heap.RegionEden, heap.ObjectSpec{Class: "WeakReference", Kind: heap.KindReference, RefType: heap.RefWeak, Refs: 2})
	weak.Refs[0] = referent.Addr
	weak.Refs[1] = other.Addr
	h.AddRoot(weak.Addr)

	rp := refproc.New(2, false)
	rp.EnableDiscovery()
	r := runMarking(t, h, 2, DefaultConfig(), rp)

	if r.bitmap.IsMarked(referent.Addr) {
		t.Error("Discovered referent must not be marked through the reference")
	}
	if !r.bitmap.IsMarked(other.Addr) {
		t.Error("Non-referent fields of a reference are followed")
	}
	if rp.Discovered() != 1 {
		t.Errorf("Expected 1 discovered reference, got %d", rp.Discovered())
	}

	// Without discovery the referent is an ordinary field
	plain := runMarking(t, h, 2, DefaultConfig(), nil)
	if !plain.bitmap.IsMarked(referent.Addr) {
		t.Error("Referent should be marked when references are not discovered")
	}
}
