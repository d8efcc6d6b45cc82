package opmon

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	X int32 `opmon:"x"`
}

// recordingFacility keeps every entry and can be told to fail
type recordingFacility struct {
	mutex   sync.Mutex
	entries []Entry
	fail    bool
}

func (r *recordingFacility) Publish(e Entry) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.fail {
		return fmt.Errorf("%w: sink down", ErrPublishFailure)
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingFacility) Entries() []Entry {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Entry(nil), r.entries...)
}

// owned releases h when the test ends
func owned(t *testing.T, h *Handle) *Handle {
	t.Helper()
	t.Cleanup(h.Release)
	return h
}

func publishing(level Level, values ...int32) Generator {
	return GeneratorFunc(func(n *Node) error {
		for _, v := range values {
			n.Publish(Struct(sample{X: v}), "", level)
		}
		return nil
	})
}

func TestRegisterNode(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	a := owned(t, NewNode(nil))

	require.NoError(t, root.RegisterNode("a", a))
	assert.Equal(t, "a", a.Name())
	assert.Equal(t, "root", a.ParentID())
	assert.Equal(t, "root.a", a.ID())
	assert.Equal(t, []string{"a"}, root.Children())
}

func TestRegisterNodeDuplicateLiveName(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	a := owned(t, NewNode(nil))
	other := owned(t, NewNode(nil, WithName("other")))

	require.NoError(t, root.RegisterNode("a", a))

	err := root.RegisterNode("a", other)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.True(t, IsDuplicateName(err))
	assert.Equal(t, []string{"a"}, root.Children())
	assert.Equal(t, "other", other.ID(), "rejected node must be left untouched")

	info := root.Collect()
	assert.EqualValues(t, 2, info.RegisteredNodes)
}

func TestRegisterNodeOverStaleName(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	a := owned(t, NewNode(nil))
	require.NoError(t, root.RegisterNode("a", a))
	a.Release()

	replacement := owned(t, NewNode(nil))
	require.NoError(t, root.RegisterNode("a", replacement))
	assert.Equal(t, "root.a", replacement.ID())

	info := root.Collect()
	assert.EqualValues(t, 2, info.RegisteredNodes)
	assert.EqualValues(t, 0, info.InvalidLinks)
}

func TestRegisterNodeRejectsInvalidInput(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	child := owned(t, NewNode(nil))

	tests := []struct {
		name    string
		reg     func() error
		wantErr error
	}{
		{"empty name", func() error { return root.RegisterNode("", child) }, ErrInvalidName},
		{"nil handle", func() error { return root.RegisterNode("x", nil) }, ErrInvalidNode},
		{"self", func() error { return root.RegisterNode("x", root) }, ErrCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.reg(), tt.wantErr)
		})
	}

	released := owned(t, NewNode(nil))
	released.Release()
	assert.ErrorIs(t, root.RegisterNode("released", released), ErrInvalidNode)
	assert.Empty(t, root.Children())
}

func TestRegisterNodeRejectsCycle(t *testing.T) {
	a := owned(t, NewNode(nil, WithName("a")))
	b := owned(t, NewNode(nil))
	c := owned(t, NewNode(nil))
	require.NoError(t, a.RegisterNode("b", b))
	require.NoError(t, b.RegisterNode("c", c))

	assert.ErrorIs(t, c.RegisterNode("a", a), ErrCycle)
	assert.Empty(t, c.Children())
}

func TestRegisterNodePropagatesToDescendants(t *testing.T) {
	rec := &recordingFacility{}
	root := owned(t, NewNode(nil, WithName("root"), WithFacility(rec), WithLevel(LevelEventDriven)))

	mid := owned(t, NewNode(nil))
	leaf := owned(t, NewNode(publishing(LevelEventDriven, 1)))
	require.NoError(t, mid.RegisterNode("leaf", leaf))
	assert.Equal(t, "leaf", leaf.ID())

	require.NoError(t, root.RegisterNode("mid", mid))
	assert.Equal(t, "root.mid.leaf", leaf.ID())
	assert.Equal(t, LevelEventDriven, leaf.Level())
	assert.Same(t, rec, leaf.Facility())

	info := root.Collect()
	assert.EqualValues(t, 3, info.RegisteredNodes)
	assert.EqualValues(t, 1, info.PublishingNodes)
	require.Len(t, rec.Entries(), 1)
	assert.Equal(t, "root.mid.leaf", rec.Entries()[0].Origin)
}

func TestCollectPrunesStaleLinks(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("R")))
	a := owned(t, NewNode(nil))
	b := owned(t, NewNode(nil))
	require.NoError(t, root.RegisterNode("A", a))
	require.NoError(t, root.RegisterNode("B", b))

	b.Release()

	info := root.Collect()
	assert.EqualValues(t, 1, info.InvalidLinks)
	assert.EqualValues(t, 2, info.RegisteredNodes)
	assert.Equal(t, []string{"A"}, root.Children())

	info = root.Collect()
	assert.EqualValues(t, 0, info.InvalidLinks)
}

func TestCollectCountsStaleLinksAcrossTree(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	a := owned(t, NewNode(nil))
	b := owned(t, NewNode(nil))
	a1 := owned(t, NewNode(nil))
	a2 := owned(t, NewNode(nil))
	b1 := owned(t, NewNode(nil))
	require.NoError(t, root.RegisterNode("a", a))
	require.NoError(t, root.RegisterNode("b", b))
	require.NoError(t, a.RegisterNode("a1", a1))
	require.NoError(t, a.RegisterNode("a2", a2))
	require.NoError(t, b.RegisterNode("b1", b1))

	a2.Release()
	b.Release()

	info := root.Collect()
	// b1 is unreachable once b is gone
	assert.EqualValues(t, 3, info.RegisteredNodes)
	assert.EqualValues(t, 2, info.InvalidLinks)
	assert.Equal(t, []string{"a"}, root.Children())
	assert.Equal(t, []string{"a1"}, a.Children())
}

func TestRetainKeepsNodeAlive(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	a := owned(t, NewNode(nil))
	require.NoError(t, root.RegisterNode("a", a))

	extra := a.Retain()
	require.NotNil(t, extra)
	a.Release()
	a.Release()
	assert.Nil(t, a.Retain())

	info := root.Collect()
	assert.EqualValues(t, 2, info.RegisteredNodes)
	assert.EqualValues(t, 0, info.InvalidLinks)

	extra.Release()
	info = root.Collect()
	assert.EqualValues(t, 1, info.RegisteredNodes)
	assert.EqualValues(t, 1, info.InvalidLinks)
}

func TestPublishForwardsEntry(t *testing.T) {
	rec := &recordingFacility{}
	root := owned(t, NewNode(nil, WithName("root"), WithFacility(rec), WithLevel(LevelDefault)))

	root.Publish(Struct(sample{X: 5}), "label", LevelDefault)

	info := root.Collect()
	assert.EqualValues(t, 1, info.PublishedMeasurements)
	assert.EqualValues(t, 1, info.PublishingNodes)

	entries := rec.Entries()
	require.Len(t, entries, 1)
	x, ok := entries[0].Data["x"].Int32()
	require.True(t, ok)
	assert.EqualValues(t, 5, x)
	assert.Equal(t, "root", entries[0].Origin)
	assert.Equal(t, "label", entries[0].Label)
	assert.Equal(t, "opmon.sample", entries[0].MeasurementType)
	assert.False(t, entries[0].Time.IsZero())
}

func TestPublishIgnoredByLevel(t *testing.T) {
	rec := &recordingFacility{}
	root := owned(t, NewNode(nil, WithName("root"), WithFacility(rec), WithLevel(LevelEventDriven)))

	root.Publish(Struct(sample{X: 1}), "", LevelDebug)

	info := root.Collect()
	assert.EqualValues(t, 1, info.IgnoredMeasurements)
	assert.EqualValues(t, 0, info.PublishedMeasurements)
	assert.EqualValues(t, 0, info.Errors)
	assert.Empty(t, rec.Entries())
}

func TestPublishEntryWithNoData(t *testing.T) {
	rec := &recordingFacility{}
	root := owned(t, NewNode(nil, WithName("root"), WithFacility(rec)))

	root.Publish(Struct(struct{ Values []int32 }{Values: []int32{1}}), "", LevelDefault)
	root.Publish(nil, "", LevelDefault)

	info := root.Collect()
	assert.EqualValues(t, 0, info.PublishedMeasurements)
	assert.EqualValues(t, 0, info.IgnoredMeasurements)
	assert.EqualValues(t, 0, info.Errors)
	assert.Empty(t, rec.Entries())
}

func TestPublishFacilityFailure(t *testing.T) {
	rec := &recordingFacility{fail: true}
	root := owned(t, NewNode(nil, WithName("root"), WithFacility(rec)))

	root.Publish(Struct(sample{X: 1}), "", LevelDefault)

	info := root.Collect()
	assert.EqualValues(t, 0, info.PublishedMeasurements)
	assert.EqualValues(t, 1, info.Errors)
	assert.EqualValues(t, 0, info.PublishingNodes)
}

func TestPublishRecoversFacilityPanic(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root"), WithFacility(FacilityFunc(func(Entry) error {
		panic("boom")
	}))))

	assert.NotPanics(t, func() {
		root.Publish(Struct(sample{X: 1}), "", LevelDefault)
	})
	assert.EqualValues(t, 1, root.Collect().Errors)
}

func TestCollectResetsCounters(t *testing.T) {
	rec := &recordingFacility{}
	root := owned(t, NewNode(publishing(LevelDefault, 1, 2), WithName("root"), WithFacility(rec)))

	first := root.Collect()
	assert.EqualValues(t, 2, first.PublishedMeasurements)

	root.gen = nil
	second := root.Collect()
	assert.EqualValues(t, 0, second.PublishedMeasurements)
	assert.EqualValues(t, 0, second.IgnoredMeasurements)
	assert.EqualValues(t, 0, second.Errors)
	assert.EqualValues(t, 0, second.CPUElapsedTimeUs)
	assert.EqualValues(t, 0, second.PublishingNodes)
	assert.EqualValues(t, 1, second.RegisteredNodes)
}

func TestCollectAggregatesChildren(t *testing.T) {
	rec := &recordingFacility{}
	root := owned(t, NewNode(publishing(LevelDefault, 1), WithName("root"), WithFacility(rec), WithLevel(LevelDefault)))
	a := owned(t, NewNode(publishing(LevelDefault, 1, 2, 3)))
	b := owned(t, NewNode(publishing(LevelDebug, 1, 2)))
	c := owned(t, NewNode(nil))
	require.NoError(t, root.RegisterNode("a", a))
	require.NoError(t, root.RegisterNode("b", b))
	require.NoError(t, a.RegisterNode("c", c))

	info := root.Collect()
	assert.EqualValues(t, 4, info.RegisteredNodes)
	assert.EqualValues(t, 2, info.PublishingNodes)
	assert.EqualValues(t, 4, info.PublishedMeasurements)
	assert.EqualValues(t, 2, info.IgnoredMeasurements)
	assert.EqualValues(t, 0, info.Errors)
	assert.Len(t, rec.Entries(), 4)
}

func TestCollectCountsGeneratorErrorChain(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want uint64
	}{
		{"single", errors.New("failed"), 1},
		{"wrapped twice", fmt.Errorf("outer: %w", fmt.Errorf("middle: %w", errors.New("inner"))), 3},
		{"joined", errors.Join(errors.New("a"), fmt.Errorf("b: %w", errors.New("c"))), 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := owned(t, NewNode(GeneratorFunc(func(*Node) error { return tt.err }), WithName("root")))
			assert.Equal(t, tt.want, root.Collect().Errors)
		})
	}
}

func TestCollectRecoversGeneratorPanic(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	child := owned(t, NewNode(GeneratorFunc(func(*Node) error {
		panic("generator exploded")
	})))
	require.NoError(t, root.RegisterNode("child", child))

	var info TreeInfo
	assert.NotPanics(t, func() { info = root.Collect() })
	assert.EqualValues(t, 1, info.Errors)
	assert.EqualValues(t, 2, info.RegisteredNodes)
}

func TestSetLevelPropagates(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	a := owned(t, NewNode(nil))
	b := owned(t, NewNode(nil))
	require.NoError(t, root.RegisterNode("a", a))
	require.NoError(t, a.RegisterNode("b", b))

	root.SetLevel(LevelTopPriority)
	assert.Equal(t, LevelTopPriority, a.Level())
	assert.Equal(t, LevelTopPriority, b.Level())

	a.SetLevel(LevelDebug)
	assert.Equal(t, LevelTopPriority, root.Level())
	assert.Equal(t, LevelDebug, b.Level())
}

func TestSetLevelKeepsStaleLinks(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	a := owned(t, NewNode(nil))
	require.NoError(t, root.RegisterNode("a", a))
	a.Release()

	root.SetLevel(LevelDebug)
	assert.Equal(t, []string{"a"}, root.Children())
}

func TestSetFacilityPropagates(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	a := owned(t, NewNode(publishing(LevelDefault, 7)))
	require.NoError(t, root.RegisterNode("a", a))
	assert.IsType(t, NullFacility{}, a.Facility())

	rec := &recordingFacility{}
	root.SetFacility(rec)
	root.Collect()
	require.Len(t, rec.Entries(), 1)

	root.SetFacility(nil)
	assert.IsType(t, NullFacility{}, a.Facility())
}

func TestInheritFrom(t *testing.T) {
	rec := &recordingFacility{}
	parent := owned(t, NewNode(nil, WithName("parent"), WithFacility(rec), WithLevel(LevelDebug)))
	n := owned(t, NewNode(nil, WithName("n")))
	child := owned(t, NewNode(nil))
	require.NoError(t, n.RegisterNode("child", child))

	n.InheritFrom(parent.Node)
	assert.Equal(t, "parent.n", n.ID())
	assert.Equal(t, "parent.n.child", child.ID())
	assert.Equal(t, LevelDebug, child.Level())
	assert.Same(t, rec, child.Facility())
	assert.Empty(t, parent.Children(), "inheriting does not register")
}

func TestConcurrentPublishAndCollect(t *testing.T) {
	rec := &recordingFacility{}
	root := owned(t, NewNode(nil, WithName("root"), WithFacility(rec)))
	child := owned(t, NewNode(nil))
	require.NoError(t, root.RegisterNode("child", child))

	const workers, perWorker = 8, 200

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				child.Publish(Struct(sample{X: int32(j)}), "", LevelDefault)
			}
		}()
	}

	done := make(chan struct{})
	var total uint64
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			total += root.Collect().PublishedMeasurements
			root.SetFacility(rec)
		}
	}()

	wg.Wait()
	<-done
	total += root.Collect().PublishedMeasurements

	assert.EqualValues(t, workers*perWorker, total)
	assert.Len(t, rec.Entries(), workers*perWorker)
}

func TestConcurrentCrossRegistration(t *testing.T) {
	for round := 0; round < 20; round++ {
		a := owned(t, NewNode(nil, WithName("a")))
		b := owned(t, NewNode(nil, WithName("b")))
		for i := 0; i < 500; i++ {
			require.NoError(t, a.RegisterNode("a"+strconv.Itoa(i), owned(t, NewNode(nil))))
			require.NoError(t, b.RegisterNode("b"+strconv.Itoa(i), owned(t, NewNode(nil))))
		}

		results := make(chan error, 2)
		go func() { results <- a.RegisterNode("b", b) }()
		go func() { results <- b.RegisterNode("a", a) }()

		var errs []error
		for len(errs) < 2 {
			select {
			case err := <-results:
				errs = append(errs, err)
			case <-time.After(10 * time.Second):
				t.Fatalf("round %d: registration did not return", round)
			}
		}

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrCycle)
		}
		assert.Equal(t, 1, succeeded, "round %d", round)

		// one node now holds both subtrees
		registered := max(a.Collect().RegisteredNodes, b.Collect().RegisteredNodes)
		assert.EqualValues(t, 1002, registered, "round %d", round)
	}
}

func TestDroppedHandleGoesStale(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	func() {
		require.NoError(t, root.RegisterNode("dropped", NewNode(nil)))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return root.Collect().InvalidLinks == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, root.Children())
}

func TestReleaseAfterRetainStopsOnlyOneOwner(t *testing.T) {
	root := owned(t, NewNode(nil, WithName("root")))
	a := NewNode(nil)
	require.NoError(t, root.RegisterNode("a", a))
	extra := owned(t, a.Retain())

	a.Release()
	assert.True(t, a.Released())
	assert.False(t, extra.Released())

	runtime.GC()
	info := root.Collect()
	assert.EqualValues(t, 2, info.RegisteredNodes)
	assert.EqualValues(t, 0, info.InvalidLinks)
}
