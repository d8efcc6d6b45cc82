package opmon

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Generator produces a node's measurements. It is called once per Collect
// and is expected to call n.Publish any number of times.
type Generator interface {
	GenerateOpMonData(n *Node) error
}

// GeneratorFunc adapts a function to the Generator interface
type GeneratorFunc func(n *Node) error

// GenerateOpMonData implements Generator
func (f GeneratorFunc) GenerateOpMonData(n *Node) error {
	return f(n)
}

// Node is a participant of the monitoring tree.
//
// A node keeps non-owning links to its children, a verbosity level and the
// facility its entries are sent to. Level, facility, logger and parent
// identifier are copied from the parent when the node is registered.
type Node struct {
	gen Generator

	ident    atomic.Pointer[identity]
	level    atomic.Uint32
	facility atomic.Pointer[facilityRef]
	logger   atomic.Pointer[zap.Logger]

	mutex sync.Mutex
	nodes map[string]link

	published atomic.Uint64
	ignored   atomic.Uint64
	errors    atomic.Uint64
	cpuUs     atomic.Uint64
}

type identity struct {
	name   string
	parent string
}

// facilityRef is the shared indirection swapped atomically on every node
type facilityRef struct {
	Facility
}

var nullFacilityRef = &facilityRef{Facility: NullFacility{}}

// registration serializes changes to the shape of every tree, so the cycle
// check and the insert it guards see the same registries
var registration sync.Mutex

// Option configures a Node at creation
type Option func(*Node)

// WithName sets the node name. Registration overrides it.
func WithName(name string) Option {
	return func(n *Node) {
		n.ident.Store(&identity{name: name, parent: n.ParentID()})
	}
}

// WithLevel sets the initial level
func WithLevel(l Level) Option {
	return func(n *Node) {
		n.level.Store(uint32(l))
	}
}

// WithFacility sets the initial facility
func WithFacility(f Facility) Option {
	return func(n *Node) {
		if f != nil {
			n.facility.Store(&facilityRef{Facility: f})
		}
	}
}

// WithLogger sets the logger used for diagnostics
func WithLogger(logger *zap.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger.Store(logger)
		}
	}
}

// NewNode creates a node and returns the owning Handle.
// gen may be nil for nodes that only aggregate their children.
func NewNode(gen Generator, opts ...Option) *Handle {
	n := &Node{
		gen:   gen,
		nodes: make(map[string]link),
	}
	n.ident.Store(&identity{})
	n.level.Store(uint32(LevelAll))
	n.facility.Store(nullFacilityRef)
	n.logger.Store(zap.NewNop())

	for _, opt := range opts {
		opt(n)
	}
	return newHandle(n)
}

// Name returns the node name
func (n *Node) Name() string {
	return n.ident.Load().name
}

// ParentID returns the identifier of the node this one is registered to
func (n *Node) ParentID() string {
	if id := n.ident.Load(); id != nil {
		return id.parent
	}
	return ""
}

// ID returns the hierarchical identifier of the node
func (n *Node) ID() string {
	id := n.ident.Load()
	if id.parent == "" {
		return id.name
	}
	if id.name == "" {
		return id.parent
	}
	return id.parent + "." + id.name
}

// Level returns the configured level
func (n *Node) Level() Level {
	return Level(n.level.Load())
}

// Facility returns the facility entries are currently sent to
func (n *Node) Facility() Facility {
	return n.facility.Load().Facility
}

// Logger returns the logger used for diagnostics
func (n *Node) Logger() *zap.Logger {
	return n.logger.Load()
}

// Children returns the names held in the registry, stale links included
func (n *Node) Children() []string {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	names := make([]string, 0, len(n.nodes))
	for name := range n.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterNode attaches child under name.
//
// A name held by a live child is rejected with ErrDuplicateName. A name
// held by a stale link is taken over. The child inherits facility, level,
// logger and parent identifier, and so do its live descendants.
func (n *Node) RegisterNode(name string, child *Handle) error {
	if name == "" {
		return fmt.Errorf("%w: empty name under %q", ErrInvalidName, n.ID())
	}
	if child == nil || child.Released() {
		return fmt.Errorf("%w: %q", ErrInvalidNode, name)
	}

	registration.Lock()
	defer registration.Unlock()

	if child.Node == n || child.Node.reaches(n) {
		return fmt.Errorf("%w: %q under %q", ErrCycle, name, n.ID())
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()

	if l, exists := n.nodes[name]; exists {
		if !l.expired() {
			return fmt.Errorf("%w: %q under %q", ErrDuplicateName, name, n.ID())
		}
		n.Logger().Warn("Overriding stale node",
			zap.String("name", name), zap.String("parent", n.ID()))
	}

	n.nodes[name] = link{ctl: child.own.ctl}
	child.ident.Store(&identity{name: name, parent: child.ParentID()})
	child.InheritFrom(n)

	n.Logger().Info("Node registered",
		zap.String("name", name), zap.String("parent", n.ID()))
	return nil
}

// Publish flattens m and sends it to the node's facility.
//
// Measurements above the node level are counted as ignored and never reach
// the facility. Measurements with no mappable field are dropped with a
// warning. Facility failures are logged and counted as errors. Publish
// never panics.
func (n *Node) Publish(m Measurement, label string, level Level) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			n.errors.Add(1)
			n.Logger().Error("Panic while publishing",
				zap.String("node", n.ID()), zap.Any("panic", r))
		}
	}()

	if !Publishable(level, n.Level()) {
		n.ignored.Add(1)
		n.Logger().Debug("Measurement ignored because of the level",
			zap.String("node", n.ID()), zap.Stringer("level", level))
		return
	}

	e := flatten(m, label)
	if len(e.Data) == 0 {
		n.Logger().Warn("Entry with no data",
			zap.String("node", n.ID()), zap.String("measurement", e.MeasurementType))
		return
	}

	e.Origin = n.ID()
	e.Time = start.UTC()

	if err := n.facility.Load().Publish(e); err != nil {
		n.Logger().Error("Failed to publish entry",
			zap.String("node", n.ID()), zap.String("measurement", e.MeasurementType), zap.Error(err))
		n.errors.Add(1)
	} else {
		n.published.Add(1)
	}

	n.cpuUs.Add(uint64(time.Since(start).Microseconds()))
}

// Collect runs the node's generator, then collects every live child and
// prunes stale links. The counters of this node are reset. Collect never
// panics.
func (n *Node) Collect() TreeInfo {
	start := time.Now()

	n.Logger().Debug("Collecting data", zap.String("node", n.ID()))
	n.generate()

	info := TreeInfo{
		RegisteredNodes:       1,
		PublishedMeasurements: n.published.Swap(0),
		IgnoredMeasurements:   n.ignored.Swap(0),
		Errors:                n.errors.Swap(0),
		CPUElapsedTimeUs:      n.cpuUs.Swap(0),
	}
	if info.PublishedMeasurements > 0 {
		info.PublishingNodes = 1
	}

	n.mutex.Lock()
	defer n.mutex.Unlock()

	for name, l := range n.nodes {
		if child, release := l.lock(); child != nil {
			info.Add(child.Collect())
			release()
		}
		if l.expired() {
			delete(n.nodes, name)
			info.InvalidLinks++
		}
	}

	info.ClockwallElapsedTimeUs = uint64(time.Since(start).Microseconds())
	return info
}

func (n *Node) generate() {
	if n.gen == nil {
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				if e, ok := r.(error); ok {
					err = e
				} else {
					err = fmt.Errorf("generator panic: %v", r)
				}
			}
		}()
		return n.gen.GenerateOpMonData(n)
	}()
	if err == nil {
		return
	}

	causes := causeCount(err)
	n.errors.Add(causes)
	n.Logger().Error("OpMon data collection failed",
		zap.String("node", n.ID()), zap.Uint64("causes", causes), zap.Error(err))
}

// SetLevel sets the level of this node and of its live descendants.
// Stale links are left for Collect to prune.
func (n *Node) SetLevel(l Level) {
	n.level.Store(uint32(l))
	n.forEachChild(func(c *Node) {
		c.SetLevel(l)
	})
}

// SetFacility replaces the facility of this node and of its live
// descendants. A nil facility installs NullFacility.
func (n *Node) SetFacility(f Facility) {
	ref := nullFacilityRef
	if f != nil {
		ref = &facilityRef{Facility: f}
	}
	n.shareFacility(ref)
}

func (n *Node) shareFacility(ref *facilityRef) {
	n.facility.Store(ref)
	n.forEachChild(func(c *Node) {
		c.shareFacility(ref)
	})
}

// InheritFrom copies facility, logger, level and parent identifier from
// parent, then pushes them down to the live descendants.
func (n *Node) InheritFrom(parent *Node) {
	n.facility.Store(parent.facility.Load())
	n.logger.Store(parent.logger.Load())
	n.ident.Store(&identity{name: n.Name(), parent: parent.ID()})
	n.level.Store(parent.level.Load())

	n.forEachChild(func(c *Node) {
		c.InheritFrom(n)
	})
}

// forEachChild calls fn for each live child while holding the registry lock
func (n *Node) forEachChild(fn func(c *Node)) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	for _, l := range n.nodes {
		if child, release := l.lock(); child != nil {
			fn(child)
			release()
		}
	}
}

// reaches reports whether target is a live descendant of n
func (n *Node) reaches(target *Node) bool {
	found := false
	n.forEachChild(func(c *Node) {
		if !found && (c == target || c.reaches(target)) {
			found = true
		}
	})
	return found
}

// IsDuplicateName reports whether err comes from registering a name held
// by a live child
func IsDuplicateName(err error) bool {
	return errors.Is(err, ErrDuplicateName)
}
