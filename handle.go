package opmon

import (
	"runtime"
	"sync/atomic"
)

// control is shared by every owning Handle of a node and by the
// non-owning links parents keep to it
type control struct {
	node   *Node
	strong atomic.Int64
}

// acquire takes a strong reference unless the node has been released
func (c *control) acquire() bool {
	for {
		n := c.strong.Load()
		if n <= 0 {
			return false
		}
		if c.strong.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *control) release() {
	c.strong.Add(-1)
}

// ownership is the strong reference held by one Handle
type ownership struct {
	ctl      *control
	released atomic.Bool
}

func (o *ownership) drop() {
	if o.released.CompareAndSwap(false, true) {
		o.ctl.release()
	}
}

// Handle is an owning reference to a Node.
//
// Application code keeps the Handle for as long as the node should be part
// of the tree. Once every Handle of a node is released, parents see a stale
// link and drop it on their next Collect. A Handle that becomes unreachable
// without Release is released after the garbage collector reclaims it.
type Handle struct {
	*Node
	own     *ownership
	cleanup runtime.Cleanup
}

func newHandle(n *Node) *Handle {
	ctl := &control{node: n}
	ctl.strong.Store(1)
	return ownedBy(ctl)
}

func ownedBy(ctl *control) *Handle {
	own := &ownership{ctl: ctl}
	h := &Handle{Node: ctl.node, own: own}
	h.cleanup = runtime.AddCleanup(h, (*ownership).drop, own)
	return h
}

// Retain returns an additional owning Handle to the same node.
// It returns nil if h was released already.
func (h *Handle) Retain() *Handle {
	if h.own.released.Load() || !h.own.ctl.acquire() {
		return nil
	}
	return ownedBy(h.own.ctl)
}

// Release drops this Handle's ownership. Calling it more than once has no
// further effect. The node must not be used through h afterwards.
func (h *Handle) Release() {
	h.cleanup.Stop()
	h.own.drop()
}

// Released reports whether Release was called on h
func (h *Handle) Released() bool {
	return h.own.released.Load()
}

// link is the non-owning reference stored in a parent's registry
type link struct {
	ctl *control
}

// lock resolves the link to its node and holds a strong reference until
// the returned function is called
func (l link) lock() (*Node, func()) {
	if !l.ctl.acquire() {
		return nil, nil
	}
	return l.ctl.node, l.ctl.release
}

func (l link) expired() bool {
	return l.ctl.strong.Load() <= 0
}
