package opmon

import "sync"

// Container records flattened entries in the order they are added.
// It has no size bound and never evicts.
type Container struct {
	entries []Entry
	mutex   sync.RWMutex
}

// Add flattens m and appends the result. Measurements without any
// mappable field are ignored.
func (c *Container) Add(m Measurement, label string) {
	e, ok := Flatten(m, label)
	if !ok {
		return
	}
	c.mutex.Lock()
	c.entries = append(c.entries, e)
	c.mutex.Unlock()
}

// Publish implements Facility so a Container can sit at the end of a tree
func (c *Container) Publish(e Entry) error {
	c.mutex.Lock()
	c.entries = append(c.entries, e)
	c.mutex.Unlock()
	return nil
}

// Entries returns a copy of the recorded entries
func (c *Container) Entries() []Entry {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]Entry(nil), c.entries...)
}

// Len returns the number of recorded entries
func (c *Container) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}
