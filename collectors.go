package opmon

import (
	"iter"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// CounterSet is a group of named int64 counters published as one
// measurement. It implements Generator, so it can back a node directly:
//
//	counters := opmon.NewCounterSet("queue.Counters", opmon.LevelDefault)
//	h := opmon.NewNode(counters)
type CounterSet struct {
	typeName string
	level    Level
	reset    bool

	counters map[string]*atomic.Int64
	mutex    sync.RWMutex
}

// NewCounterSet creates a counter set publishing under typeName at level
func NewCounterSet(typeName string, level Level) *CounterSet {
	return &CounterSet{
		typeName: typeName,
		level:    level,
		counters: make(map[string]*atomic.Int64),
	}
}

// ResetOnPublish makes every publication zero the counters it read
func (c *CounterSet) ResetOnPublish(reset bool) *CounterSet {
	c.reset = reset
	return c
}

func (c *CounterSet) counter(name string) *atomic.Int64 {
	c.mutex.RLock()
	counter, exists := c.counters[name]
	c.mutex.RUnlock()

	if !exists {
		c.mutex.Lock()
		if counter, exists = c.counters[name]; !exists {
			counter = &atomic.Int64{}
			c.counters[name] = counter
		}
		c.mutex.Unlock()
	}
	return counter
}

// Inc increments a counter by 1
func (c *CounterSet) Inc(name string) {
	c.counter(name).Add(1)
}

// Add adds a specific value to a counter
func (c *CounterSet) Add(name string, delta int64) {
	c.counter(name).Add(delta)
}

// Set sets a counter to a specific value
func (c *CounterSet) Set(name string, value int64) {
	c.counter(name).Store(value)
}

// Get gets the current value of a counter
func (c *CounterSet) Get(name string) int64 {
	c.mutex.RLock()
	counter, exists := c.counters[name]
	c.mutex.RUnlock()

	if !exists {
		return 0
	}
	return counter.Load()
}

// GenerateOpMonData implements Generator
func (c *CounterSet) GenerateOpMonData(n *Node) error {
	c.mutex.RLock()
	r := record{typeName: c.typeName}
	for name, counter := range c.counters {
		r.add(name, KindInt64, c.load(counter))
	}
	c.mutex.RUnlock()

	n.Publish(r.sorted(), "", c.level)
	return nil
}

func (c *CounterSet) load(counter *atomic.Int64) int64 {
	if c.reset {
		return counter.Swap(0)
	}
	return counter.Load()
}

// LabeledCounterSet is a group of counters split by label pairs. Every
// distinct label set is published as its own entry, with the pairs joined
// as "k1=v1,k2=v2" in the entry label.
type LabeledCounterSet struct {
	typeName string
	level    Level

	values    map[seriesKey]*labeledValue
	mutex     sync.RWMutex
	seriesTTL time.Duration
	maxSeries int
}

type seriesKey struct {
	name  string
	label string
}

type labeledValue struct {
	counter     atomic.Int64
	lastUpdated atomic.Int64
}

// NewLabeledCounterSet creates a labeled counter set publishing under
// typeName at level. Series untouched for an hour are dropped.
func NewLabeledCounterSet(typeName string, level Level) *LabeledCounterSet {
	return &LabeledCounterSet{
		typeName:  typeName,
		level:     level,
		values:    make(map[seriesKey]*labeledValue),
		seriesTTL: time.Hour,
	}
}

// SetTTL sets how long an untouched series is kept (0 keeps it forever)
func (c *LabeledCounterSet) SetTTL(ttl time.Duration) {
	c.mutex.Lock()
	c.seriesTTL = ttl
	c.mutex.Unlock()
}

// SetMaxSeries bounds the number of series, least recently updated first
// out (0 means no limit)
func (c *LabeledCounterSet) SetMaxSeries(n int) {
	c.mutex.Lock()
	c.maxSeries = n
	c.mutex.Unlock()
}

func (c *LabeledCounterSet) value(name string, labels []string, create bool) *labeledValue {
	key := seriesKey{name: name, label: joinLabels(labels)}
	c.mutex.RLock()
	v, exists := c.values[key]
	c.mutex.RUnlock()

	if !exists && create {
		c.mutex.Lock()
		if v, exists = c.values[key]; !exists {
			v = &labeledValue{}
			c.values[key] = v
		}
		c.mutex.Unlock()
	}
	if v != nil {
		v.lastUpdated.Store(time.Now().UnixNano())
	}
	return v
}

// Inc increments a labeled counter. labels are key, value pairs.
func (c *LabeledCounterSet) Inc(name string, labels ...string) {
	c.value(name, labels, true).counter.Add(1)
}

// Dec decrements an existing labeled counter
func (c *LabeledCounterSet) Dec(name string, labels ...string) {
	if v := c.value(name, labels, false); v != nil {
		v.counter.Add(-1)
	}
}

// Add adds delta to a labeled counter
func (c *LabeledCounterSet) Add(name string, delta int64, labels ...string) {
	c.value(name, labels, true).counter.Add(delta)
}

// Set sets a labeled counter to a specific value
func (c *LabeledCounterSet) Set(name string, value int64, labels ...string) {
	c.value(name, labels, true).counter.Store(value)
}

// Get gets the current value of a labeled counter
func (c *LabeledCounterSet) Get(name string, labels ...string) int64 {
	c.mutex.RLock()
	v, exists := c.values[seriesKey{name: name, label: joinLabels(labels)}]
	c.mutex.RUnlock()
	if !exists {
		return 0
	}
	return v.counter.Load()
}

// Delete removes a labeled counter
func (c *LabeledCounterSet) Delete(name string, labels ...string) {
	c.mutex.Lock()
	delete(c.values, seriesKey{name: name, label: joinLabels(labels)})
	c.mutex.Unlock()
}

// Len returns the number of series held
func (c *LabeledCounterSet) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.values)
}

// GenerateOpMonData implements Generator
func (c *LabeledCounterSet) GenerateOpMonData(n *Node) error {
	c.evict(time.Now())

	byLabel := make(map[string]*record)
	c.mutex.RLock()
	for key, v := range c.values {
		r, ok := byLabel[key.label]
		if !ok {
			r = &record{typeName: c.typeName}
			byLabel[key.label] = r
		}
		r.add(key.name, KindInt64, v.counter.Load())
	}
	c.mutex.RUnlock()

	labels := make([]string, 0, len(byLabel))
	for label := range byLabel {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		n.Publish(byLabel[label].sorted(), label, c.level)
	}
	return nil
}

func (c *LabeledCounterSet) evict(now time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.seriesTTL > 0 {
		cutoff := now.Add(-c.seriesTTL).UnixNano()
		for k, v := range c.values {
			if v.lastUpdated.Load() < cutoff {
				delete(c.values, k)
			}
		}
	}

	if c.maxSeries <= 0 || len(c.values) <= c.maxSeries {
		return
	}
	keys := make([]seriesKey, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.values[keys[i]].lastUpdated.Load() < c.values[keys[j]].lastUpdated.Load()
	})
	for _, k := range keys[:len(keys)-c.maxSeries] {
		delete(c.values, k)
	}
}

// joinLabels renders key, value pairs as "k1=v1,k2=v2". A trailing key
// without value is ignored.
func joinLabels(labels []string) string {
	var b strings.Builder
	for i := 0; i+1 < len(labels); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(labels[i])
		b.WriteByte('=')
		b.WriteString(labels[i+1])
	}
	return b.String()
}

// DefaultBuckets are the upper bounds used by histograms observed without
// RegisterHistogram: 0.1 growing by 1.5 up to about 4e7
var DefaultBuckets = exponentialBuckets(0.1, 1.5, 50)

func exponentialBuckets(start, factor float64, n int) []float64 {
	buckets := make([]float64, n)
	for i := range buckets {
		buckets[i] = start
		start *= factor
	}
	return buckets
}

// HistogramSet records value distributions. Each histogram is published as
// one entry labeled with its name, carrying count, sum, min, max and the
// p50, p90 and p99 estimates interpolated from its buckets.
type HistogramSet struct {
	typeName string
	level    Level
	reset    bool

	histograms map[string]*histogram
	mutex      sync.RWMutex
}

type histogram struct {
	buckets []float64
	counts  []uint64 // last one is the +Inf bucket
	count   uint64
	sum     float64
	min     float64
	max     float64
	mutex   sync.Mutex
}

// NewHistogramSet creates a histogram set publishing under typeName at level
func NewHistogramSet(typeName string, level Level) *HistogramSet {
	return &HistogramSet{
		typeName:   typeName,
		level:      level,
		histograms: make(map[string]*histogram),
	}
}

// ResetOnPublish makes every publication start a new window
func (h *HistogramSet) ResetOnPublish(reset bool) *HistogramSet {
	h.reset = reset
	return h
}

// RegisterHistogram declares a histogram with sorted bucket upper bounds
func (h *HistogramSet) RegisterHistogram(name string, buckets []float64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.histograms[name] = newHistogram(buckets)
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{buckets: buckets, counts: make([]uint64, len(buckets)+1)}
}

// Observe records a value. Unknown histograms get DefaultBuckets.
func (h *HistogramSet) Observe(name string, value float64) {
	h.mutex.RLock()
	hist, exists := h.histograms[name]
	h.mutex.RUnlock()

	if !exists {
		h.mutex.Lock()
		if hist, exists = h.histograms[name]; !exists {
			hist = newHistogram(DefaultBuckets)
			h.histograms[name] = hist
		}
		h.mutex.Unlock()
	}
	hist.observe(value)
}

func (hist *histogram) observe(value float64) {
	i := sort.SearchFloat64s(hist.buckets, value)

	hist.mutex.Lock()
	defer hist.mutex.Unlock()
	if hist.count == 0 || value < hist.min {
		hist.min = value
	}
	if hist.count == 0 || value > hist.max {
		hist.max = value
	}
	hist.count++
	hist.sum += value
	hist.counts[i]++
}

// HistogramSummary is the published form of one histogram
type HistogramSummary struct {
	Count         uint64
	Sum, Min, Max float64
	P50, P90, P99 float64
}

// Summary returns the current summary of a histogram
func (h *HistogramSet) Summary(name string) (HistogramSummary, bool) {
	h.mutex.RLock()
	hist, exists := h.histograms[name]
	h.mutex.RUnlock()
	if !exists {
		return HistogramSummary{}, false
	}
	return hist.summary(false), true
}

func (hist *histogram) summary(reset bool) HistogramSummary {
	hist.mutex.Lock()
	defer hist.mutex.Unlock()

	s := HistogramSummary{Count: hist.count, Sum: hist.sum, Min: hist.min, Max: hist.max}
	if hist.count > 0 {
		s.P50 = hist.quantile(0.5)
		s.P90 = hist.quantile(0.9)
		s.P99 = hist.quantile(0.99)
	}
	if reset {
		clear(hist.counts)
		hist.count, hist.sum, hist.min, hist.max = 0, 0, 0, 0
	}
	return s
}

// quantile interpolates linearly inside the bucket holding rank q*count,
// clamped to the observed min and max
func (hist *histogram) quantile(q float64) float64 {
	rank := q * float64(hist.count)
	var cumulative uint64
	for i, c := range hist.counts {
		if c == 0 {
			continue
		}
		if float64(cumulative+c) < rank {
			cumulative += c
			continue
		}
		lower, upper := hist.min, hist.max
		if i > 0 && hist.buckets[i-1] > lower {
			lower = hist.buckets[i-1]
		}
		if i < len(hist.buckets) && hist.buckets[i] < upper {
			upper = hist.buckets[i]
		}
		return lower + (upper-lower)*(rank-float64(cumulative))/float64(c)
	}
	return hist.max
}

// GenerateOpMonData implements Generator
func (h *HistogramSet) GenerateOpMonData(n *Node) error {
	h.mutex.RLock()
	names := make([]string, 0, len(h.histograms))
	for name := range h.histograms {
		names = append(names, name)
	}
	h.mutex.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		h.mutex.RLock()
		hist := h.histograms[name]
		h.mutex.RUnlock()

		s := hist.summary(h.reset)
		if s.Count == 0 {
			continue
		}
		r := &record{typeName: h.typeName}
		r.add("count", KindUint64, s.Count)
		r.add("sum", KindDouble, s.Sum)
		r.add("min", KindDouble, s.Min)
		r.add("max", KindDouble, s.Max)
		r.add("p50", KindDouble, s.P50)
		r.add("p90", KindDouble, s.P90)
		r.add("p99", KindDouble, s.P99)
		n.Publish(r, name, h.level)
	}
	return nil
}

// record is a measurement assembled at publication time
type record struct {
	typeName string
	fields   []recordField
}

type recordField struct {
	Field
	value any
}

func (r *record) add(name string, kind Kind, value any) {
	r.fields = append(r.fields, recordField{Field: Field{Name: name, Kind: kind}, value: value})
}

func (r *record) sorted() *record {
	sort.Slice(r.fields, func(i, j int) bool { return r.fields[i].Name < r.fields[j].Name })
	return r
}

func (r *record) MeasurementType() string {
	return r.typeName
}

func (r *record) Fields() iter.Seq2[Field, any] {
	return func(yield func(Field, any) bool) {
		for _, f := range r.fields {
			if !yield(f.Field, f.value) {
				return
			}
		}
	}
}
