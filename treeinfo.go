package opmon

import "iter"

// TreeInfo is the rollup produced by one Collect call
type TreeInfo struct {
	RegisteredNodes        uint64
	PublishingNodes        uint64
	InvalidLinks           uint64
	PublishedMeasurements  uint64
	IgnoredMeasurements    uint64
	Errors                 uint64
	CPUElapsedTimeUs       uint64
	ClockwallElapsedTimeUs uint64
}

// Add sums every field of other into t
func (t *TreeInfo) Add(other TreeInfo) {
	t.RegisteredNodes += other.RegisteredNodes
	t.PublishingNodes += other.PublishingNodes
	t.InvalidLinks += other.InvalidLinks
	t.PublishedMeasurements += other.PublishedMeasurements
	t.IgnoredMeasurements += other.IgnoredMeasurements
	t.Errors += other.Errors
	t.CPUElapsedTimeUs += other.CPUElapsedTimeUs
	t.ClockwallElapsedTimeUs += other.ClockwallElapsedTimeUs
}

// MeasurementType implements Measurement
func (t TreeInfo) MeasurementType() string {
	return "opmon.MonitoringTreeInfo"
}

// Fields implements Measurement
func (t TreeInfo) Fields() iter.Seq2[Field, any] {
	return func(yield func(Field, any) bool) {
		fields := []struct {
			name  string
			value uint64
		}{
			{"n_registered_nodes", t.RegisteredNodes},
			{"n_publishing_nodes", t.PublishingNodes},
			{"n_invalid_links", t.InvalidLinks},
			{"n_published_measurements", t.PublishedMeasurements},
			{"n_ignored_measurements", t.IgnoredMeasurements},
			{"n_errors", t.Errors},
			{"cpu_elapsed_time_us", t.CPUElapsedTimeUs},
			{"clockwall_elapsed_time_us", t.ClockwallElapsedTimeUs},
		}
		for _, f := range fields {
			if !yield(Field{Name: f.name, Kind: KindUint64}, f.value) {
				return
			}
		}
	}
}
