package opmon

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eryajf/promwrite"
	"go.uber.org/zap"
)

// RemoteWriteFacility converts entries to Prometheus time series and pushes
// them to a remote write endpoint.
//
// Publish only buffers. The buffer is written every RemoteWriteInterval and
// on Close. Each numeric field of an entry becomes one series named
// <namespace>_<subsystem>_<measurement>_<field>; string fields are skipped.
type RemoteWriteFacility struct {
	config Config
	log    *zap.Logger

	client  *promwrite.Client
	pending []promwrite.TimeSeries
	mutex   sync.Mutex

	resolver *resolver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRemoteWriteFacility creates the facility and starts its write loop
func NewRemoteWriteFacility(config Config) (*RemoteWriteFacility, error) {
	if config.RemoteWriteURL == "" {
		return nil, fmt.Errorf("remote write url cannot be empty")
	}
	u, err := url.Parse(config.RemoteWriteURL)
	if err != nil {
		return nil, fmt.Errorf("parse remote write url: %w", err)
	}

	if config.InstanceIP == "" {
		if ip, err := GetOutboundIPv4(); err == nil {
			config.InstanceIP = ip
		}
	}
	config.MaxPendingSeries = positiveOr(config.MaxPendingSeries, 100000)

	ctx, cancel := context.WithCancel(context.Background())
	log := config.logger()

	f := &RemoteWriteFacility{
		config:   config,
		log:      log,
		client:   promwrite.NewClient(config.RemoteWriteURL),
		resolver: newResolver(ctx, u.Hostname(), config, log),
		ctx:      ctx,
		cancel:   cancel,
	}
	f.start()
	return f, nil
}

func (f *RemoteWriteFacility) start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(positiveOr(f.config.RemoteWriteInterval, 15*time.Second))
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := f.Flush(); err != nil {
					f.log.Error("Failed to write entries", zap.Error(err))
				}
			case <-f.ctx.Done():
				return
			}
		}
	}()

	r := f.resolver
	if r.cfg.enabled && r.host != "" && net.ParseIP(r.host) == nil {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			ticker := time.NewTicker(r.cfg.refreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if r.refresh(false) {
						f.resetClient()
					}
				case <-f.ctx.Done():
					return
				}
			}
		}()
	}
}

// Publish implements Facility. Entries without a numeric field have no
// series representation: they are accepted and dropped, so the node counts
// them as published.
func (f *RemoteWriteFacility) Publish(e Entry) error {
	series := f.convertToTimeSeries(e)
	if len(series) == 0 {
		f.log.Debug("Entry has no numeric field, nothing to write",
			zap.String("origin", e.Origin), zap.String("measurement", e.MeasurementType))
		return nil
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()
	if len(f.pending)+len(series) > f.config.MaxPendingSeries {
		return fmt.Errorf("%w: %d series pending, limit %d", ErrPublishFailure, len(f.pending), f.config.MaxPendingSeries)
	}
	f.pending = append(f.pending, series...)
	return nil
}

// Flush writes the buffered series now. A failed batch is dropped.
func (f *RemoteWriteFacility) Flush() error {
	f.mutex.Lock()
	batch := f.pending
	f.pending = nil
	client := f.client
	f.mutex.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req := &promwrite.WriteRequest{TimeSeries: batch}
	if _, err := client.Write(ctx, req); err != nil {
		// On DNS-related failures, try a forced DNS refresh once
		if f.resolver.refresh(true) {
			client = f.resetClient()
			_, retryErr := client.Write(ctx, req)
			if retryErr == nil {
				return nil
			}
			return fmt.Errorf("writing time series failed after dns refresh: %w", retryErr)
		}
		return fmt.Errorf("writing time series failed: %w", err)
	}

	f.log.Debug("Entries written", zap.Int("series", len(batch)))
	return nil
}

// Pending returns the number of buffered series
func (f *RemoteWriteFacility) Pending() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.pending)
}

// Close stops the write loop and flushes what is left
func (f *RemoteWriteFacility) Close() error {
	f.cancel()
	f.wg.Wait()
	return f.Flush()
}

// resetClient recreates the client to force new connections
func (f *RemoteWriteFacility) resetClient() *promwrite.Client {
	client := promwrite.NewClient(f.config.RemoteWriteURL)
	f.mutex.Lock()
	f.client = client
	f.mutex.Unlock()
	f.log.Info("Refreshed remote write client", zap.String("host", f.resolver.host))
	return client
}

// convertToTimeSeries converts an entry to promwrite time series, one per
// numeric field
func (f *RemoteWriteFacility) convertToTimeSeries(e Entry) []promwrite.TimeSeries {
	prefix := sanitizeMetricName(fmt.Sprintf("%s_%s_%s", f.config.Namespace, f.config.Subsystem, e.MeasurementType))

	fields := make([]string, 0, len(e.Data))
	for name := range e.Data {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	result := make([]promwrite.TimeSeries, 0, len(fields))
	for _, field := range fields {
		value, ok := e.Data[field].Number()
		if !ok {
			continue
		}

		labels := make([]promwrite.Label, 0, 6+len(f.config.CustomLabels))
		labels = append(labels, []promwrite.Label{
			{Name: "__name__", Value: prefix + "_" + sanitizeMetricName(field)},
			{Name: "_instance_", Value: f.config.InstanceIP},
			{Name: "instance", Value: f.config.InstanceIP},
			{Name: "_target_", Value: f.config.ServiceName},
			{Name: "origin", Value: e.Origin},
		}...)
		if e.Label != "" {
			labels = append(labels, promwrite.Label{Name: "label", Value: e.Label})
		}
		for k, v := range f.config.CustomLabels {
			labels = append(labels, promwrite.Label{Name: k, Value: v})
		}

		result = append(result, promwrite.TimeSeries{
			Labels: labels,
			Sample: promwrite.Sample{
				Time:  e.Time,
				Value: value,
			},
		})
	}
	return result
}

// sanitizeMetricName maps every character Prometheus does not accept in a
// metric name to '_'. A leading digit gets a '_' prefix.
func sanitizeMetricName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_', r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
