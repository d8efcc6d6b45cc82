package opmon

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

type dnsConfig struct {
	enabled         bool
	cacheTTL        time.Duration
	refreshInterval time.Duration
	timeout         time.Duration
	udpServers      []string
	tlsServers      []string
	dohEndpoints    []string
}

type dnsCacheEntry struct {
	ips []string
	ttl time.Time
}

// resolver tracks the addresses of the remote write host so the client
// can be recreated when they change
type resolver struct {
	ctx  context.Context
	host string
	cfg  dnsConfig
	log  *zap.Logger

	mutex       sync.Mutex
	resolvedIPs []string
	lastResolve time.Time
	cache       map[string]dnsCacheEntry
}

func newResolver(ctx context.Context, host string, config Config, log *zap.Logger) *resolver {
	return &resolver{
		ctx:  ctx,
		host: host,
		log:  log,
		cfg: dnsConfig{
			enabled:         config.DNSEnable,
			cacheTTL:        positiveOr(config.DNSCacheTTL, 10*time.Minute),
			refreshInterval: positiveOr(config.DNSRefreshInterval, 5*time.Minute),
			timeout:         positiveOr(config.DNSTimeout, 800*time.Millisecond),
			udpServers:      slices.Clone(config.DNSUDPServers),
			tlsServers:      slices.Clone(config.DNSTLSServers),
			dohEndpoints:    slices.Clone(config.DNSDoHEndpoints),
		},
		cache: make(map[string]dnsCacheEntry),
	}
}

// refresh resolves the host and reports whether the client should be
// recreated
func (r *resolver) refresh(force bool) bool {
	if r.host == "" || net.ParseIP(r.host) != nil {
		return false
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Throttle resolves
	if !force && time.Since(r.lastResolve) < time.Minute {
		return false
	}

	if ce, ok := r.cache[r.host]; ok && time.Now().Before(ce.ttl) && !force {
		r.lastResolve = time.Now()
		if slices.Equal(ce.ips, r.resolvedIPs) {
			return false
		}
		r.resolvedIPs = ce.ips
		r.log.Info("DNS cache hit", zap.String("host", r.host), zap.Strings("ips", ce.ips))
		return true
	}

	var (
		ips []string
		err error
	)
	if r.cfg.enabled {
		ips, err = r.resolveFastest()
	} else {
		var sysIPs []net.IP
		sysIPs, err = net.LookupIP(r.host)
		for _, ip := range sysIPs {
			ips = append(ips, ip.String())
		}
	}

	r.lastResolve = time.Now()
	if err != nil || len(ips) == 0 {
		r.log.Warn("DNS lookup failed", zap.String("host", r.host), zap.Error(err))
		return false
	}

	changed := !slices.Equal(ips, r.resolvedIPs)
	r.resolvedIPs = ips
	if r.cfg.enabled {
		r.cache[r.host] = dnsCacheEntry{ips: ips, ttl: time.Now().Add(r.cfg.cacheTTL)}
	}
	return changed || force
}

// resolveFastest queries all configured resolvers concurrently and returns
// the first success
func (r *resolver) resolveFastest() ([]string, error) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.timeout)
	defer cancel()

	type result struct {
		ips []string
		err error
	}
	lookups := make([]func() ([]string, error), 0,
		1+len(r.cfg.udpServers)+len(r.cfg.tlsServers)+len(r.cfg.dohEndpoints))
	for _, srv := range r.cfg.udpServers {
		lookups = append(lookups, func() ([]string, error) { return exchange(ctx, r.host, "udp", srv) })
	}
	for _, srv := range r.cfg.tlsServers {
		lookups = append(lookups, func() ([]string, error) { return exchange(ctx, r.host, "tcp-tls", srv) })
	}
	for _, ep := range r.cfg.dohEndpoints {
		lookups = append(lookups, func() ([]string, error) { return resolveDoH(ctx, r.host, ep) })
	}
	// System resolver as fallback
	lookups = append(lookups, func() ([]string, error) {
		netIPs, err := net.DefaultResolver.LookupIP(ctx, "ip", r.host)
		ips := make([]string, 0, len(netIPs))
		for _, ip := range netIPs {
			ips = append(ips, ip.String())
		}
		return ips, err
	})

	ch := make(chan result, len(lookups))
	for _, lookup := range lookups {
		go func() {
			ips, err := lookup()
			ch <- result{ips, err}
		}()
	}

	var firstErr error
	for range lookups {
		select {
		case res := <-ch:
			if res.err == nil && len(res.ips) > 0 {
				return res.ips, nil
			}
			if firstErr == nil {
				firstErr = res.err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no dns result")
	}
	return nil, firstErr
}

// questionA builds the A query sent to every resolver
func questionA(host string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), dns.TypeA)
	return m
}

// exchange sends an A query over udp or tcp-tls
func exchange(ctx context.Context, host, network, server string) ([]string, error) {
	c := &dns.Client{Net: network, Timeout: 800 * time.Millisecond}
	r, _, err := c.ExchangeContext(ctx, questionA(host), server)
	if err != nil {
		return nil, fmt.Errorf("%s query to %s: %w", network, server, err)
	}
	return answerIPs(r)
}

// resolveDoH posts the query as application/dns-message (RFC 8484)
func resolveDoH(ctx context.Context, host, endpoint string) ([]string, error) {
	payload, err := questionA(host).Pack()
	if err != nil {
		return nil, fmt.Errorf("pack doh query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dohMediaType)
	req.Header.Set("Accept", dohMediaType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh query to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh query to %s: status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxMsgSize))
	if err != nil {
		return nil, fmt.Errorf("read doh answer: %w", err)
	}
	r := new(dns.Msg)
	if err := r.Unpack(body); err != nil {
		return nil, fmt.Errorf("unpack doh answer: %w", err)
	}
	return answerIPs(r)
}

const dohMediaType = "application/dns-message"

// answerIPs extracts the A records of a successful reply
func answerIPs(r *dns.Msg) ([]string, error) {
	if r == nil {
		return nil, fmt.Errorf("empty dns reply")
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns reply: %s", dns.RcodeToString[r.Rcode])
	}
	ips := make([]string, 0, len(r.Answer))
	for _, rr := range r.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	return ips, nil
}
