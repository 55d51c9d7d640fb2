package rfc1035

import (
	"context"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/construct-io/constructd/internal/errs"
)

// ResolverConfig controls the UDP resolver client: one socket, rotating
// upstream servers, a per-request timeout, a bounded retry count, and
// send-rate pacing (the same token-bucket shape as
// internal/federation/client.TokenBucket).
type ResolverConfig struct {
	Servers   []string // "host:53" upstream resolvers, tried in rotation
	Timeout   time.Duration
	RetryMax  int
	SendRate  float64 // queries/sec
	SendBurst int
}

// DefaultResolverConfig returns the stock defaults (10s timeout,
// retry_max 4).
func DefaultResolverConfig(servers []string) ResolverConfig {
	return ResolverConfig{
		Servers:   servers,
		Timeout:   10 * time.Second,
		RetryMax:  4,
		SendRate:  50,
		SendBurst: 50,
	}
}

// Resolver is a minimal RFC 1035 UDP DNS client: one shared socket, a
// rotating upstream list, 16-bit query ids with collision avoidance, and
// reply matching by (id, server). ServFail responses are retried against
// the next upstream; NXDomain is surfaced directly to the caller rather
// than retried.
type Resolver struct {
	cfg  ResolverConfig
	conn *net.UDPConn

	mu      sync.Mutex
	nextSrv int
	pacer   pacer
}

type pacer struct {
	mu     sync.Mutex
	tokens float64
	rate   float64
	burst  int
	last   time.Time
}

func (p *pacer) wait(ctx context.Context) error {
	p.mu.Lock()
	if p.last.IsZero() {
		p.last = time.Now()
		p.tokens = float64(p.burst)
	}
	for {
		now := time.Now()
		p.tokens += now.Sub(p.last).Seconds() * p.rate
		if p.tokens > float64(p.burst) {
			p.tokens = float64(p.burst)
		}
		p.last = now
		if p.tokens >= 1 {
			p.tokens--
			p.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - p.tokens) / p.rate * float64(time.Second))
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		p.mu.Lock()
	}
}

// NewResolver opens the resolver's shared UDP socket.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.Wrap(err, "rfc1035: open resolver socket")
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = 50
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = cfg.RetryMax + 1
	}
	return &Resolver{
		cfg:   cfg,
		conn:  conn,
		pacer: pacer{rate: cfg.SendRate, burst: cfg.SendBurst},
	}, nil
}

// Close releases the resolver's socket.
func (r *Resolver) Close() error { return r.conn.Close() }

func (r *Resolver) server() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cfg.Servers) == 0 {
		return "8.8.8.8:53"
	}
	s := r.cfg.Servers[r.nextSrv%len(r.cfg.Servers)]
	r.nextSrv++
	return s
}

// Query resolves name for qtype, retrying timeouts and ServFail responses
// against the next upstream for at most RetryMax attempts total. NXDomain is
// returned as a successful empty Message with RCode set, not retried. A
// query that exhausts its attempts fails with the TIMEOUT taxonomy kind and
// issues no further sends.
func (r *Resolver) Query(ctx context.Context, name string, qtype Type) (*Message, error) {
	var lastErr error
	attempts := r.cfg.RetryMax
	if attempts <= 0 {
		attempts = 4
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if err := r.pacer.wait(ctx); err != nil {
			return nil, err
		}
		msg, err := r.queryOnce(ctx, name, qtype)
		if err == nil {
			if msg.Header.RCode == RCodeServFail {
				lastErr = errors.New("rfc1035: upstream returned SERVFAIL")
				continue
			}
			return msg, nil
		}
		lastErr = err
	}
	return nil, errs.Wrap(errs.Timeout, lastErr, "rfc1035: query failed after retries")
}

func (r *Resolver) queryOnce(ctx context.Context, name string, qtype Type) (*Message, error) {
	server := r.server()
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, errors.Wrapf(err, "rfc1035: resolve upstream %s", server)
	}

	id := uint16(rand.Intn(65536))
	query, err := BuildQuery(id, name, qtype)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(r.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := r.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := r.conn.WriteToUDP(query, addr); err != nil {
		return nil, errors.Wrap(err, "rfc1035: send query")
	}

	buf := make([]byte, 4096)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, errors.Wrap(err, "rfc1035: read reply")
		}
		if from.String() != addr.String() {
			continue // stray packet from a prior query, not ours
		}
		msg, err := ParseMessage(buf[:n])
		if err != nil {
			return nil, err
		}
		if msg.Header.ID != id {
			continue // collision with an in-flight query's reply
		}
		return msg, nil
	}
}

// LookupSRV resolves an SRV record set, returning targets sorted by
// priority then weight (lowest priority first, and within one priority the
// highest weight first, a simplified RFC 2782 ordering — full weighted
// random selection within a priority band is left to the caller).
func (r *Resolver) LookupSRV(ctx context.Context, service, proto, name string) ([]SRV, error) {
	qname := "_" + service + "._" + proto + "." + name
	msg, err := r.Query(ctx, qname, TypeSRV)
	if err != nil {
		return nil, err
	}
	if msg.Header.RCode == RCodeNXDomain {
		return nil, nil
	}
	var out []SRV
	for _, rec := range msg.Answers {
		if srv, ok := rec.Data.(SRV); ok {
			out = append(out, srv)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Weight > out[j].Weight
	})
	return out, nil
}

// LookupHost resolves A/AAAA records for name.
func (r *Resolver) LookupHost(ctx context.Context, name string) ([]net.IP, error) {
	var ips []net.IP
	msg, err := r.Query(ctx, name, TypeA)
	if err != nil {
		return nil, err
	}
	for _, rec := range msg.Answers {
		if a, ok := rec.Data.(A); ok {
			ips = append(ips, net.IP(a.Addr[:]))
		}
	}
	if len(ips) > 0 {
		return ips, nil
	}
	msg6, err := r.Query(ctx, name, TypeAAAA)
	if err != nil {
		return nil, err
	}
	for _, rec := range msg6.Answers {
		if a, ok := rec.Data.(AAAA); ok {
			ips = append(ips, net.IP(a.Addr[:]))
		}
	}
	return ips, nil
}
