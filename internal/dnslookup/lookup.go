package dnslookup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/aoappcluster/dnscluster/internal/circuit"
	"github.com/aoappcluster/dnscluster/pkg/clusterrors"
	"github.com/aoappcluster/dnscluster/pkg/model"
	"github.com/aoappcluster/dnscluster/pkg/status"
)

// breakerReadyToTrip opens a nameserver's circuit after three consecutive
// exchange failures, independent of the per-lookup attempt budget.
func breakerReadyToTrip(counts circuit.Counts) bool {
	return counts.ConsecutiveFailures >= 3
}

const (
	// Attempts is the number of tries a lookup makes before giving up and
	// reporting TRY_AGAIN.
	Attempts = 2

	// QueryTimeout bounds a single exchange with a nameserver.
	QueryTimeout = 30 * time.Second

	dnsPort = "53"
)

// TTLExpectation carries the tolerance rule applied to a lookup against a
// declared master record: StrictTTL requires an exact match; otherwise the
// TTL must fall in (0, MasterRecordsTTL].
type TTLExpectation struct {
	MasterRecordsTTL int
	StrictTTL        bool
}

func (t TTLExpectation) check(ttl int) (message string, warn bool) {
	if t.StrictTTL {
		if ttl != t.MasterRecordsTTL {
			return fmt.Sprintf("ttl mismatch: expected=%d actual=%d (strict)", t.MasterRecordsTTL, ttl), true
		}
		return "", false
	}
	if ttl <= 0 || ttl > t.MasterRecordsTTL {
		return fmt.Sprintf("ttl out of range: expected<=%d actual=%d", t.MasterRecordsTTL, ttl), true
	}
	return "", false
}

// Lookup performs A-record queries against nameservers, suppressing any
// resolver-level cache and using no search path. A *dns.Client is created
// lazily per nameserver hostname and memoized for the lifetime of the
// Lookup, rather than as a package-level global, so tests can construct
// an isolated instance per case.
type Lookup struct {
	mu        sync.Mutex
	resolvers map[string]*dns.Client
	attempts  int
	timeout   time.Duration
	breakers  *circuit.Manager
}

// New returns a Lookup using the default attempt count and query timeout.
// Each nameserver gets its own circuit breaker (via internal/circuit),
// keyed by hostname, so a nameserver that has failed three exchanges in a
// row is skipped for a cooldown period instead of being retried at full
// per-attempt cost on every subsequent pass.
func New() *Lookup {
	return &Lookup{
		resolvers: make(map[string]*dns.Client),
		attempts:  Attempts,
		timeout:   QueryTimeout,
		breakers: circuit.NewManager(circuit.Config{
			ReadyToTrip: breakerReadyToTrip,
		}),
	}
}

func (l *Lookup) clientFor(ns model.Nameserver) *dns.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.resolvers[ns.Hostname]; ok {
		return c
	}
	c := &dns.Client{Timeout: l.timeout}
	l.resolvers[ns.Hostname] = c
	return c
}

// Resolve performs one DnsLookup of name against ns. ttl is non-nil only
// when name is one of the resource's declared master records; it applies
// the TTL tolerance rule to any A records found.
func (l *Lookup) Resolve(ctx context.Context, name model.DnsName, ns model.Nameserver, ttl *TTLExpectation) (result model.DnsLookupResult) {
	defer func() {
		if r := recover(); r != nil {
			result = model.NewDnsLookupResult(name, status.LookupError,
				[]string{fmt.Sprintf("panic: %v\n%s", r, clusterrors.CaptureStack(3))}, nil)
		}
	}()

	client := l.clientFor(ns)
	addr := net.JoinHostPort(ns.Hostname, dnsPort)
	breaker := l.breakers.GetBreaker(ns.Hostname)

	var lastErr error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return model.NewDnsLookupResult(name, status.LookupError, []string{err.Error()}, nil)
		}

		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(string(name)), dns.TypeA)
		msg.RecursionDesired = true

		var resp *dns.Msg
		err := breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
			r, _, exchangeErr := client.ExchangeContext(ctx, msg, addr)
			resp = r
			return exchangeErr
		})
		if err != nil {
			if errors.Is(err, circuit.ErrOpenState) {
				return model.NewDnsLookupResult(name, status.LookupTryAgain,
					[]string{fmt.Sprintf("circuit breaker open for nameserver %s", ns.Hostname)}, nil)
			}
			lastErr = err
			continue
		}
		return classify(name, resp, ttl)
	}

	msg := "no response"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return model.NewDnsLookupResult(name, status.LookupTryAgain,
		[]string{fmt.Sprintf("no response after %d attempts: %s", l.attempts, msg)}, nil)
}

func classify(name model.DnsName, resp *dns.Msg, ttl *TTLExpectation) model.DnsLookupResult {
	switch resp.Rcode {
	case dns.RcodeSuccess:
		return classifySuccess(name, resp, ttl)
	case dns.RcodeNameError:
		return model.NewDnsLookupResult(name, status.LookupHostNotFound, nil, nil)
	case dns.RcodeNotImplemented:
		return model.NewDnsLookupResult(name, status.LookupTypeNotFound, nil, nil)
	case dns.RcodeServerFailure:
		return model.NewDnsLookupResult(name, status.LookupTryAgain, []string{"server failure"}, nil)
	case dns.RcodeRefused:
		return model.NewDnsLookupResult(name, status.LookupUnrecoverable, []string{"query refused"}, nil)
	default:
		return model.NewDnsLookupResult(name, status.LookupError,
			[]string{fmt.Sprintf("unexpected rcode %d (%s)", resp.Rcode, dns.RcodeToString[resp.Rcode])}, nil)
	}
}

func classifySuccess(name model.DnsName, resp *dns.Msg, ttl *TTLExpectation) model.DnsLookupResult {
	var addresses []string
	var messages []string
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		addresses = append(addresses, a.A.String())
		if ttl != nil {
			if msg, warn := ttl.check(int(a.Hdr.Ttl)); warn {
				messages = append(messages, msg)
			}
		}
	}
	if len(addresses) == 0 {
		return model.NewDnsLookupResult(name, status.LookupHostNotFound, nil, nil)
	}
	s := status.LookupSuccessful
	if len(messages) > 0 {
		s = status.LookupWarning
	}
	return model.NewDnsLookupResult(name, s, messages, addresses)
}
