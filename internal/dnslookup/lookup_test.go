package dnslookup

import (
	"context"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aoappcluster/dnscluster/pkg/model"
	"github.com/aoappcluster/dnscluster/pkg/status"
)

func aRecord(name string, ip string, ttl uint32) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP(ip),
	}
}

func TestClassifySuccessNoTTLCheck(t *testing.T) {
	t.Parallel()

	resp := &dns.Msg{}
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = []dns.RR{aRecord("node1.app.example.com.", "10.0.0.1", 300)}

	result := classify("node1.app.example.com", resp, nil)
	assert.Equal(t, status.LookupSuccessful, result.Status)
	assert.Equal(t, []string{"10.0.0.1"}, result.Addresses)
	assert.Empty(t, result.StatusMessages)
}

func TestClassifySuccessStrictTTLMismatch(t *testing.T) {
	t.Parallel()

	resp := &dns.Msg{}
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = []dns.RR{aRecord("app.example.com.", "10.0.0.1", 299)}

	ttl := &TTLExpectation{MasterRecordsTTL: 300, StrictTTL: true}
	result := classify("app.example.com", resp, ttl)
	assert.Equal(t, status.LookupWarning, result.Status)
	assert.Len(t, result.StatusMessages, 1)
	assert.Contains(t, result.StatusMessages[0], "expected=300")
	assert.Equal(t, []string{"10.0.0.1"}, result.Addresses)
}

func TestClassifySuccessNonStrictTTLOutOfRange(t *testing.T) {
	t.Parallel()

	resp := &dns.Msg{}
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = []dns.RR{aRecord("app.example.com.", "10.0.0.1", 301)}

	ttl := &TTLExpectation{MasterRecordsTTL: 300, StrictTTL: false}
	result := classify("app.example.com", resp, ttl)
	assert.Equal(t, status.LookupWarning, result.Status)

	resp.Answer = []dns.RR{aRecord("app.example.com.", "10.0.0.1", 0)}
	result = classify("app.example.com", resp, ttl)
	assert.Equal(t, status.LookupWarning, result.Status)

	resp.Answer = []dns.RR{aRecord("app.example.com.", "10.0.0.1", 150)}
	result = classify("app.example.com", resp, ttl)
	assert.Equal(t, status.LookupSuccessful, result.Status)
}

func TestClassifyNoAnswerIsHostNotFound(t *testing.T) {
	t.Parallel()

	resp := &dns.Msg{}
	resp.Rcode = dns.RcodeSuccess

	result := classify("missing.example.com", resp, nil)
	assert.Equal(t, status.LookupHostNotFound, result.Status)
	assert.Empty(t, result.Addresses)
}

func TestClassifyRcodeMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		rcode int
		want  status.DnsLookupStatus
	}{
		{dns.RcodeNameError, status.LookupHostNotFound},
		{dns.RcodeNotImplemented, status.LookupTypeNotFound},
		{dns.RcodeServerFailure, status.LookupTryAgain},
		{dns.RcodeRefused, status.LookupUnrecoverable},
		{dns.RcodeFormatError, status.LookupError},
	}
	for _, tc := range cases {
		resp := &dns.Msg{}
		resp.Rcode = tc.rcode
		result := classify("app.example.com", resp, nil)
		assert.Equal(t, tc.want, result.Status, "rcode=%d", tc.rcode)
	}
}

func TestClassifyMultipleAddressesPreserved(t *testing.T) {
	t.Parallel()

	resp := &dns.Msg{}
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = []dns.RR{
		aRecord("app.example.com.", "10.0.0.1", 300),
		aRecord("app.example.com.", "10.0.0.2", 300),
	}

	result := classify("app.example.com", resp, &TTLExpectation{MasterRecordsTTL: 300})
	assert.Equal(t, status.LookupSuccessful, result.Status)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, result.Addresses)
}

func TestResolveOpensCircuitBreakerAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	l := New()
	// A loopback nameserver with nothing listening fails every exchange
	// quickly (connection refused) without depending on real network access.
	ns := model.Nameserver{Hostname: "127.0.0.1"}
	ctx := context.Background()

	first := l.Resolve(ctx, "app.example.com", ns, nil)
	assert.Equal(t, status.LookupTryAgain, first.Status)

	second := l.Resolve(ctx, "app.example.com", ns, nil)
	assert.Equal(t, status.LookupTryAgain, second.Status)
	require.Len(t, second.StatusMessages, 1)
	assert.Contains(t, second.StatusMessages[0], "circuit breaker open")
}
