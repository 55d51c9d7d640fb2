package rfc1035

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/construct-io/constructd/internal/errs"
)

// muteServer binds a UDP socket that counts incoming queries and never
// answers.
func muteServer(t *testing.T) (addr string, received *atomic.Int64) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	received = &atomic.Int64{}
	go func() {
		buf := make([]byte, 512)
		for {
			if _, _, err := conn.ReadFromUDP(buf); err != nil {
				return
			}
			received.Add(1)
		}
	}()
	return conn.LocalAddr().String(), received
}

// TestQueryRetryBound checks a server that never answers fails the
// request after exactly retry_max attempts with TIMEOUT.
func TestQueryRetryBound(t *testing.T) {
	addr, received := muteServer(t)

	r, err := NewResolver(ResolverConfig{
		Servers:  []string{addr},
		Timeout:  100 * time.Millisecond,
		RetryMax: 3,
	})
	require.NoError(t, err)
	defer r.Close()

	_, qerr := r.Query(context.Background(), "never-answers.example", TypeA)
	require.Error(t, qerr)
	assert.True(t, errs.Is(qerr, errs.Timeout))

	// Give the last in-flight datagram time to land, then confirm the
	// attempt budget was respected and nothing further was sent.
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 3, received.Load())
}

// TestQueryAnswered exercises the reply path end to end against a local
// upstream that echoes a well-formed A answer.
func TestQueryAnswered(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		buf := make([]byte, 512)
		n, from, rerr := conn.ReadFromUDP(buf)
		if rerr != nil {
			return
		}
		query, perr := ParseMessage(buf[:n])
		if perr != nil || len(query.Questions) == 0 {
			return
		}

		// Header: same id, QR=1, RD/RA, one question, one answer.
		var resp []byte
		resp = append(resp, byte(query.Header.ID>>8), byte(query.Header.ID))
		resp = append(resp, 0x81, 0x80)
		resp = append(resp, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00)
		name, _ := encodeName(query.Questions[0].Name)
		resp = append(resp, name...)
		resp = append(resp, 0x00, 0x01, 0x00, 0x01) // QTYPE A, QCLASS IN
		resp = append(resp, name...)
		resp = append(resp, 0x00, 0x01, 0x00, 0x01)  // TYPE A, CLASS IN
		resp = append(resp, 0x00, 0x00, 0x00, 0x3c)  // TTL 60
		resp = append(resp, 0x00, 0x04, 10, 0, 0, 7) // RDLENGTH 4, 10.0.0.7
		_, _ = conn.WriteToUDP(resp, from)
	}()

	r, err := NewResolver(ResolverConfig{
		Servers:  []string{conn.LocalAddr().String()},
		Timeout:  2 * time.Second,
		RetryMax: 2,
	})
	require.NoError(t, err)
	defer r.Close()

	ips, err := r.LookupHost(context.Background(), "answers.example")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, net.IPv4(10, 0, 0, 7).To4(), ips[0].To4())
}
