package tunnel

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"interceptor/internal/certificate"
	"interceptor/internal/logger"
	"interceptor/internal/pipeline"
	"interceptor/internal/rules"
	"interceptor/internal/session"
	"interceptor/internal/throttle"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayHostRule struct {
	rules.BaseRule
	host string
}

func (r relayHostRule) ShouldInterceptHTTPSHost(string) bool { return true }

func (r relayHostRule) BeforeDealHTTPSRequest(host string) rules.Decision {
	if host == r.host {
		return rules.DecisionRelay
	}
	return rules.DecisionDefault
}

func newKeyStore(t *testing.T, withRoot bool) *certificate.KeyStore {
	t.Helper()
	ks := certificate.NewKeyStore(certificate.Options{Dir: t.TempDir()})
	if withRoot {
		_, err := ks.EnsureRootCA()
		require.NoError(t, err)
	}
	return ks
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func readEstablished(t *testing.T, br *bufio.Reader) {
	t.Helper()
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r\n", line)
	blank, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r\n", blank)
}

func rootPool(t *testing.T, ks *certificate.KeyStore) *x509.CertPool {
	t.Helper()
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ks.RootCA().CertPEM))
	return pool
}

// bufConn reads through br so bytes buffered while parsing the CONNECT reply
// are not lost.
type bufConn struct {
	net.Conn
	br *bufio.Reader
}

func (c bufConn) Read(p []byte) (int, error) { return c.br.Read(p) }

func TestStateTransitions(t *testing.T) {
	tun := newTunnel(session.New("c", session.TypeHTTP, nil), "example.com:443", logger.NewNop())

	assert.Equal(t, "example.com", tun.Host)
	assert.ErrorIs(t, tun.transition(StatePiped), ErrInvalidTransition)
	require.NoError(t, tun.transition(StateDecided))
	require.NoError(t, tun.transition(StateHandshaking))
	assert.ErrorIs(t, tun.transition(StatePiped), ErrInvalidTransition)
	require.NoError(t, tun.transition(StateDecrypted))
	require.NoError(t, tun.transition(StateClosed))
	assert.ErrorIs(t, tun.transition(StateDecided), ErrInvalidTransition)
	assert.Equal(t, StateClosed, tun.State())
}

func TestDecide(t *testing.T) {
	ks := newKeyStore(t, true)
	d := New(Options{KeyStore: ks, Pipeline: pipeline.New(pipeline.Options{})})

	off := session.New("c", session.TypeHTTP, rules.NewDefaultRule(false))
	on := session.New("c", session.TypeHTTP, rules.NewDefaultRule(true))
	override := session.New("c", session.TypeHTTP, relayHostRule{host: "bank.example"})

	assert.Equal(t, ModeRelay, d.Decide(off, "example.com"))
	assert.Equal(t, ModeIntercept, d.Decide(on, "example.com"))
	assert.Equal(t, ModeRelay, d.Decide(override, "bank.example"))
	assert.Equal(t, ModeIntercept, d.Decide(override, "other.example"))

	noRoot := New(Options{KeyStore: newKeyStore(t, false), Pipeline: pipeline.New(pipeline.Options{})})
	assert.Equal(t, ModeRelay, noRoot.Decide(on, "example.com"))
}

func TestInterceptPresentsLeafForHost(t *testing.T) {
	ks := newKeyStore(t, true)
	d := New(Options{KeyStore: ks, Pipeline: pipeline.New(pipeline.Options{})})
	sess := session.New("c", session.TypeHTTP, rules.NewDefaultRule(true))
	client, server := tcpPair(t)

	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), server, sess, "example.com:443") }()

	br := bufio.NewReader(client)
	readEstablished(t, br)
	tc := tls.Client(bufConn{Conn: client, br: br}, &tls.Config{
		ServerName: "example.com",
		RootCAs:    rootPool(t, ks),
		NextProtos: []string{"h2", "http/1.1"},
	})
	require.NoError(t, tc.Handshake())
	state := tc.ConnectionState()
	assert.Contains(t, state.PeerCertificates[0].DNSNames, "example.com")
	assert.Equal(t, "http/1.1", state.NegotiatedProtocol)
	tc.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not finish")
	}
	assert.True(t, sess.Intercepted())
	assert.Equal(t, "example.com:443", sess.Target())
}

func TestInterceptForwardsDecryptedRequests(t *testing.T) {
	origin := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "secure %s", r.URL.Path)
	}))
	defer origin.Close()

	ks := newKeyStore(t, true)
	p := pipeline.New(pipeline.Options{InsecureSkipVerify: true})
	defer p.Close()
	d := New(Options{KeyStore: ks, Pipeline: p})
	sess := session.New("c", session.TypeHTTP, rules.NewDefaultRule(true))
	client, server := tcpPair(t)

	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), server, sess, origin.Listener.Addr().String()) }()

	br := bufio.NewReader(client)
	readEstablished(t, br)
	tc := tls.Client(bufConn{Conn: client, br: br}, &tls.Config{
		ServerName: "example.com",
		RootCAs:    rootPool(t, ks),
	})
	require.NoError(t, tc.Handshake())

	_, err := io.WriteString(tc, "GET /account HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(tc), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "secure /account", string(body))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not finish")
	}
}

func TestInterceptHandshakeFailure(t *testing.T) {
	ks := newKeyStore(t, true)
	d := New(Options{KeyStore: ks, Pipeline: pipeline.New(pipeline.Options{})})
	sess := session.New("c", session.TypeHTTP, rules.NewDefaultRule(true))
	client, server := tcpPair(t)

	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), server, sess, "example.com:443") }()

	br := bufio.NewReader(client)
	readEstablished(t, br)
	// The client does not trust the root, so it aborts the handshake.
	tc := tls.Client(bufConn{Conn: client, br: br}, &tls.Config{ServerName: "example.com"})
	assert.Error(t, tc.Handshake())
	tc.Close()

	select {
	case err := <-done:
		var herr *HandshakeError
		require.True(t, errors.As(err, &herr))
		assert.Equal(t, "example.com", herr.Host)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not finish")
	}
}

func TestRelayPassesBytesThrough(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	ks := newKeyStore(t, true)
	d := New(Options{KeyStore: ks, Pipeline: pipeline.New(pipeline.Options{})})
	sess := session.New("c", session.TypeHTTP, rules.NewDefaultRule(false))
	client, server := tcpPair(t)

	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), server, sess, ln.Addr().String()) }()

	br := bufio.NewReader(client)
	readEstablished(t, br)
	// Not a TLS record: a relayed tunnel never parses what it carries.
	_, err = io.WriteString(client, "\x16 raw bytes")
	require.NoError(t, err)
	client.(*net.TCPConn).CloseWrite()

	echoed, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "\x16 raw bytes", string(echoed))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("tunnel did not finish")
	}
	assert.True(t, sess.Relayed())
	assert.EqualValues(t, 0, ks.Generations())
}

func TestRelayIsThrottled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		n, _ := io.Copy(io.Discard, c)
		fmt.Fprintf(c, "%d", n)
	}()

	// 8 KiB/s with a 16 KiB burst: 32 KiB needs about two seconds.
	d := New(Options{Throttle: throttle.New(8)})
	sess := session.New("c", session.TypeHTTP, rules.NewDefaultRule(false))
	client, server := tcpPair(t)
	go d.Serve(context.Background(), server, sess, ln.Addr().String())

	br := bufio.NewReader(client)
	readEstablished(t, br)
	start := time.Now()
	_, err = client.Write(bytes.Repeat([]byte("x"), 32<<10))
	require.NoError(t, err)
	client.(*net.TCPConn).CloseWrite()

	got, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(32<<10), string(got))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestRelayUnreachableClosesClient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	var closed []*session.Session
	d := New(Options{DialTimeout: time.Second, OnClose: func(s *session.Session) { closed = append(closed, s) }})
	sess := session.New("c", session.TypeHTTP, nil)
	client, server := tcpPair(t)

	done := make(chan error, 1)
	go func() { done <- d.Serve(context.Background(), server, sess, addr) }()

	br := bufio.NewReader(client)
	readEstablished(t, br)
	_, err = br.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
	assert.Error(t, <-done)
	require.Len(t, closed, 1)
	assert.Same(t, sess, closed[0])
}
