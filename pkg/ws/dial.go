package ws

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/saucstream/sauc-go/pkg/errorsx"
)

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Options tunes connection establishment and frame reading.
type Options struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	TLSConfig        *tls.Config
	// NetDial overrides the TCP dial, used by tests.
	NetDial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	return o
}

// Dial connects and upgrades with default options.
func Dial(ctx context.Context, rawURL string, header http.Header) (*Conn, error) {
	return DialWithOptions(ctx, rawURL, header, Options{})
}

// DialWithOptions performs the opening handshake: TCP (or TLS) connect,
// HTTP/1.1 Upgrade request with a random Sec-WebSocket-Key, and strict
// validation of the 101 response including the accept key.
func DialWithOptions(ctx context.Context, rawURL string, header http.Header, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConnect)
	}
	var useTLS bool
	switch u.Scheme {
	case "ws":
		useTLS = false
	case "wss":
		useTLS = true
	default:
		return nil, errorsx.Wrapf(errorsx.ReasonConnect, "unsupported scheme %q", u.Scheme)
	}

	hostPort := u.Host
	if u.Port() == "" {
		if useTLS {
			hostPort = net.JoinHostPort(u.Hostname(), "443")
		} else {
			hostPort = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	netDial := opts.NetDial
	if netDial == nil {
		d := &net.Dialer{}
		netDial = d.DialContext
	}
	nc, err := netDial(dialCtx, "tcp", hostPort)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConnect)
	}

	deadline := time.Now().Add(opts.HandshakeTimeout)
	_ = nc.SetDeadline(deadline)

	if useTLS {
		tlsCfg := opts.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.ServerName == "" {
			tlsCfg = tlsCfg.Clone()
			tlsCfg.ServerName = u.Hostname()
		}
		tc := tls.Client(nc, tlsCfg)
		if err := tc.HandshakeContext(dialCtx); err != nil {
			_ = nc.Close()
			return nil, errorsx.Wrap(err, errorsx.ReasonConnect)
		}
		nc = tc
	}

	challenge, err := newChallengeKey()
	if err != nil {
		_ = nc.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonHandshake)
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}

	var req strings.Builder
	req.WriteString("GET " + path + " HTTP/1.1\r\n")
	req.WriteString("Host: " + u.Host + "\r\n")
	req.WriteString("Upgrade: websocket\r\n")
	req.WriteString("Connection: Upgrade\r\n")
	req.WriteString("Sec-WebSocket-Key: " + challenge + "\r\n")
	req.WriteString("Sec-WebSocket-Version: 13\r\n")
	for k, vals := range header {
		switch http.CanonicalHeaderKey(k) {
		case "Upgrade", "Connection", "Sec-Websocket-Key", "Sec-Websocket-Version", "Host":
			continue
		}
		for _, v := range vals {
			req.WriteString(k + ": " + v + "\r\n")
		}
	}
	req.WriteString("\r\n")

	if _, err := nc.Write([]byte(req.String())); err != nil {
		_ = nc.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonHandshake)
	}

	br := bufio.NewReader(nc)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodGet})
	if err != nil {
		_ = nc.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonHandshake)
	}
	// The upgraded stream has no HTTP body; leftover buffered bytes belong
	// to the first frames.
	if resp.Body != nil {
		resp.Body.Close()
	}

	if err := validateUpgrade(resp, challenge); err != nil {
		_ = nc.Close()
		return nil, err
	}

	_ = nc.SetDeadline(time.Time{})
	return newConn(nc, br, opts.ReadLimit), nil
}

func validateUpgrade(resp *http.Response, challenge string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return errorsx.Wrapf(errorsx.ReasonHandshake, "unexpected status %d", resp.StatusCode)
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return errorsx.Wrapf(errorsx.ReasonHandshake, "missing upgrade header")
	}
	if !headerContainsToken(resp.Header.Get("Connection"), "upgrade") {
		return errorsx.Wrapf(errorsx.ReasonHandshake, "missing connection upgrade")
	}
	if got, want := resp.Header.Get("Sec-Websocket-Accept"), acceptKey(challenge); got != want {
		return errorsx.Wrapf(errorsx.ReasonHandshake, "accept key mismatch")
	}
	return nil
}

func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

func newChallengeKey() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw[:]), nil
}

func acceptKey(challenge string) string {
	h := sha1.Sum([]byte(challenge + acceptGUID))
	return base64.StdEncoding.EncodeToString(h[:])
}
