package rescon

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"time"
)

// dial opens a byte-stream transport to ep, adapted from the teacher's
// TLSServer listen/dial split: plain TCP/Unix when cfg.TLS is nil, a TLS
// handshake layered on top otherwise.
func dial(ctx context.Context, ep Endpoint, cfg Config) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: cfg.KeepAlive}

	if cfg.TLS == nil {
		conn, err := dialer.DialContext(ctx, ep.Network(), ep.Address())
		if err != nil {
			return nil, newError(KindIO, "dial "+ep.String(), err)
		}
		return conn, nil
	}

	tlsCfg, err := cfg.TLS.buildTLSConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg.ServerName == "" && ep.Host != "" {
		tlsCfg.ServerName = ep.Host
	}

	rawConn, err := dialer.DialContext(ctx, ep.Network(), ep.Address())
	if err != nil {
		return nil, newError(KindIO, "dial "+ep.String(), err)
	}
	tlsConn := tls.Client(rawConn, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, newError(KindAuth, "tls handshake with "+ep.String(), err)
	}
	return tlsConn, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, &Error{Kind: KindConfig, Message: "no certificates found in " + path}
	}
	return pool, nil
}

// deadlineOrZero converts a duration into an absolute time.Time, or the
// zero Time (meaning "no deadline") when d <= 0, matching net.Conn's
// SetDeadline contract.
func deadlineOrZero(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}
