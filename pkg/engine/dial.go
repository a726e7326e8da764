// pkg/engine/dial.go
package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/pion/dtls/v3"
	coapDTLS "github.com/plgd-dev/go-coap/v3/dtls"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/tcp"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/twinfer/coap-exerciser/pkg/config"
	"github.com/twinfer/coap-exerciser/pkg/utils"
)

// dialBackoff spaces reconnect attempts while the server is not reachable
// yet. The connect timeout bounds the total time spent.
var dialBackoff = utils.BackoffConfig{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	Multiplier:      2,
	Jitter:          true,
}

// Dial connects to cfg.Endpoint with the configured protocol. The library's
// own block-wise handling is switched off so the block sizes chosen by the
// scenario go on the wire unchanged.
func Dial(ctx context.Context, cfg config.ClientConfig, logger *service.Logger) (*Client, error) {
	connect, err := dialer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}

	dialCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	type result struct {
		conn coapConn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		for attempt := 0; ; attempt++ {
			conn, err := connect()
			if err == nil || dialCtx.Err() != nil {
				done <- result{conn, err}
				return
			}
			delay := utils.CalculateBackoff(attempt, dialBackoff)
			if logger != nil {
				logger.Debugf("Connecting to %s failed, retrying in %v: %v", cfg.Endpoint, delay, err)
			}
			select {
			case <-time.After(delay):
			case <-dialCtx.Done():
				done <- result{nil, err}
				return
			}
		}
	}()

	select {
	case <-dialCtx.Done():
		go func() {
			if r := <-done; r.err == nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, dialCtx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to %s over %s: %w", cfg.Endpoint, cfg.Protocol, r.err)
		}
		if logger != nil {
			logger.Infof("Connected to %s over %s", cfg.Endpoint, cfg.Protocol)
		}
		return NewClient(r.conn, logger), nil
	}
}

// dialer validates cfg and returns the function that opens the connection.
func dialer(cfg config.ClientConfig) (func() (coapConn, error), error) {
	addr, err := cfg.Address()
	if err != nil {
		return nil, err
	}
	transfer := cfg.TransferTimeout
	if transfer <= 0 {
		transfer = 5 * time.Second
	}
	bw := options.WithBlockwise(false, blockwise.SZX1024, transfer)

	switch cfg.Protocol {
	case "udp":
		return func() (coapConn, error) { return udp.Dial(addr, bw) }, nil
	case "tcp":
		return func() (coapConn, error) { return tcp.Dial(addr, bw) }, nil
	case "udp-dtls":
		dtlsConfig, err := createDTLSConfig(cfg.Security)
		if err != nil {
			return nil, fmt.Errorf("failed to create DTLS config: %w", err)
		}
		return func() (coapConn, error) { return coapDTLS.Dial(addr, dtlsConfig, bw) }, nil
	case "tcp-tls":
		tlsConfig, err := createTLSConfig(cfg.Security)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		return func() (coapConn, error) { return tcp.Dial(addr, options.WithTLS(tlsConfig), bw) }, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", cfg.Protocol)
	}
}

func createDTLSConfig(security config.SecurityConfig) (*dtls.Config, error) {
	dtlsConfig := &dtls.Config{}

	switch security.Mode {
	case "psk":
		if security.PSKKey == "" || security.PSKIdentity == "" {
			return nil, fmt.Errorf("PSK mode requires both psk_key and psk_identity")
		}
		key := []byte(security.PSKKey)
		dtlsConfig.PSK = func(hint []byte) ([]byte, error) {
			return key, nil
		}
		dtlsConfig.PSKIdentityHint = []byte(security.PSKIdentity)
		dtlsConfig.CipherSuites = []dtls.CipherSuiteID{
			dtls.TLS_PSK_WITH_AES_128_CCM,
			dtls.TLS_PSK_WITH_AES_128_CCM_8,
			dtls.TLS_PSK_WITH_AES_256_CCM_8,
		}

	case "certificate":
		cert, pool, err := loadCertificates(security)
		if err != nil {
			return nil, err
		}
		dtlsConfig.Certificates = []tls.Certificate{cert}
		dtlsConfig.RootCAs = pool
		dtlsConfig.InsecureSkipVerify = security.InsecureSkip

	default:
		return nil, fmt.Errorf("unsupported security mode for DTLS: %s", security.Mode)
	}

	return dtlsConfig, nil
}

func createTLSConfig(security config.SecurityConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: security.InsecureSkip,
	}

	switch security.Mode {
	case "certificate":
		cert, pool, err := loadCertificates(security)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		tlsConfig.RootCAs = pool

	case "none", "":

	default:
		return nil, fmt.Errorf("unsupported security mode for TCP-TLS: %s (use 'certificate' or 'none')", security.Mode)
	}

	return tlsConfig, nil
}

// loadCertificates reads the key pair and, when configured, the CA pool.
func loadCertificates(security config.SecurityConfig) (tls.Certificate, *x509.CertPool, error) {
	if security.CertFile == "" || security.KeyFile == "" {
		return tls.Certificate{}, nil, fmt.Errorf("certificate mode requires both cert_file and key_file")
	}

	cert, err := tls.LoadX509KeyPair(security.CertFile, security.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to load certificate pair: %w", err)
	}
	if security.CACertFile == "" {
		return cert, nil, nil
	}

	caCertPEM, err := os.ReadFile(security.CACertFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("failed to parse CA certificate")
	}
	return cert, pool, nil
}
