package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "nexus-ca",
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// mutualTLS returns one config per common name, all trusting the same CA.
func mutualTLS(t *testing.T, cns ...string) []*tls.Config {
	t.Helper()
	caKey := generateKeyPair(t)
	caDER := generateCa(t, caKey)
	ca, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	caPool := x509.NewCertPool()
	caPool.AddCert(ca)

	confs := make([]*tls.Config, 0, len(cns))
	for _, cn := range cns {
		key := generateKeyPair(t)
		der := generateLeaf(t, ca, caKey, key, cn)
		leaf, err := x509.ParseCertificate(der)
		require.NoError(t, err)

		confs = append(confs, &tls.Config{
			Certificates: []tls.Certificate{
				{
					Certificate: [][]byte{der},
					Leaf:        leaf,
					PrivateKey:  key,
				},
			},
			ClientAuth: tls.RequireAndVerifyClientCert,
			ClientCAs:  caPool,
			RootCAs:    caPool,
		})
	}
	return confs
}

func testLog(t *testing.T, emitter string) slog.Handler {
	t.Helper()
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// lookupSync posts a lookup and drives the context until its callback ran.
func lookupSync(t *testing.T, hctx Context, name string) LookupInfo {
	t.Helper()
	var (
		got  LookupInfo
		done bool
	)
	require.NoError(t, hctx.Lookup(name, func(info LookupInfo) error {
		got = info
		done = true
		return nil
	}))

	deadline := time.Now().Add(10 * time.Second)
	for !done {
		require.True(t, time.Now().Before(deadline), "lookup of %s never completed", name)
		for {
			n, err := hctx.Trigger(0, 1)
			if err != nil || n == 0 {
				break
			}
		}
		if done {
			break
		}
		err := hctx.Progress(100 * time.Millisecond)
		if err != nil {
			require.ErrorIs(t, err, ErrTimeout)
		}
	}
	return got
}

func TestURI(t *testing.T) {
	for _, raw := range []string{
		"quic://127.0.0.1:4000",
		"quic://[::1]:4000",
		"sm://4242/0",
		"inmem://some-name",
	} {
		uri, err := ParseURI(raw)
		require.NoError(t, err, raw)
		require.Equal(t, raw, uri.String())
	}

	uri, err := ParseURI("sm://4242/7")
	require.NoError(t, err)
	require.Equal(t, LocalURI(4242, 7), uri)
	require.Equal(t, NoPort, uri.Port)

	uri, err = ParseURI("quic://10.0.0.1:0")
	require.NoError(t, err)
	require.Equal(t, NetworkURI("quic", "10.0.0.1", 0), uri)
	require.Equal(t, "10.0.0.1:0", uri.HostPort())

	for _, raw := range []string{"", "127.0.0.1:4000", "quic://", "quic://127.0.0.1:99999"} {
		_, err := ParseURI(raw)
		require.ErrorIs(t, err, ErrInvalidURI, raw)
	}
}

func TestInitUnknownProtocol(t *testing.T) {
	_, err := Init("carrier-pigeon://somewhere", true)
	require.ErrorIs(t, err, ErrUnknownProtocol)

	_, err = Init("inmem://x", true, WithDialTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func TestQuicLookup(t *testing.T) {
	confs := mutualTLS(t, "server", "client")
	serverSink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	clientSink := metrics.NewInmemSink(time.Second, 5*time.Minute)

	server, err := Init(
		"quic://127.0.0.1:0", true,
		WithTlsConfig(confs[0]),
		WithMetricSink(serverSink),
		WithLog(testLog(t, "server")),
	)
	require.NoError(t, err)
	require.NotZero(t, server.URI().Port, "kernel assigned port must be reported")
	require.True(t, server.Listening())

	client, err := Init(
		"quic://127.0.0.1:0", false,
		WithTlsConfig(confs[1]),
		WithMetricSink(clientSink),
		WithLog(testLog(t, "client")),
	)
	require.NoError(t, err)
	require.False(t, client.Listening())

	hctx, err := client.CreateContext()
	require.NoError(t, err)

	info := lookupSync(t, hctx, server.URI().String())
	require.NoError(t, info.Err)
	require.Equal(t, server.URI(), info.Addr.URI())
	require.False(t, info.Addr.IsSelf())
	require.NotNil(t, info.Addr.(*quicAddr).Conn())
	require.Equal(t, 1, client.AddrCount())

	require.NoError(t, client.FreeAddr(info.Addr))
	require.ErrorIs(t, client.FreeAddr(info.Addr), ErrInvalidAddr)

	t.Run("nobody listening", func(t *testing.T) {
		free, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		target := NetworkURI("quic", "127.0.0.1", free.LocalAddr().(*net.UDPAddr).Port)
		free.Close()

		quick, err := Init(
			"quic://127.0.0.1:0", false,
			WithTlsConfig(confs[1]),
			WithDialTimeout(500*time.Millisecond),
			WithMetricSink(clientSink),
		)
		require.NoError(t, err)
		qctx, err := quick.CreateContext()
		require.NoError(t, err)

		info := lookupSync(t, qctx, target.String())
		require.Error(t, info.Err)
		require.Nil(t, info.Addr)

		require.NoError(t, qctx.Destroy())
		require.NoError(t, quick.Finalize())
	})

	require.NoError(t, hctx.Destroy())
	require.NoError(t, client.Finalize())
	require.NoError(t, server.Finalize())
}

func TestQuicSelfSigned(t *testing.T) {
	server, err := Init("quic://127.0.0.1:0", true, WithMetricSink(&metrics.BlackholeSink{}))
	require.NoError(t, err)
	client, err := Init("quic://127.0.0.1:0", false, WithMetricSink(&metrics.BlackholeSink{}))
	require.NoError(t, err)

	hctx, err := client.CreateContext()
	require.NoError(t, err)
	info := lookupSync(t, hctx, server.URI().String())
	require.NoError(t, info.Err)
	require.NoError(t, client.FreeAddr(info.Addr))

	require.NoError(t, hctx.Destroy())
	require.NoError(t, client.Finalize())
	require.NoError(t, server.Finalize())
}

func TestSmLookup(t *testing.T) {
	dir := t.TempDir()
	server, err := Init(LocalURI(4242, 0).String(), true, WithSocketDir(dir))
	require.NoError(t, err)
	client, err := Init(LocalURI(4242, 1).String(), true, WithSocketDir(dir))
	require.NoError(t, err)

	hctx, err := client.CreateContext()
	require.NoError(t, err)

	info := lookupSync(t, hctx, server.URI().String())
	require.NoError(t, info.Err)
	require.Equal(t, server.URI(), info.Addr.URI())
	require.NoError(t, client.FreeAddr(info.Addr))

	t.Run("unknown endpoint", func(t *testing.T) {
		info := lookupSync(t, hctx, LocalURI(4242, 9).String())
		require.ErrorIs(t, info.Err, ErrNoSuchEndpoint)
	})

	t.Run("peer answering under another name", func(t *testing.T) {
		impostor := LocalURI(4242, 5)
		require.NoError(t, os.Symlink(
			socketPath(dir, server.URI()),
			socketPath(dir, impostor),
		))
		info := lookupSync(t, hctx, impostor.String())
		require.ErrorIs(t, info.Err, ErrPeerMismatch)
	})

	require.NoError(t, hctx.Destroy())
	require.NoError(t, client.Finalize())
	require.NoError(t, server.Finalize())

	_, err = os.Stat(socketPath(dir, server.URI()))
	require.ErrorIs(t, err, os.ErrNotExist, "socket file must be removed on finalize")
}

func TestInmemAddrInUse(t *testing.T) {
	uri := NewInmemURI()
	first, err := Init(uri.String(), true)
	require.NoError(t, err)

	_, err = Init(uri.String(), true)
	require.ErrorIs(t, err, ErrAddrInUse)

	require.NoError(t, first.Finalize())
	again, err := Init(uri.String(), true)
	require.NoError(t, err)
	require.NoError(t, again.Finalize())
}
