package tlsshim

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

func generateSelfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestHandshakeBlocking(t *testing.T) {
	cert := generateSelfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true}

	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()

	shim := New(serverRaw, serverCfg, true)
	clientDone := make(chan error, 1)
	go func() {
		c := tls.Client(clientRaw, clientCfg)
		clientDone <- c.Handshake()
	}()

	done, err := shim.Handshake()
	if err != nil || !done {
		t.Fatalf("server handshake: done=%v err=%v", done, err)
	}
	if err := <-clientDone; err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	info := shim.ConnectionState()
	if !info.Enabled {
		t.Fatal("ConnectionState reports TLS disabled after handshake")
	}
	if info.Version == 0 {
		t.Fatal("ConnectionState did not report a negotiated version")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	cert := generateSelfSignedCert(t)
	serverCfg := &tls.Config{Certificates: []tls.Certificate{cert}}
	clientCfg := &tls.Config{InsecureSkipVerify: true}

	serverRaw, clientRaw := net.Pipe()
	defer serverRaw.Close()
	defer clientRaw.Close()

	shim := New(serverRaw, serverCfg, true)
	client := tls.Client(clientRaw, clientCfg)

	go client.Handshake()
	if done, err := shim.Handshake(); err != nil || !done {
		t.Fatalf("server handshake: done=%v err=%v", done, err)
	}

	go client.Write([]byte("hello"))
	buf := make([]byte, 5)
	n, err := shim.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("Read = %q, want hello", buf[:n])
	}

	readDone := make(chan []byte, 1)
	go func() {
		b := make([]byte, 2)
		client.Read(b)
		readDone <- b
	}()
	if _, err := shim.Write([]byte("ok")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := <-readDone; string(got) != "ok" {
		t.Fatalf("client read = %q, want ok", got)
	}
}
