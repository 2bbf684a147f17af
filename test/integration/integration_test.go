// Package integration exercises the whole tunnel: a real server, a real
// client, and SOCKS5 users going through golang.org/x/net/proxy.
package integration

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/proxy"

	"github.com/zcproxy/zcproxy/internal/client"
	"github.com/zcproxy/zcproxy/internal/config"
	"github.com/zcproxy/zcproxy/internal/metrics"
	"github.com/zcproxy/zcproxy/internal/server"
	"github.com/zcproxy/zcproxy/pkg/logger"
)

const password = "11111"

// startTunnel brings up a server and a connected client and returns the
// SOCKS5 address and the client key.
func startTunnel(t *testing.T) (socksAddr, clientKey string) {
	t.Helper()

	srvCfg := config.DefaultServerConfig()
	srvCfg.Server.Bind = "127.0.0.1"
	srvCfg.Server.Port = 0
	srvCfg.Config.Socks.Bind = "127.0.0.1"
	srvCfg.Config.Socks.Port = 0
	srvCfg.Config.Socks.Password = password

	srv := server.New(srvCfg, logger.Nop(), metrics.NewCollector())
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.TunnelAddr() == nil || srv.SocksAddr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server listeners never came up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cliCfg := config.DefaultClientConfig()
	cliCfg.Server.Host = "127.0.0.1"
	cliCfg.Server.Port = srv.TunnelAddr().(*net.TCPAddr).Port
	cliCfg.Client.Key = "ZC-itest"
	cliCfg.Reconnect.InitialDelay = 10 * time.Millisecond
	cliCfg.Reconnect.MaxDelay = 50 * time.Millisecond

	cli := client.New(cliCfg, logger.Nop(), metrics.NewCollector())
	go cli.Run(ctx)

	return srv.SocksAddr().String(), cli.Key()
}

// socksDialer builds a dialer that goes through the SOCKS5 front end with
// the given credentials.
func socksDialer(t *testing.T, socksAddr, user, pass string) proxy.ContextDialer {
	t.Helper()
	dialer, err := proxy.SOCKS5("tcp", socksAddr, &proxy.Auth{User: user, Password: pass}, proxy.Direct)
	if err != nil {
		t.Fatalf("socks dialer: %v", err)
	}
	return dialer.(proxy.ContextDialer)
}

// socksClient builds an HTTP client whose transport dials through the
// SOCKS5 front end with the given credentials.
func socksClient(t *testing.T, socksAddr, user, pass string) *http.Client {
	t.Helper()
	cd := socksDialer(t, socksAddr, user, pass)
	return &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext:       cd.DialContext,
			DisableKeepAlives: true,
		},
	}
}

// get fetches url through the proxy, retrying while the control channel is
// still coming up.
func get(t *testing.T, httpc *http.Client, url string) (string, error) {
	t.Helper()
	var lastErr error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := httpc.Get(url)
		if err == nil {
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return "", err
			}
			return string(body), nil
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	return "", lastErr
}

func TestProxiedHTTPRequest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Hello from destination!"))
	}))
	defer dest.Close()

	socksAddr, key := startTunnel(t)
	httpc := socksClient(t, socksAddr, key, password)

	body, err := get(t, httpc, dest.URL)
	if err != nil {
		t.Fatalf("proxied request failed: %v", err)
	}
	if body != "Hello from destination!" {
		t.Errorf("body = %q", body)
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nope"))
	}))
	defer dest.Close()

	socksAddr, key := startTunnel(t)

	// Let the control channel register first, via a good-credential probe.
	good := socksClient(t, socksAddr, key, password)
	if _, err := get(t, good, dest.URL); err != nil {
		t.Fatalf("tunnel never became ready: %v", err)
	}

	bad := socksClient(t, socksAddr, key, "wrong")
	if _, err := bad.Get(dest.URL); err == nil {
		t.Error("request with wrong password should fail")
	}
}

func TestUnknownClientKeyRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("nope"))
	}))
	defer dest.Close()

	socksAddr, key := startTunnel(t)

	good := socksClient(t, socksAddr, key, password)
	if _, err := get(t, good, dest.URL); err != nil {
		t.Fatalf("tunnel never became ready: %v", err)
	}

	stranger := socksClient(t, socksAddr, "ZC-stranger", password)
	if _, err := stranger.Get(dest.URL); err == nil {
		t.Error("request with unknown client key should fail")
	}
}

// TestSlowReaderBackpressure streams a large payload at a user that drains
// it slowly. Blocking writes have to stall the whole relay chain rather
// than drop or reorder anything.
func TestSlowReaderBackpressure(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	const payloadSize = 4 << 20
	// 251 is coprime to every chunk size in the relay, so a swapped or
	// repeated frame shifts the pattern.
	pattern := func(i int) byte { return byte(i % 251) }

	dest, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen destination: %v", err)
	}
	defer dest.Close()
	go func() {
		conn, err := dest.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		chunk := make([]byte, 64*1024)
		for off := 0; off < payloadSize; off += len(chunk) {
			n := len(chunk)
			if payloadSize-off < n {
				n = payloadSize - off
			}
			for i := 0; i < n; i++ {
				chunk[i] = pattern(off + i)
			}
			if _, err := conn.Write(chunk[:n]); err != nil {
				return
			}
		}
	}()

	socksAddr, key := startTunnel(t)
	dialer := socksDialer(t, socksAddr, key, password)

	// Dial through the proxy, retrying while the control channel comes up.
	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err = dialer.DialContext(context.Background(), "tcp", dest.Addr().String())
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("tunnel never became ready: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	defer conn.Close()

	buf := make([]byte, 8*1024)
	total := 0
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		n, err := conn.Read(buf)
		for i := 0; i < n; i++ {
			if buf[i] != pattern(total+i) {
				t.Fatalf("byte %d = %#02x, want %#02x", total+i, buf[i], pattern(total+i))
			}
		}
		total += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read after %d bytes: %v", total, err)
		}
		// Drain slower than the destination writes.
		time.Sleep(time.Millisecond)
	}
	if total != payloadSize {
		t.Errorf("received %d bytes, want %d", total, payloadSize)
	}
}

func TestConcurrentFlows(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "echo:%s", r.URL.Path)
	}))
	defer dest.Close()

	socksAddr, key := startTunnel(t)
	httpc := socksClient(t, socksAddr, key, password)

	// Warm up so every worker sees an established control channel.
	if _, err := get(t, httpc, dest.URL+"/warm"); err != nil {
		t.Fatalf("tunnel never became ready: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			url := fmt.Sprintf("%s/flow/%d", dest.URL, i)
			body, err := get(t, httpc, url)
			if err != nil {
				errs <- fmt.Errorf("flow %d: %w", i, err)
				return
			}
			if want := fmt.Sprintf("echo:/flow/%d", i); body != want {
				errs <- fmt.Errorf("flow %d: body = %q, want %q", i, body, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
