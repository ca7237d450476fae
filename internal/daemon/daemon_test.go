package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.olrik.dev/wicman/internal/core"
	"go.olrik.dev/wicman/internal/credential"
	"go.olrik.dev/wicman/internal/db"
	"go.olrik.dev/wicman/internal/scan"
	"go.olrik.dev/wicman/internal/testutil/fakesys"
)

// quietLogger suppresses log output for the duration of a test.
func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

const scanOutput = `wlan-test0  Scan completed :
          Cell 01 - Address: 00:11:22:33:44:55
                    Quality=56/70  Signal level=-54 dBm
                    Encryption key:on
                    ESSID:"HomeNet"
                    IE: IEEE 802.11i/WPA2 Version 1
          Cell 02 - Address: 66:77:88:99:AA:BB
                    Quality=35/70  Signal level=-75 dBm
                    Encryption key:off
                    ESSID:"CoffeeShop"
`

type countingKiller struct {
	mu    sync.Mutex
	calls int
}

func (k *countingKiller) TerminateBound(context.Context, string, ...string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls++
	return 0, nil
}

type staticPinger map[string]time.Duration

func (p staticPinger) Ping(_ context.Context, host string) time.Duration { return p[host] }

type testDaemon struct {
	*Daemon
	runner *fakesys.Runner
	link   *fakesys.Link
	killer *countingKiller
}

func newTestDaemon(t *testing.T) *testDaemon {
	t.Helper()

	cfg := core.GetDefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "wicmand.hcl")
	cfg.Interface = "wlan-test0"
	cfg.SocketDir = shortTempDir(t)
	cfg.StorageDir = filepath.Join(t.TempDir(), "storage")
	cfg.InternetHost = "192.0.2.1"
	cfg.ConnectTimeout = 5 * time.Second

	runner := fakesys.NewRunner().On("iwlist", scanOutput, nil)
	link := fakesys.NewLink()
	killer := &countingKiller{}

	d := newDaemon(cfg, Deps{
		Runner: runner,
		Link:   link,
		Killer: killer,
		Sequence: func(essid, confPath string) *exec.Cmd {
			return exec.Command("true")
		},
		Pinger:    staticPinger{"192.0.2.1": 12 * time.Millisecond, "192.168.1.1": 2 * time.Millisecond},
		Generator: credential.BuiltinGenerator{},
	})
	if err := d.store.EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	return &testDaemon{Daemon: d, runner: runner, link: link, killer: killer}
}

// sendRequest runs one request through handleConnection over net.Pipe and
// returns the raw response.
func sendRequest(t *testing.T, d *Daemon, line string) string {
	t.Helper()

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		d.handleConnection(context.Background(), server)
		close(done)
	}()

	if _, err := client.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	client.Close()
	<-done
	return string(resp)
}

func TestHandleConnection_List(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	resp := sendRequest(t, d.Daemon, "list")

	want := scan.Table(scan.Parse([]byte(scanOutput)))
	if strings.TrimRight(resp, "\n") != strings.TrimRight(want, "\n") {
		t.Errorf("list response = %q, want %q", resp, want)
	}
	if !strings.HasSuffix(resp, "\n") {
		t.Error("response should be newline terminated")
	}
}

func TestHandleConnection_Unsupported(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	if resp := sendRequest(t, d.Daemon, "zzz"); resp != "Your request is unsupported: zzz\n" {
		t.Errorf("unexpected response %q", resp)
	}
	if resp := sendRequest(t, d.Daemon, `zzz "abc`); resp != "Your request is unsupported: zzz \"abc\n" {
		t.Errorf("unknown verb with an open quote: got %q", resp)
	}
}

func TestHandleConnection_DisconnectIgnoresTrailingJunk(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	if resp := sendRequest(t, d.Daemon, `disc "`); resp != "Disconnected\n" {
		t.Errorf("disc with a stray quote: got %q", resp)
	}
}

func TestHandleConnection_ListInterfaceDown(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)
	d.link.UpErr = errors.New("interface does not exist")

	resp := sendRequest(t, d.Daemon, "list")
	if resp != "Error configuring interface wlan-test0: interface does not exist\n" {
		t.Errorf("list with the interface down: got %q", resp)
	}
	if n := d.runner.CallCount("iwlist"); n != 0 {
		t.Errorf("scan tool ran %d times, want 0", n)
	}
}

func TestHandleConnection_Malformed(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	resp := sendRequest(t, d.Daemon, `auto "HomeNet" "" high`)
	if !strings.HasPrefix(resp, "Malformed request: ") {
		t.Errorf("expected malformed request response, got %q", resp)
	}
}

func TestHandleConnection_DisconnectTwice(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	for i := 0; i < 2; i++ {
		if resp := sendRequest(t, d.Daemon, "disc"); resp != "Disconnected\n" {
			t.Fatalf("disc #%d: got %q", i+1, resp)
		}
	}
	if resp := sendRequest(t, d.Daemon, "state"); resp != "parked\n" {
		t.Errorf("expected parked state after disc, got %q", resp)
	}
	if resp := sendRequest(t, d.Daemon, "cname"); resp != "\n" {
		t.Errorf("expected empty cname, got %q", resp)
	}
}

func TestHandleConnection_ConnectNeedsPassphrase(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	if resp := sendRequest(t, d.Daemon, `conn "HomeNet" "" 0`); resp != "needpp\n" {
		t.Errorf("expected needpp, got %q", resp)
	}
	if d.link.UpCount() != 0 {
		t.Error("link should not be touched without a credential")
	}
	if d.killer.calls != 0 {
		t.Error("tools should not be touched without a credential")
	}
}

func TestHandleConnection_ConnectWithPassphrase(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)
	d.link.Gateway = net.ParseIP("192.168.1.1")

	resp := sendRequest(t, d.Daemon, FormatRequest(VerbConnect, "HomeNet", "correct horse", 0))
	if resp != "Connected to HomeNet\n" {
		t.Fatalf("unexpected connect response %q", resp)
	}
	if !d.store.Exists("HomeNet") {
		t.Error("expected credential to be stored before connecting")
	}

	if resp := sendRequest(t, d.Daemon, "cname"); resp != "HomeNet\n" {
		t.Errorf("cname = %q", resp)
	}
	if resp := sendRequest(t, d.Daemon, "state"); resp != "connected\n" {
		t.Errorf("state = %q", resp)
	}

	health := sendRequest(t, d.Daemon, "health")
	if !strings.Contains(health, "Gateway 192.168.1.1: 2.0 ms") {
		t.Errorf("health should report the gateway, got %q", health)
	}
	if !strings.Contains(health, "Internet (192.0.2.1): 12.0 ms") {
		t.Errorf("health should report the internet host, got %q", health)
	}

	// A stored credential is reused without a passphrase.
	if resp := sendRequest(t, d.Daemon, `conn "HomeNet" "" 0`); resp != "Connected to HomeNet\n" {
		t.Errorf("reconnect response %q", resp)
	}
}

func TestHandleConnection_ConnectClearsParked(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	sendRequest(t, d.Daemon, "disc")
	sendRequest(t, d.Daemon, `conn "Unknown" "" 0`)

	if resp := sendRequest(t, d.Daemon, "state"); resp != "idle\n" {
		t.Errorf("expected idle after a conn request, got %q", resp)
	}
}

func TestHandleConnection_ConnectBadPassphrase(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	resp := sendRequest(t, d.Daemon, `conn "HomeNet" "short" 0`)
	if !strings.HasPrefix(resp, "Error generating configuration for ESSID HomeNet") {
		t.Errorf("expected credential error, got %q", resp)
	}
}

func TestHandleConnection_Configure(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	if resp := sendRequest(t, d.Daemon, `conf "HomeNet" "" 0`); resp != "needpp\n" {
		t.Errorf("expected needpp for empty passphrase, got %q", resp)
	}
	if resp := sendRequest(t, d.Daemon, `conf "HomeNet" "correct horse" 0`); resp != "Configuration ok\n" {
		t.Errorf("unexpected conf response %q", resp)
	}

	data, err := os.ReadFile(d.store.Path("HomeNet"))
	if err != nil {
		t.Fatalf("reading credential: %v", err)
	}
	if strings.Contains(string(data), "correct horse") {
		t.Error("safe mode should strip the plaintext passphrase")
	}
}

func TestHandleConnection_Autoconnect(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	if resp := sendRequest(t, d.Daemon, `conn "" "" 0`); resp != "Unable to autoconnect: no networks are configured to autoconnect!\n" {
		t.Errorf("unexpected response with empty registry: %q", resp)
	}

	if resp := sendRequest(t, d.Daemon, `auto "Elsewhere" "" 50`); resp != "Configured to autoconnect to Elsewhere with priority 50\n" {
		t.Errorf("unexpected auto response %q", resp)
	}
	if resp := sendRequest(t, d.Daemon, `conn "" "" 0`); resp != "Unable to autoconnect: no configured nets available!\n" {
		t.Errorf("unexpected response without visible candidates: %q", resp)
	}

	sendRequest(t, d.Daemon, `auto "HomeNet" "" 10`)
	if resp := sendRequest(t, d.Daemon, `conn "" "" 0`); resp != "Unable to autoconnect to HomeNet: no stored configuration\n" {
		t.Errorf("unexpected response without credential: %q", resp)
	}

	sendRequest(t, d.Daemon, `conf "HomeNet" "correct horse" 0`)
	if resp := sendRequest(t, d.Daemon, `conn "" "" 0`); resp != "Connected to HomeNet\n" {
		t.Errorf("unexpected autoconnect response %q", resp)
	}

	if resp := sendRequest(t, d.Daemon, `xauto "Elsewhere" "" 0`); resp != "Configured to avoid autoconnect to Elsewhere\n" {
		t.Errorf("unexpected xauto response %q", resp)
	}
}

func TestHandleConnection_Show(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	history, err := db.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { history.Close() })
	d.history = history
	d.conn.SetEventLogger(history)
	if err := history.LogDaemonEvent("start", "test"); err != nil {
		t.Fatalf("log start: %v", err)
	}

	sendRequest(t, d.Daemon, `auto "HomeNet" "" 10`)
	sendRequest(t, d.Daemon, `conn "HomeNet" "correct horse" 0`)

	resp := sendRequest(t, d.Daemon, "show")
	for _, want := range []string{
		"Connected to HomeNet",
		"Gateway: unknown (not connected)",
		"Internet (192.0.2.1): 12.0 ms",
		"The following networks will be attempted by autoconnect:",
		"10\t\tHomeNet",
		"Recent events:",
		"connect\tHomeNet",
		"wicmand started ",
	} {
		if !strings.Contains(resp, want) {
			t.Errorf("show output missing %q:\n%s", want, resp)
		}
	}
}

func TestHandleConnection_ShowNotConnected(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	resp := sendRequest(t, d.Daemon, "show")
	if !strings.HasPrefix(resp, "Not connected\n") {
		t.Errorf("unexpected show output %q", resp)
	}
	if !strings.Contains(resp, "No networks configured for autoconnect") {
		t.Errorf("show output should include the empty autoconnect list: %q", resp)
	}
}

func TestHandleConnection_PanicRecovered(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)
	d.scans = nil

	if resp := sendRequest(t, d.Daemon, "list"); resp != "Internal error while processing request\n" {
		t.Errorf("expected internal error, got %q", resp)
	}
	// The daemon keeps answering afterwards.
	if resp := sendRequest(t, d.Daemon, "zzz"); resp != "Your request is unsupported: zzz\n" {
		t.Errorf("unexpected response after panic %q", resp)
	}
}

func TestHandleConnection_EmptyRequest(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		d.handleConnection(context.Background(), server)
		close(done)
	}()
	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleConnection did not return after client closed")
	}
}

func TestReload(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	content := `
interface      = "wlan-test0"
socket_dir     = "` + d.cfg.SocketDir + `"
storage_dir    = "` + d.cfg.StorageDir + `"
cache_validity = 5
internet_host  = "198.51.100.7"
safe_mode      = false
`
	if err := os.WriteFile(d.cfg.Path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if resp := sendRequest(t, d.Daemon, "reload"); resp != "Configuration reloaded\n" {
		t.Fatalf("unexpected reload response %q", resp)
	}
	if got := d.monitor.InternetHost(); got != "198.51.100.7" {
		t.Errorf("internet host = %q after reload", got)
	}
	if d.cfg.CacheValidity != 5*time.Second {
		t.Errorf("cache validity = %v after reload", d.cfg.CacheValidity)
	}
}

func TestReload_KeepsConfigOnError(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	if err := os.WriteFile(d.cfg.Path, []byte("interface = \n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	resp := sendRequest(t, d.Daemon, "reload")
	if !strings.HasPrefix(resp, "configuration error") {
		t.Errorf("expected configuration error, got %q", resp)
	}
	if got := d.monitor.InternetHost(); got != "192.0.2.1" {
		t.Errorf("internet host changed to %q after failed reload", got)
	}
}

func TestServe(t *testing.T) {
	quietLogger(t)
	d := newTestDaemon(t)

	listener, err := Listen(d.cfg.SocketPath())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- d.Serve(ctx, listener) }()

	resp, err := SendCommand(context.Background(), d.cfg.SocketPath(), "state")
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp != "idle" {
		t.Errorf("state = %q", resp)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestCredentialResponse(t *testing.T) {
	quietLogger(t)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"missing", credential.ErrMissing, NeedPassphrase},
		{"wrapped missing", fmt.Errorf("generate: %w", credential.ErrMissing), NeedPassphrase},
		{"other", errors.New("passphrase must be 8..63 characters"), "passphrase must be 8..63 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := credentialResponse("HomeNet", tt.err); got != tt.want {
				t.Errorf("credentialResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}
