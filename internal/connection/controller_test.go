package connection

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.olrik.dev/wicman/internal/credential"
	"go.olrik.dev/wicman/internal/supervise"
	"go.olrik.dev/wicman/internal/testutil/fakesys"
)

func quietLogger(t *testing.T) {
	t.Helper()
	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.Level(99)})))
	t.Cleanup(func() { slog.SetDefault(old) })
}

type fakeCreds map[string]bool

func (f fakeCreds) Exists(essid string) bool { return f[essid] }
func (f fakeCreds) Path(essid string) string { return "/var/lib/wicman/" + essid }

type fakeKiller struct {
	mu    sync.Mutex
	calls [][]string
}

func (k *fakeKiller) TerminateBound(_ context.Context, iface string, names ...string) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls = append(k.calls, append([]string{iface}, names...))
	return 0, nil
}

func (k *fakeKiller) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.calls)
}

type recordedEvent struct{ essid, eventType, details string }

type fakeEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeEvents) LogConnectionEvent(essid, eventType, details string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{essid, eventType, details})
	return nil
}

func shellSequence(script string, seen *[]string) SequenceFunc {
	return func(essid, confPath string) *exec.Cmd {
		if seen != nil {
			*seen = append(*seen, confPath)
		}
		return exec.Command("sh", "-c", script)
	}
}

func newTestController(t *testing.T, creds fakeCreds, seq SequenceFunc) (*Controller, *fakeKiller, *fakesys.Link) {
	t.Helper()
	quietLogger(t)
	killer := &fakeKiller{}
	link := fakesys.NewLink()
	opts := Options{
		Interface:  "wlan0",
		Timeout:    5 * time.Second,
		Supplicant: "/sbin/wpa_supplicant",
		DHCP:       "dhclient",
	}
	return NewController(opts, creds, link, killer, seq), killer, link
}

func TestConnect_NoCredential(t *testing.T) {
	started := false
	seq := func(string, string) *exec.Cmd {
		started = true
		return exec.Command("true")
	}
	c, killer, link := newTestController(t, fakeCreds{}, seq)

	msg, err := c.Connect(context.Background(), "Unknown")
	assert.ErrorIs(t, err, credential.ErrMissing)
	assert.Empty(t, msg)
	assert.False(t, started, "sequence must not run")
	assert.Zero(t, killer.count(), "no tool may be touched")
	assert.Zero(t, link.UpCount())
	assert.Equal(t, PhaseIdle, c.Phase())
}

func TestConnect_Success(t *testing.T) {
	var confs []string
	c, killer, link := newTestController(t, fakeCreds{"HomeNet": true}, shellSequence("exit 0", &confs))
	link.Gateway = net.ParseIP("192.168.1.1")
	events := &fakeEvents{}
	c.SetEventLogger(events)

	msg, err := c.Connect(context.Background(), "HomeNet")
	require.NoError(t, err)
	assert.Equal(t, "Connected to HomeNet", msg)
	assert.Equal(t, []string{"/var/lib/wicman/HomeNet"}, confs)

	state, ok := c.Current()
	require.True(t, ok)
	assert.Equal(t, "HomeNet", state.ESSID)
	assert.Equal(t, "192.168.1.1", state.Gateway.String())
	assert.Equal(t, PhaseConnected, c.Phase())

	// The previous link is torn down first, matching tool basenames.
	require.Equal(t, 1, killer.count())
	assert.Equal(t, []string{"wlan0", "wpa_supplicant", "dhclient"}, killer.calls[0])

	require.Len(t, events.events, 1)
	assert.Equal(t, recordedEvent{"HomeNet", "connect", "gateway 192.168.1.1"}, events.events[0])
}

func TestConnect_SuccessWithoutGateway(t *testing.T) {
	c, _, _ := newTestController(t, fakeCreds{"HomeNet": true}, shellSequence("exit 0", nil))

	_, err := c.Connect(context.Background(), "HomeNet")
	require.NoError(t, err)
	state, ok := c.Current()
	require.True(t, ok)
	assert.Nil(t, state.Gateway)
}

func TestConnect_Failure(t *testing.T) {
	c, _, _ := newTestController(t, fakeCreds{"HomeNet": true},
		shellSequence("echo 'supplicant failed: exit status 255' >&2; exit 1", nil))
	events := &fakeEvents{}
	c.SetEventLogger(events)

	msg, err := c.Connect(context.Background(), "HomeNet")
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "Unable to connect to HomeNet: supplicant failed: exit status 255", msg)
	assert.Equal(t, PhaseFailed, c.Phase())

	_, ok := c.Current()
	assert.False(t, ok)
	require.Len(t, events.events, 1)
	assert.Equal(t, "failure", events.events[0].eventType)
}

func TestConnect_Timeout(t *testing.T) {
	c, killer, _ := newTestController(t, fakeCreds{"HomeNet": true}, shellSequence("sleep 30; true", nil))
	c.SetTimeout(time.Second)

	start := time.Now()
	msg, err := c.Connect(context.Background(), "HomeNet")
	assert.ErrorIs(t, err, supervise.ErrTimeout)
	assert.Equal(t, "Unable to connect after 1 seconds, giving up!", msg)
	assert.Less(t, time.Since(start), 10*time.Second)

	_, ok := c.Current()
	assert.False(t, ok)
	assert.Equal(t, PhaseTimedOut, c.Phase())
	assert.Equal(t, 2, killer.count(), "tools are cleaned up after the timeout")
}

func TestDisconnect_Idempotent(t *testing.T) {
	c, killer, _ := newTestController(t, fakeCreds{"HomeNet": true}, shellSequence("exit 0", nil))
	events := &fakeEvents{}
	c.SetEventLogger(events)

	_, err := c.Connect(context.Background(), "HomeNet")
	require.NoError(t, err)

	assert.Equal(t, "Disconnected", c.Disconnect(context.Background()))
	assert.Equal(t, "Disconnected", c.Disconnect(context.Background()))

	_, ok := c.Current()
	assert.False(t, ok)
	assert.Equal(t, PhaseIdle, c.Phase())
	assert.Equal(t, 3, killer.count())

	// Only the real disconnect is recorded.
	require.Len(t, events.events, 2)
	assert.Equal(t, "disconnect", events.events[1].eventType)
}

func TestConnect_ReplacesPreviousNetwork(t *testing.T) {
	c, _, _ := newTestController(t, fakeCreds{"A": true, "B": true}, shellSequence("exit 0", nil))
	events := &fakeEvents{}
	c.SetEventLogger(events)

	_, err := c.Connect(context.Background(), "A")
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), "B")
	require.NoError(t, err)

	state, _ := c.Current()
	assert.Equal(t, "B", state.ESSID)

	var types []string
	for _, e := range events.events {
		types = append(types, e.essid+":"+e.eventType)
	}
	assert.Equal(t, []string{"A:connect", "A:disconnect", "B:connect"}, types)
}

func TestConnect_StartFailure(t *testing.T) {
	seq := func(string, string) *exec.Cmd { return exec.Command("/nonexistent/wicman") }
	c, _, _ := newTestController(t, fakeCreds{"HomeNet": true}, seq)

	msg, err := c.Connect(context.Background(), "HomeNet")
	require.Error(t, err)
	assert.Contains(t, msg, "Unable to connect to HomeNet: ")
	assert.False(t, errors.Is(err, credential.ErrMissing))
	assert.Equal(t, PhaseFailed, c.Phase())
}
