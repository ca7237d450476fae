package cmd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.olrik.dev/wicman/internal/daemon"
)

func parseRequest(t *testing.T, argv ...string) (request, error) {
	t.Helper()

	root, opts := newRootCommand()
	if err := root.ParseFlags(argv); err != nil {
		t.Fatalf("ParseFlags(%q): %v", argv, err)
	}
	if err := root.ValidateFlagGroups(); err != nil {
		return request{}, err
	}
	return resolveRequest(root, opts, root.Flags().Args())
}

func TestResolveRequest(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		want request
	}{
		{"list", []string{"-l"}, request{verb: daemon.VerbList}},
		{"configure", []string{"-g", "my net", "-p", "secret"}, request{verb: daemon.VerbConfigure, essid: "my net", passphrase: "secret"}},
		{"configure with inline passphrase", []string{"-g", "my net", "-p=secret"}, request{verb: daemon.VerbConfigure, essid: "my net", passphrase: "secret"}},
		{"configure prompts", []string{"-g", "my net", "-p"}, request{verb: daemon.VerbConfigure, essid: "my net", prompt: true}},
		{"connect to essid", []string{"-c", "my net"}, request{verb: daemon.VerbConnect, essid: "my net"}},
		{"connect inline essid", []string{"-c=my net"}, request{verb: daemon.VerbConnect, essid: "my net"}},
		{"autoconnect", []string{"-c"}, request{verb: daemon.VerbConnect}},
		{"connect with passphrase", []string{"-c", "HomeNet", "-p", "secret"}, request{verb: daemon.VerbConnect, essid: "HomeNet", passphrase: "secret"}},
		{"add autoconnect", []string{"-a", "HomeNet", "-r", "99"}, request{verb: daemon.VerbAddAuto, essid: "HomeNet", priority: 99}},
		{"add autoconnect default priority", []string{"-a", "HomeNet"}, request{verb: daemon.VerbAddAuto, essid: "HomeNet"}},
		{"drop autoconnect", []string{"-x", "HomeNet"}, request{verb: daemon.VerbDropAuto, essid: "HomeNet"}},
		{"disconnect", []string{"-d"}, request{verb: daemon.VerbDisconnect}},
		{"show", []string{"-s"}, request{verb: daemon.VerbShow}},
		{"health", []string{"-H"}, request{verb: daemon.VerbHealth}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRequest(t, tt.argv...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("resolveRequest(%q) = %+v, want %+v", tt.argv, got, tt.want)
			}
		})
	}
}

func TestResolveRequest_Errors(t *testing.T) {
	tests := []struct {
		name    string
		argv    []string
		wantErr string
	}{
		{"no command", nil, "You must specify one command"},
		{"passphrase without -g or -c", []string{"-l", "-p", "x"}, "-p should only be used after -g or -c"},
		{"priority without -a", []string{"-x", "HomeNet", "-r", "3"}, "-r should only be used with -a"},
		{"two commands", []string{"-l", "-s"}, "if any flags in the group"},
		{"remember without -g or -c", []string{"-s", "--remember"}, "--remember should only be used"},
		{"stray argument", []string{"-l", "extra"}, "unexpected argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRequest(t, tt.argv...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

// fakeDaemon answers needpp until it receives the expected passphrase.
type fakeDaemon struct {
	want     string
	requests []string
	answer   string
	err      error
}

func (f *fakeDaemon) send(_ context.Context, _ string, line string) (string, error) {
	f.requests = append(f.requests, line)
	if f.err != nil {
		return "", f.err
	}
	if f.want != "" && !strings.Contains(line, `"`+f.want+`"`) {
		return daemon.NeedPassphrase, nil
	}
	return f.answer, nil
}

func newTestClient(d *fakeDaemon, remembered map[string]string, prompts ...string) (*client, *[]string) {
	var stored []string
	c := &client{
		socketPath: "/nonexistent/wicmand.socket",
		send:       d.send,
		prompt: func(string) (string, error) {
			if len(prompts) == 0 {
				return "", errors.New("no more input")
			}
			p := prompts[0]
			prompts = prompts[1:]
			return p, nil
		},
		lookup: func(essid string) (string, error) { return remembered[essid], nil },
		store: func(essid, passphrase string) error {
			stored = append(stored, essid+"="+passphrase)
			return nil
		},
	}
	c.confirm = c.prompt
	return c, &stored
}

func TestClient_PromptsOnNeedPassphrase(t *testing.T) {
	d := &fakeDaemon{want: "secret", answer: "Connected to HomeNet"}
	c, _ := newTestClient(d, nil, "secret")

	resp, err := c.do(context.Background(), request{verb: daemon.VerbConnect, essid: "HomeNet"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp != "Connected to HomeNet" {
		t.Errorf("response = %q", resp)
	}
	if len(d.requests) != 2 {
		t.Fatalf("expected 2 requests, got %q", d.requests)
	}
	if d.requests[1] != `conn "HomeNet" "secret" 0` {
		t.Errorf("resent request = %q", d.requests[1])
	}
}

func TestClient_UsesRememberedPassphrase(t *testing.T) {
	d := &fakeDaemon{want: "kept", answer: "Connected to HomeNet"}
	c, _ := newTestClient(d, map[string]string{"HomeNet": "kept"})

	resp, err := c.do(context.Background(), request{verb: daemon.VerbConnect, essid: "HomeNet"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp != "Connected to HomeNet" {
		t.Errorf("response = %q", resp)
	}
}

func TestClient_WrongRememberedFallsBackToPrompt(t *testing.T) {
	d := &fakeDaemon{want: "right", answer: "Configuration ok"}
	c, _ := newTestClient(d, map[string]string{"HomeNet": "stale"}, "right")

	resp, err := c.do(context.Background(), request{verb: daemon.VerbConfigure, essid: "HomeNet"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp != "Configuration ok" || len(d.requests) != 3 {
		t.Errorf("response = %q after %d requests", resp, len(d.requests))
	}
}

func TestClient_RemembersOnSuccess(t *testing.T) {
	d := &fakeDaemon{want: "secret", answer: "Connected to HomeNet"}
	c, stored := newTestClient(d, nil)
	c.remember = true

	if _, err := c.do(context.Background(), request{verb: daemon.VerbConnect, essid: "HomeNet", passphrase: "secret"}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(*stored) != 1 || (*stored)[0] != "HomeNet=secret" {
		t.Errorf("stored = %q", *stored)
	}
}

func TestClient_DoesNotRememberFailures(t *testing.T) {
	d := &fakeDaemon{want: "secret", answer: "Unable to connect after 20 seconds, giving up!"}
	c, stored := newTestClient(d, nil)
	c.remember = true

	if _, err := c.do(context.Background(), request{verb: daemon.VerbConnect, essid: "HomeNet", passphrase: "secret"}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if len(*stored) != 0 {
		t.Errorf("failed connect should not be remembered, stored %q", *stored)
	}
}

func TestClient_EmptyPromptGivesUp(t *testing.T) {
	d := &fakeDaemon{want: "secret"}
	c, _ := newTestClient(d, nil, "")

	if _, err := c.do(context.Background(), request{verb: daemon.VerbConnect, essid: "HomeNet"}); err == nil {
		t.Error("expected error when no passphrase is entered")
	}
}

func TestClient_DaemonUnavailable(t *testing.T) {
	d := &fakeDaemon{err: errors.New("connect: no such file or directory")}
	c, _ := newTestClient(d, nil)

	_, err := c.do(context.Background(), request{verb: daemon.VerbList})
	if err == nil || !strings.HasPrefix(err.Error(), "Unable to open communication with wicmand daemon.") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestClient_PromptBeforeSending(t *testing.T) {
	d := &fakeDaemon{want: "typed", answer: "Configuration ok"}
	c, _ := newTestClient(d, nil, "typed")

	resp, err := c.do(context.Background(), request{verb: daemon.VerbConfigure, essid: "HomeNet", prompt: true})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if resp != "Configuration ok" || len(d.requests) != 1 {
		t.Errorf("response = %q after %d requests", resp, len(d.requests))
	}
}
