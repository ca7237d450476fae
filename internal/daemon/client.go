package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
)

// SendCommand connects to the daemon, sends one request line and returns
// the response without its trailing newline. Cancelling ctx aborts the
// exchange.
func SendCommand(ctx context.Context, socketPath, line string) (string, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to send request to daemon: %w", err)
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("failed to read response from daemon: %w", err)
	}
	return strings.TrimSuffix(string(data), "\n"), nil
}
