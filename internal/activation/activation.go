// Package activation provides the webhook listener, preferring a socket
// handed over by systemd socket activation.
package activation

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
)

// listenFDsStart is the first passed file descriptor (after stdio)
var listenFDsStart = 3

// Listeners returns the systemd-activated listeners, or nil when the
// process was not socket activated
func Listeners() ([]net.Listener, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	listeners := make([]net.Listener, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := listenFDsStart + i
		file := os.NewFile(uintptr(fd), fmt.Sprintf("systemd-socket-%d", i))
		if file == nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		// FileListener dups the descriptor
		listener, err := net.FileListener(file)
		_ = file.Close()
		if err != nil {
			closeAll(listeners)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	// child processes must not inherit the activation
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// Listen returns the first socket-activated listener, falling back to a
// TCP listener on addr. Additional activated sockets are closed.
func Listen(addr string, logger *slog.Logger) (net.Listener, error) {
	listeners, err := Listeners()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if len(listeners) > 0 {
		if len(listeners) > 1 {
			logger.Warn("multiple activated sockets, using the first", "count", len(listeners))
			closeAll(listeners[1:])
		}
		logger.Info("using systemd socket activation", "addr", listeners[0].Addr().String())
		return listeners[0], nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

func closeAll(listeners []net.Listener) {
	for _, l := range listeners {
		_ = l.Close()
	}
}
