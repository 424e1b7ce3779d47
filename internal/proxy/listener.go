package proxy

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/multiflowproxy/multiflow/internal/proxyerr"
)

// raiseFileDescriptorLimit sets RLIMIT_NOFILE's soft limit to target,
// capped at the hard limit. Go's net package never does this on its own,
// so this is the one place the socket layer reaches below net into x/sys:
// no higher-level library in the pack exposes RLIMIT_NOFILE control.
// Failure is fatal per spec.md section 4.1.
func raiseFileDescriptorLimit(target uint64) error {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return proxyerr.NewSocketError("getrlimit", err)
	}
	want := target
	if limit.Max > 0 && want > limit.Max {
		want = limit.Max
	}
	if limit.Cur >= want {
		return nil
	}
	limit.Cur = want
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return proxyerr.NewSocketError("setrlimit", fmt.Errorf("raise soft limit to %d: %w", want, err))
	}
	return nil
}

// listenTCP binds and listens on the given port. Go's TCP listener always
// sets SO_REUSEADDR and uses the OS-maximum backlog, matching spec.md 4.1
// without any extra plumbing.
func listenTCP(port int) (*net.TCPListener, error) {
	addr := &net.TCPAddr{Port: port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, proxyerr.NewSocketError("listen", err)
	}
	return ln, nil
}
