// Package protocol classifies the first application bytes of a freshly
// dispatched connection and resolves the loopback upstream that matching
// traffic should be bridged to.
package protocol

import (
	"fmt"

	"github.com/multiflowproxy/multiflow/internal/config"
)

// Kind tags the recognized upstream protocols. It replaces the deep
// Connection -> ConnectionType -> {SSH,OpenVPN,V2Ray}ConnectionType
// inheritance chain of the original implementation with a plain enum plus
// two pure functions.
type Kind int

const (
	Unknown Kind = iota
	SSH
	OpenVPN
	V2Ray
)

func (k Kind) String() string {
	switch k {
	case SSH:
		return "ssh"
	case OpenVPN:
		return "openvpn"
	case V2Ray:
		return "v2ray"
	default:
		return "unknown"
	}
}

// sshPrefix is the ASCII identification string every SSH server sends first.
var sshPrefix = []byte("SSH-")

// Classify inspects up to the first 16 bytes read from a client and returns
// the protocol it most likely speaks. It is a pure function: it never
// mutates buf and never blocks.
//
// Detection order matches the original source's fall-through behavior:
// SSH is checked first, then OpenVPN framing, then the V2Ray/VMess entropy
// heuristic. Anything that matches none of them classifies as Unknown, which
// callers must treat as SSH per spec (see Resolve and Config.SSHOnly).
func Classify(buf []byte) Kind {
	if hasPrefix(buf, sshPrefix) {
		return SSH
	}
	if isOpenVPN(buf) {
		return OpenVPN
	}
	if isV2Ray(buf) {
		return V2Ray
	}
	return Unknown
}

func hasPrefix(buf, prefix []byte) bool {
	if len(buf) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if buf[i] != b {
			return false
		}
	}
	return true
}

// isOpenVPN recognizes the P_CONTROL_HARD_RESET_* opcode nibbles used by
// OpenVPN's UDP framing, plus the two-byte length prefix OpenVPN uses when
// tunneled over TCP.
func isOpenVPN(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	first := buf[0] & 0xF0
	if first == 0x20 || first == 0x30 {
		return true
	}
	if buf[0] == 0x00 && buf[1] > 0x00 {
		return true
	}
	return false
}

// isV2Ray applies the best-effort VMess entropy heuristic documented in
// spec.md: encrypted VMess headers tend to have most of their high bits set,
// so more than half of the first 16 bytes having bit 7 set is treated as a
// (probabilistic) signature. It also recognizes the plaintext 0x01 0x00
// handshake marker some V2Ray transports emit. This heuristic can
// misclassify raw TLS or OpenVPN traffic; --ssh-only exists specifically to
// bypass it when that risk is unacceptable.
func isV2Ray(buf []byte) bool {
	if len(buf) < 16 {
		return false
	}
	if buf[0] == 0x01 && buf[1] == 0x00 {
		return true
	}
	highBits := 0
	for _, b := range buf[:16] {
		if b&0x80 != 0 {
			highBits++
		}
	}
	return highBits > 8
}

// Resolve applies the ssh_only override to a raw classification: OpenVPN and
// V2Ray are only honored when SSHOnly is false, and Unknown always falls
// back to SSH, matching the "default to SSH" behavior of the source.
func Resolve(kind Kind, sshOnly bool) Kind {
	switch kind {
	case OpenVPN, V2Ray:
		if sshOnly {
			return SSH
		}
		return kind
	case SSH:
		return SSH
	default:
		return SSH
	}
}

// UpstreamOf returns the (host, port) pair a resolved Kind should dial,
// using the operator-configured host and per-protocol ports.
func UpstreamOf(kind Kind, cfg *config.Config) (string, int, error) {
	host := cfg.UpstreamHost
	switch kind {
	case SSH:
		return host, cfg.SSHPort, nil
	case OpenVPN:
		return host, cfg.OpenVPNPort, nil
	case V2Ray:
		return host, cfg.V2RayPort, nil
	default:
		return "", 0, fmt.Errorf("protocol: no upstream for kind %v", kind)
	}
}
