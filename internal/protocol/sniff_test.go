package protocol

import (
	"testing"

	"github.com/multiflowproxy/multiflow/internal/config"
)

func TestClassifySSHPrefix(t *testing.T) {
	got := Classify([]byte("SSH-2.0-OpenSSH_9.3\r\n"))
	if got != SSH {
		t.Fatalf("Classify(SSH banner) = %v, want SSH", got)
	}
}

func TestClassifyOpenVPNOpcode(t *testing.T) {
	cases := [][]byte{
		{0x38, 0x01, 0x02, 0x03},
		{0x28, 0x01, 0x02, 0x03},
	}
	for _, buf := range cases {
		if got := Classify(buf); got != OpenVPN {
			t.Fatalf("Classify(%x) = %v, want OpenVPN", buf, got)
		}
	}
}

func TestClassifyOpenVPNLengthPrefixed(t *testing.T) {
	buf := []byte{0x00, 0x0e, 0x01, 0x02}
	if got := Classify(buf); got != OpenVPN {
		t.Fatalf("Classify(%x) = %v, want OpenVPN", buf, got)
	}
}

func TestClassifyV2RayMarker(t *testing.T) {
	buf := make([]byte, 16)
	buf[0], buf[1] = 0x01, 0x00
	if got := Classify(buf); got != V2Ray {
		t.Fatalf("Classify(%x) = %v, want V2Ray", buf, got)
	}
}

func TestClassifyV2RayMarkerTooShortIsUnknown(t *testing.T) {
	buf := []byte{0x01, 0x00, 0x00, 0x00}
	if got := Classify(buf); got != Unknown {
		t.Fatalf("Classify(%x) = %v, want Unknown (below the 16-byte gate)", buf, got)
	}
	if got := Resolve(Classify(buf), false); got != SSH {
		t.Fatalf("Resolve(%x) = %v, want SSH fallback", buf, got)
	}
}

func TestClassifyV2RayHighBitMajority(t *testing.T) {
	buf := make([]byte, 16)
	for i := range buf {
		buf[i] = 0x80 | byte(i)
	}
	if got := Classify(buf); got != V2Ray {
		t.Fatalf("Classify(all high-bit bytes) = %v, want V2Ray", got)
	}
}

func TestClassifyShortBufferIsUnknown(t *testing.T) {
	if got := Classify([]byte{0x01}); got != Unknown {
		t.Fatalf("Classify(1 byte) = %v, want Unknown", got)
	}
	if got := Classify(nil); got != Unknown {
		t.Fatalf("Classify(nil) = %v, want Unknown", got)
	}
}

func TestResolveFallsBackToSSH(t *testing.T) {
	if got := Resolve(Unknown, false); got != SSH {
		t.Fatalf("Resolve(Unknown, false) = %v, want SSH", got)
	}
	if got := Resolve(OpenVPN, true); got != SSH {
		t.Fatalf("Resolve(OpenVPN, sshOnly=true) = %v, want SSH", got)
	}
	if got := Resolve(V2Ray, false); got != V2Ray {
		t.Fatalf("Resolve(V2Ray, sshOnly=false) = %v, want V2Ray", got)
	}
}

func TestUpstreamOfSelectsConfiguredPort(t *testing.T) {
	cfg := config.Defaults()
	cfg.UpstreamHost = "10.0.0.5"

	host, port, err := UpstreamOf(SSH, cfg)
	if err != nil {
		t.Fatalf("UpstreamOf(SSH) error: %v", err)
	}
	if host != "10.0.0.5" || port != cfg.SSHPort {
		t.Fatalf("UpstreamOf(SSH) = %s:%d, want %s:%d", host, port, "10.0.0.5", cfg.SSHPort)
	}

	if _, _, err := UpstreamOf(Unknown, cfg); err == nil {
		t.Fatalf("UpstreamOf(Unknown) should error")
	}
}

func FuzzClassify(f *testing.F) {
	f.Add([]byte("SSH-2.0-libssh\r\n"))
	f.Add([]byte{0x38, 0x00, 0x00, 0x00})
	f.Add([]byte{0x01, 0x00})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		kind := Classify(data)
		switch kind {
		case Unknown, SSH, OpenVPN, V2Ray:
		default:
			t.Fatalf("Classify returned invalid kind %v for input %x", kind, data)
		}
		resolved := Resolve(kind, false)
		if resolved != SSH && resolved != OpenVPN && resolved != V2Ray {
			t.Fatalf("Resolve returned invalid kind %v", resolved)
		}
	})
}
