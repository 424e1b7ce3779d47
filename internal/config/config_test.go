package config

import "testing"

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults() should validate cleanly: %v", err)
	}
}

func TestValidatePortBounds(t *testing.T) {
	for _, port := range []int{0, -1, 65536, 70000} {
		c := Defaults()
		c.Port = port
		if err := c.Validate(); err == nil {
			t.Fatalf("port %d should be invalid", port)
		}
	}
}

func TestValidateRejectsNonPositiveWorkersAndBuffer(t *testing.T) {
	c := Defaults()
	c.Workers = 0
	if err := c.Validate(); err == nil {
		t.Fatalf("workers=0 should be invalid")
	}

	c = Defaults()
	c.BufferSize = -1
	if err := c.Validate(); err == nil {
		t.Fatalf("negative buffer size should be invalid")
	}
}

func TestValidateStreamIDMode(t *testing.T) {
	c := Defaults()
	c.StreamIDMode = "cuid"
	if err := c.Validate(); err != nil {
		t.Fatalf("cuid should be a valid stream id mode: %v", err)
	}

	c.StreamIDMode = "snowflake"
	if err := c.Validate(); err == nil {
		t.Fatalf("unsupported stream id mode should be invalid")
	}
}

func TestValidateSSHOnlySkipsOtherPorts(t *testing.T) {
	c := Defaults()
	c.SSHOnly = true
	c.OpenVPNPort = 0
	c.V2RayPort = 0
	if err := c.Validate(); err != nil {
		t.Fatalf("ssh-only should not require openvpn/v2ray ports: %v", err)
	}
}

func TestValidateRequiresTokenWhenValidateOnly(t *testing.T) {
	c := Defaults()
	c.ValidateOnly = true
	if err := c.Validate(); err == nil {
		t.Fatalf("--validate without --token should be invalid")
	}
	c.Token = "abc"
	if err := c.Validate(); err != nil {
		t.Fatalf("--validate with --token should be valid: %v", err)
	}
}

func TestValidateRejectsEmptyUpstreamHost(t *testing.T) {
	c := Defaults()
	c.UpstreamHost = "  "
	if err := c.Validate(); err == nil {
		t.Fatalf("blank upstream host should be invalid")
	}
}
