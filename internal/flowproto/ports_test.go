package flowproto

import "testing"

func TestWellKnownPortBoundary(t *testing.T) {
	if !IsWellKnownPort(1023) {
		t.Error("expected 1023 to be well-known")
	}
	if IsWellKnownPort(1024) {
		t.Error("expected 1024 to not be well-known")
	}
}

func TestEphemeralPortBoundary(t *testing.T) {
	if !IsEphemeralPort(32768) {
		t.Error("expected 32768 to be ephemeral")
	}
	if IsEphemeralPort(32767) {
		t.Error("expected 32767 to not be ephemeral")
	}
}

func TestPortCategoryTables(t *testing.T) {
	cases := []struct {
		port uint16
		fn   func(uint16) bool
	}{
		{5432, HasDBPort},
		{3306, HasDBPort},
		{2049, HasStoragePort},
		{443, HasWebPort},
		{22, HasSSHPort},
	}
	for _, c := range cases {
		if !c.fn(c.port) {
			t.Errorf("expected port %d to match its category", c.port)
		}
	}
	if HasDBPort(443) {
		t.Error("expected port 443 to not be a db port")
	}
}
