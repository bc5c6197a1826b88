package version

import (
	"strings"
	"testing"
)

func TestCurrentDefaults(t *testing.T) {
	info := Current()
	if info.Service != "checkout-service" {
		t.Fatalf("unexpected service %q", info.Service)
	}
	if !info.Dev() || GetVersion() != "dev" {
		t.Fatalf("test binary must report dev build, got %+v", info)
	}
	if got := info.String(); !strings.HasPrefix(got, "checkout-service dev (commit unknown") {
		t.Fatalf("unexpected String(): %q", got)
	}
}

func TestBuildInfoFromLdflags(t *testing.T) {
	saved := [3]string{version, commit, date}
	t.Cleanup(func() { version, commit, date = saved[0], saved[1], saved[2] })
	version, commit, date = "v1.4.0", "9f3c2e1", "2026-03-01"

	info := Current()
	if info.Dev() {
		t.Fatal("release build must not be dev")
	}
	fields := info.Fields()
	for key, want := range map[string]string{"service": Service, "version": "v1.4.0", "commit": "9f3c2e1", "built": "2026-03-01"} {
		if fields[key] != want {
			t.Fatalf("field %s = %v, want %s", key, fields[key], want)
		}
	}
	if info.String() != "checkout-service v1.4.0 (commit 9f3c2e1, built 2026-03-01)" {
		t.Fatalf("unexpected String(): %q", info.String())
	}
}
