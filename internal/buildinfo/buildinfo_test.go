package buildinfo

import (
	"strings"
	"testing"
)

func TestCurrentAndRunning(t *testing.T) {
	c := Current()
	if c.Version != Version || c.GoVersion == "" || c.Uptime != "" {
		t.Errorf("Current() = %+v", c)
	}
	if r := Running(); r.Uptime == "" {
		t.Error("Running().Uptime is empty")
	}
}

func TestFields(t *testing.T) {
	f := Current().Fields()
	if len(f) != 7 || f[0][0] != "version" || f[6][0] != "arch" {
		t.Errorf("Current().Fields() = %v", f)
	}
	if f := Running().Fields(); f[len(f)-1][0] != "uptime" {
		t.Errorf("Running().Fields() last = %v, want uptime", f[len(f)-1])
	}
}

func TestStringAndUserAgent(t *testing.T) {
	if s := Current().String(); !strings.HasPrefix(s, "Mnemo "+Version) {
		t.Errorf("String() = %q", s)
	}
	if ua := UserAgent(); ua != "mnemo/"+Version {
		t.Errorf("UserAgent() = %q", ua)
	}
}
