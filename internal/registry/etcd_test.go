package registry

import (
	"strings"
	"testing"
)

func TestKeys(t *testing.T) {
	if got := NodeKey("alpha", 7); got != "/rf24drone/alpha/nodes/7" {
		t.Fatalf("node key %q", got)
	}
	if got := LeaderKey("alpha"); got != "/rf24drone/alpha/leader" {
		t.Fatalf("leader key %q", got)
	}
	if !strings.HasPrefix(NodeKey("alpha", 200), NodesPrefix("alpha")) {
		t.Fatal("node key outside the nodes prefix")
	}
	if strings.HasPrefix(LeaderKey("alpha"), NodesPrefix("alpha")) {
		t.Fatal("leader key inside the nodes prefix")
	}
}

func TestParseID(t *testing.T) {
	id, err := ParseID(" 42\n")
	if err != nil || id != 42 {
		t.Fatalf("got %d, %v", id, err)
	}
	for _, bad := range []string{"", "256", "-1", "x"} {
		if _, err := ParseID(bad); err == nil {
			t.Fatalf("%q parsed", bad)
		}
	}
}
