package certwatch

import (
	"testing"

	"github.com/fsnotify/fsnotify"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		op   fsnotify.Op
		want EventKind
	}{
		{fsnotify.Write, KindModify},
		{fsnotify.Create, KindCreate},
		{fsnotify.Write | fsnotify.Chmod, KindModify},
		{fsnotify.Remove, KindIgnored},
		{fsnotify.Rename, KindIgnored},
		{fsnotify.Chmod, KindIgnored},
	}

	for _, tc := range cases {
		got := classify(fsnotify.Event{Name: "/certs/tls.crt", Op: tc.op})
		if got != tc.want {
			t.Fatalf("op %s: expected %s, got %s", tc.op, tc.want, got)
		}
	}
}
