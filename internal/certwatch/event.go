package certwatch

import "github.com/fsnotify/fsnotify"

// EventKind classifies a filesystem notification.
type EventKind int

const (
	KindIgnored EventKind = iota
	KindModify
	KindCreate
)

func (k EventKind) String() string {
	switch k {
	case KindModify:
		return "modify"
	case KindCreate:
		return "create"
	default:
		return "ignored"
	}
}

// Event is a certificate-relevant change inside a watched directory.
type Event struct {
	Path string
	Kind EventKind
}

// classify maps an fsnotify event onto the kinds the watcher reacts to.
// Removals, renames away and chmod-only changes are ignored.
func classify(ev fsnotify.Event) EventKind {
	switch {
	case ev.Has(fsnotify.Create):
		return KindCreate
	case ev.Has(fsnotify.Write):
		return KindModify
	default:
		return KindIgnored
	}
}
