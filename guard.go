package unique

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/inconshreveable/log15"
)

// addressGuard watches the runtime directory for the removal of a server's
// coordination socket. A socket unlinked by someone else leaves the server
// unreachable even though its listener still works.
type addressGuard struct {
	w         *fsnotify.Watcher
	closeOnce sync.Once
	doneC     chan struct{}
	l         log15.Logger
}

func newAddressGuard(m *Manager) (*addressGuard, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(m.addr.Dir); err != nil {
		w.Close()
		return nil, err
	}
	g := &addressGuard{
		w:     w,
		doneC: make(chan struct{}),
		l:     m.l.New("guard", m.addr.Dir),
	}
	socket := filepath.Clean(m.addr.Socket)
	go g.watch(socket, func() {
		m.loop.Post(m.locked(func() {
			// a guard closed in the meantime belongs to a previous server role
			if m.guard == g {
				m.onAddressRemoved()
			}
		}))
	})
	return g, nil
}

func (g *addressGuard) watch(socket string, onRemoved func()) {
	for {
		select {
		case <-g.doneC:
			return
		case ev, ok := <-g.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != socket || !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			g.l.Debug("coordination socket went away", "op", ev.Op)
			onRemoved()
			return
		case err, ok := <-g.w.Errors:
			if !ok {
				return
			}
			g.l.Warn("error watching coordination address", "err", err)
		}
	}
}

// Close stops watching. It is idempotent.
func (g *addressGuard) Close() {
	g.closeOnce.Do(func() {
		close(g.doneC)
		if err := g.w.Close(); err != nil {
			g.l.Debug("error closing watcher", "err", err)
		}
	})
}
