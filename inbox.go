package filearchive

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/filearchive/digest"
)

// DefaultSettle is how long a file must go without changes before an
// Inbox adds it.
var DefaultSettle = 500 * time.Millisecond

// minTick bounds how often Run looks for settled files.
const minTick = 10 * time.Millisecond

// Inbox watches a directory and adds every regular file written into
// it.  Subdirectories are not watched.
type Inbox struct {
	Dir string
	// Settle of zero or less means DefaultSettle.
	Settle time.Duration
	store  *FileStore
	w      *fsnotify.Watcher
	// names present when watching started
	old map[string]bool
}

// Inbox starts watching dir.  Files already present are ignored, even
// if they are written to later, until they are removed or renamed
// away.
func (fs *FileStore) Inbox(dir string) (in *Inbox, err error) {
	defer Return(&err)
	err = fs.check()
	Ck(err)
	names, err := digest.List(dir)
	Ck(err)
	old := make(map[string]bool, len(names))
	for _, name := range names {
		old[filepath.Join(dir, name)] = true
	}
	w, err := fsnotify.NewWatcher()
	Ck(err)
	err = w.Add(dir)
	if err != nil {
		w.Close()
		return nil, err
	}
	in = &Inbox{Dir: dir, Settle: DefaultSettle, store: fs, w: w, old: old}
	return
}

// Run adds files with metadata raw as they settle, passing each new
// entry to added, until ctx is done.  A file that cannot be added is
// logged and skipped.
func (in *Inbox) Run(ctx context.Context, raw map[string]interface{}, added func(*Entry)) (err error) {
	settle := in.Settle
	if settle <= 0 {
		settle = DefaultSettle
	}
	interval := settle / 2
	if interval < minTick {
		interval = minTick
	}
	pending := make(map[string]time.Time)
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-in.w.Events:
			if !ok {
				return nil
			}
			switch {
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, ev.Name)
				delete(in.old, ev.Name)
			case in.old[ev.Name]:
				log.Debugf("inbox: ignoring %s, present before watching", ev.Name)
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				pending[ev.Name] = time.Now()
			}
		case err, ok := <-in.w.Errors:
			if !ok {
				return nil
			}
			return err
		case now := <-tick.C:
			for name, last := range pending {
				if now.Sub(last) < settle {
					continue
				}
				delete(pending, name)
				entry, err := in.add(name, raw)
				if err != nil {
					log.Warnf("inbox: not adding %s: %v", name, err)
					continue
				}
				if entry != nil {
					added(entry)
				}
			}
		}
	}
}

func (in *Inbox) add(name string, raw map[string]interface{}) (entry *Entry, err error) {
	st, err := os.Lstat(name)
	if err != nil {
		return
	}
	if !st.Mode().IsRegular() {
		log.Debugf("inbox: skipping %s, mode %v", name, st.Mode())
		return nil, nil
	}
	return in.store.AddFile(name, raw)
}

// Close stops watching.
func (in *Inbox) Close() error {
	return in.w.Close()
}
