package trigger

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Firer runs one input unit.
type Firer interface {
	Fire(ctx context.Context, source string, r io.Reader) domain.PipelineOutcome
}

// Watcher processes *.csv files dropped into a landing directory. Each file
// is handled once, then moved to processed/ or failed/ depending on its
// outcome. Files already present at start are processed first.
type Watcher struct {
	dir    string
	firer  Firer
	settle time.Duration
	logger *log.Logger
}

// NewWatcher prepares the landing directory layout. settle is how long a
// file must go without write events before it is read.
func NewWatcher(dir string, firer Firer, settle time.Duration, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	for _, sub := range []string{"", processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("prepare landing dir: %w", err)
		}
	}
	return &Watcher{dir: dir, firer: firer, settle: settle, logger: logger}, nil
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	// Scan after Add so nothing written in between is missed.
	existing, err := w.scan()
	if err != nil {
		return err
	}
	for _, name := range existing {
		if ctx.Err() != nil {
			return nil
		}
		w.process(ctx, name)
	}

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	pending := map[string]time.Time{}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isCandidate(event.Name) || filepath.Dir(event.Name) != filepath.Clean(w.dir) {
				continue
			}
			switch {
			case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
				pending[event.Name] = time.Now()
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				delete(pending, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("trigger: watcher error: %v", err)
		case now := <-ticker.C:
			var ready []string
			for name, last := range pending {
				if now.Sub(last) >= w.settle {
					ready = append(ready, name)
				}
			}
			sort.Strings(ready)
			for _, name := range ready {
				delete(pending, name)
				w.process(ctx, name)
			}
		}
	}
}

func (w *Watcher) scan() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("scan landing dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && isCandidate(e.Name()) {
			names = append(names, filepath.Join(w.dir, e.Name()))
		}
	}
	return names, nil
}

func (w *Watcher) process(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		// Already moved or removed.
		if !os.IsNotExist(err) {
			w.logger.Printf("trigger: open %s: %v", path, err)
		}
		return
	}
	out := w.firer.Fire(ctx, filepath.Base(path), f)
	f.Close()

	dest := processedDir
	if out.Status == domain.StatusFailure {
		dest = failedDir
	}
	target := filepath.Join(w.dir, dest, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		w.logger.Printf("trigger: move %s to %s: %v", path, dest, err)
		return
	}
	w.logger.Printf("trigger: %s -> %s status=%s", filepath.Base(path), dest, out.Status)
}

func isCandidate(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), ".csv")
}
