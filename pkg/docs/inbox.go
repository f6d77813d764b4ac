package docs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"caseace/models"
	"caseace/pkg/logger"
)

// failedDir collects files that could not be imported, per case folder.
const failedDir = ".failed"

// Inbox imports files dropped into <Dir>/<caseId>/ as documents of that
// case. Imported files are removed from the inbox; rejected ones are moved to
// <Dir>/<caseId>/.failed so they are not retried.
type Inbox struct {
	Dir string
	// Settle is how long a file must stay unchanged before it is imported.
	Settle time.Duration
	// Workers bounds concurrent imports during Scan; 0 means one per CPU.
	Workers int

	svc   *Service
	actor *models.User
	log   zerolog.Logger
}

func NewInbox(svc *Service, dir string, actor *models.User) *Inbox {
	return &Inbox{Dir: dir, Settle: 500 * time.Millisecond, svc: svc, actor: actor, log: logger.WithComponent("inbox")}
}

// Scan imports every file already waiting and reports how many were
// imported. Up to Workers files are processed at once.
func (in *Inbox) Scan(ctx context.Context) (int, error) {
	dirs, err := os.ReadDir(in.Dir)
	if err != nil {
		return 0, err
	}
	var paths []string
	for _, d := range dirs {
		if !d.IsDir() || !isCaseDirName(d.Name()) {
			continue
		}
		caseDir := filepath.Join(in.Dir, d.Name())
		for _, name := range listFiles(caseDir) {
			paths = append(paths, filepath.Join(caseDir, name))
		}
	}

	workers := in.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	fileCh := make(chan string)
	var imported atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range fileCh {
				if in.importFile(ctx, p) {
					imported.Add(1)
				}
			}
		}()
	}
feed:
	for _, p := range paths {
		select {
		case fileCh <- p:
		case <-ctx.Done():
			break feed
		}
	}
	close(fileCh)
	wg.Wait()
	return int(imported.Load()), ctx.Err()
}

// Watch imports files as they arrive until ctx is cancelled. Files are
// debounced: a file is picked up once no event touched it for Settle.
func (in *Inbox) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(in.Dir); err != nil {
		return err
	}
	dirs, _ := os.ReadDir(in.Dir)
	for _, d := range dirs {
		if d.IsDir() && isCaseDirName(d.Name()) {
			if err := w.Add(filepath.Join(in.Dir, d.Name())); err != nil {
				in.log.Warn().Err(err).Str("dir", d.Name()).Msg("watch case folder")
			}
		}
	}
	in.log.Info().Str("dir", in.Dir).Msg("watching inbox")

	if in.Settle <= 0 {
		in.Settle = 500 * time.Millisecond
	}
	pending := map[string]time.Time{}
	ticker := time.NewTicker(in.Settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(ev.Name) == filepath.Clean(in.Dir) {
				// a new case folder; files may already be inside
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() && isCaseDirName(fi.Name()) {
					if err := w.Add(ev.Name); err != nil {
						in.log.Warn().Err(err).Str("dir", ev.Name).Msg("watch case folder")
					}
					for _, name := range listFiles(ev.Name) {
						pending[filepath.Join(ev.Name, name)] = time.Now()
					}
				}
				continue
			}
			if _, ok := in.caseOf(ev.Name); ok {
				pending[ev.Name] = time.Now()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.log.Warn().Err(err).Msg("watch error")
		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < in.Settle {
					continue
				}
				delete(pending, path)
				if fi, err := os.Stat(path); err != nil || fi.IsDir() {
					continue
				}
				in.importFile(ctx, path)
			}
		}
	}
}

// importFile uploads one inbox file and reports whether it was imported.
func (in *Inbox) importFile(ctx context.Context, path string) bool {
	caseID, ok := in.caseOf(path)
	if !ok {
		return false
	}
	log := in.log.With().Str("file", path).Uint("case_id", caseID).Logger()
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Msg("open inbox file")
		return false
	}
	doc, err := in.svc.Upload(ctx, in.actor, Upload{CaseID: caseID, FileName: filepath.Base(path), Body: f})
	_ = f.Close()
	if err != nil {
		log.Warn().Err(err).Msg("import rejected")
		if mErr := moveAside(path); mErr != nil {
			log.Error().Err(mErr).Msg("move rejected file")
		}
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("remove imported file")
	}
	log.Info().Uint("document_id", doc.ID).Msg("imported")
	return true
}

// caseOf extracts the case id from <Dir>/<caseId>/<file>.
func (in *Inbox) caseOf(path string) (uint, bool) {
	rel, err := filepath.Rel(in.Dir, path)
	if err != nil {
		return 0, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || strings.HasPrefix(parts[1], ".") || !isCaseDirName(parts[0]) {
		return 0, false
	}
	id, _ := strconv.ParseUint(parts[0], 10, 64)
	return uint(id), true
}

func isCaseDirName(name string) bool {
	id, err := strconv.ParseUint(name, 10, 64)
	return err == nil && id > 0
}

func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func moveAside(path string) error {
	dst := filepath.Join(filepath.Dir(path), failedDir)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	return os.Rename(path, filepath.Join(dst, filepath.Base(path)))
}
