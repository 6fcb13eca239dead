package conflict

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileOverlap is a file modified by more than one step of a wave.
type FileOverlap struct {
	RelativePath string    // Path relative to the worktree root
	Steps        []int     // Steps that modified this file, ascending
	LastModified time.Time // When the overlap was last detected
}

// DefaultIgnorePaths are never reported.
var DefaultIgnorePaths = []string{".git", ".swarm", "node_modules", ".DS_Store"}

// Detector watches the worktrees of a running wave and reports files that
// more than one step touches.
type Detector struct {
	watcher *fsnotify.Watcher

	// step number -> worktree path
	steps map[int]string

	// relative path -> step -> last modification
	fileModifications map[string]map[int]time.Time

	overlaps  []FileOverlap
	onOverlap func([]FileOverlap)

	ignorePaths []string
	debounce    time.Duration

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDetector creates a detector. extraIgnore is added to DefaultIgnorePaths.
func NewDetector(extraIgnore ...string) (*Detector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Detector{
		watcher:           watcher,
		steps:             make(map[int]string),
		fileModifications: make(map[string]map[int]time.Time),
		ignorePaths:       append(slices.Clone(DefaultIgnorePaths), extraIgnore...),
		debounce:          50 * time.Millisecond,
		stopCh:            make(chan struct{}),
	}, nil
}

// SetOverlapCallback sets the function called whenever the overlap set
// changes and is non-empty. It runs on the detector's goroutine.
func (d *Detector) SetOverlapCallback(cb func([]FileOverlap)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOverlap = cb
}

// AddStep starts watching a step's worktree.
func (d *Detector) AddStep(step int, worktreePath string) error {
	info, err := os.Stat(worktreePath)
	if err != nil {
		return fmt.Errorf("worktree path does not exist: %s", worktreePath)
	}
	if !info.IsDir() {
		return fmt.Errorf("worktree path is not a directory: %s", worktreePath)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.watcher.Add(worktreePath); err != nil {
		return err
	}
	d.steps[step] = filepath.Clean(worktreePath)
	return d.watchDirRecursive(worktreePath)
}

// watchDirRecursive adds all subdirectories to the watcher; fsnotify is not
// recursive.
func (d *Detector) watchDirRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if d.ignored(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			_ = d.watcher.Add(path)
		}
		return nil
	})
}

// RemoveStep stops watching a step's worktree and forgets its modifications.
func (d *Detector) RemoveStep(step int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path, ok := d.steps[step]
	if !ok {
		return
	}
	_ = d.watcher.Remove(path)
	delete(d.steps, step)

	for relPath, steps := range d.fileModifications {
		delete(steps, step)
		if len(steps) == 0 {
			delete(d.fileModifications, relPath)
		}
	}
	d.recalculate()
}

// Start begins processing filesystem events.
func (d *Detector) Start() {
	go d.watchLoop()
}

// Stop stops the detector. It is safe to call more than once.
func (d *Detector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		_ = d.watcher.Close()
	})
}

func (d *Detector) watchLoop() {
	// editors emit several events per save, so batch them
	debounceTimer := time.NewTimer(time.Hour)
	debounceTimer.Stop()
	defer debounceTimer.Stop()

	pending := make(map[string]fsnotify.Event)

	for {
		select {
		case <-d.stopCh:
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					d.mu.Lock()
					_ = d.watchDirRecursive(event.Name)
					d.mu.Unlock()
				}
			}
			pending[event.Name] = event
			debounceTimer.Reset(d.debounce)

		case <-debounceTimer.C:
			events := pending
			pending = make(map[string]fsnotify.Event)
			for _, event := range events {
				d.handleFileEvent(event)
			}

		case _, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (d *Detector) ignored(path string) bool {
	sep := string(filepath.Separator)
	for _, ignore := range d.ignorePaths {
		if strings.Contains(path, sep+ignore+sep) ||
			strings.HasSuffix(path, sep+ignore) ||
			filepath.Base(path) == ignore {
			return true
		}
	}
	return false
}

func (d *Detector) handleFileEvent(event fsnotify.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := event.Name
	if d.ignored(path) {
		return
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return
	}

	step, rel, ok := d.owner(path)
	if !ok {
		return
	}
	if d.fileModifications[rel] == nil {
		d.fileModifications[rel] = make(map[int]time.Time)
	}
	d.fileModifications[rel][step] = time.Now()
	d.recalculate()
}

// owner finds the step whose worktree contains path.
func (d *Detector) owner(path string) (int, string, bool) {
	for step, root := range d.steps {
		if path == root || !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		return step, filepath.ToSlash(rel), true
	}
	return 0, "", false
}

func (d *Detector) recalculate() {
	overlaps := make([]FileOverlap, 0)
	for relPath, steps := range d.fileModifications {
		if len(steps) < 2 {
			continue
		}
		var (
			nums    []int
			lastMod time.Time
		)
		for n, modTime := range steps {
			nums = append(nums, n)
			if modTime.After(lastMod) {
				lastMod = modTime
			}
		}
		slices.Sort(nums)
		overlaps = append(overlaps, FileOverlap{RelativePath: relPath, Steps: nums, LastModified: lastMod})
	}
	slices.SortFunc(overlaps, func(a, b FileOverlap) int { return strings.Compare(a.RelativePath, b.RelativePath) })
	d.overlaps = overlaps

	if d.onOverlap != nil && len(overlaps) > 0 {
		d.onOverlap(cloneOverlaps(overlaps))
	}
}

// Overlaps returns the current overlaps ordered by path.
func (d *Detector) Overlaps() []FileOverlap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneOverlaps(d.overlaps)
}

// HasOverlaps reports whether any file is modified by more than one step.
func (d *Detector) HasOverlaps() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.overlaps) > 0
}

// FilesModifiedBy returns the files a step has modified, sorted.
func (d *Detector) FilesModifiedBy(step int) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var files []string
	for relPath, steps := range d.fileModifications {
		if _, ok := steps[step]; ok {
			files = append(files, relPath)
		}
	}
	slices.Sort(files)
	return files
}

func cloneOverlaps(in []FileOverlap) []FileOverlap {
	out := make([]FileOverlap, len(in))
	for i, o := range in {
		o.Steps = slices.Clone(o.Steps)
		out[i] = o
	}
	return out
}
