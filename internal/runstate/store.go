package runstate

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/plan"
	"github.com/Iron-Ham/swarm/internal/verify"
)

// File and directory names inside a run directory.
const (
	RunFile           = "run.json"
	PlanFile          = "plan.json"
	PlansDir          = "plans"
	RecordsDir        = "records"
	TranscriptsDir    = "transcripts"
	VerificationDir   = "verification"
	ConflictsFile     = "conflicts.jsonl"
	ConflictsLockFile = "conflicts.lock"
	LogFile           = "debug.log"
)

var attemptFileRe = regexp.MustCompile(`^step-(\d+)-attempt-(\d+)\.json$`)

// Store persists runs under <state_dir>/runs/<id>/.
type Store struct {
	root string
	mu   sync.Mutex
}

// NewStore creates a store rooted at stateDir. The runs directory is created
// if it does not exist.
func NewStore(stateDir string) (*Store, error) {
	root := filepath.Join(stateDir, "runs")
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.NewStorageError("failed to create runs directory", err).WithPath(root)
	}
	return &Store{root: root}, nil
}

// Root returns the directory holding every run.
func (s *Store) Root() string { return s.root }

// RunDir returns the directory of run id.
func (s *Store) RunDir(id string) string { return filepath.Join(s.root, id) }

// ConflictsPath returns the conflict log of run id.
func (s *Store) ConflictsPath(id string) string {
	return filepath.Join(s.RunDir(id), ConflictsFile)
}

// LogPath returns the debug log of run id.
func (s *Store) LogPath(id string) string {
	return filepath.Join(s.RunDir(id), LogFile)
}

func attemptName(step, attempt int, ext string) string {
	return fmt.Sprintf("step-%d-attempt-%d%s", step, attempt, ext)
}

// SaveRun writes the run summary.
func (s *Store) SaveRun(r *Run) error {
	info := r.Snapshot()
	return s.writeJSON(filepath.Join(s.RunDir(info.ID), RunFile), info)
}

// SavePlan writes the current plan and a snapshot for its revision.
func (s *Store) SavePlan(id string, p *plan.Plan) error {
	dir := s.RunDir(id)
	if err := s.writeJSON(filepath.Join(dir, PlanFile), p); err != nil {
		return err
	}
	rev := filepath.Join(dir, PlansDir, fmt.Sprintf("rev-%d.json", p.Revision))
	return s.writeJSON(rev, p)
}

// SaveRecord writes an execution record and, when present, its transcript.
func (s *Store) SaveRecord(id string, rec ExecutionRecord) error {
	dir := s.RunDir(id)
	path := filepath.Join(dir, RecordsDir, attemptName(rec.StepNumber, rec.Attempt, ".json"))
	if err := s.writeJSON(path, rec); err != nil {
		return err
	}
	if rec.Transcript == "" {
		return nil
	}
	tpath := filepath.Join(dir, TranscriptsDir, attemptName(rec.StepNumber, rec.Attempt, ".log"))
	return s.writeFile(tpath, []byte(rec.Transcript))
}

// SaveReport writes a verification report.
func (s *Store) SaveReport(id string, rep verify.Report) error {
	path := filepath.Join(s.RunDir(id), VerificationDir, attemptName(rep.StepNumber, rep.Attempt, ".json"))
	return s.writeJSON(path, rep)
}

// LoadInfo reads the run summary.
func (s *Store) LoadInfo(id string) (Info, error) {
	var info Info
	path := filepath.Join(s.RunDir(id), RunFile)
	if err := readJSON(path, &info); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, errors.NewNotFoundError("run", id).WithCause(errors.ErrRunNotFound)
		}
		return Info{}, err
	}
	return info, nil
}

// LoadRun reads the summary, plan and records of run id.
func (s *Store) LoadRun(id string) (*Run, error) {
	info, err := s.LoadInfo(id)
	if err != nil {
		return nil, err
	}
	p, err := s.LoadPlan(id)
	if err != nil {
		return nil, err
	}
	records, err := s.LoadRecords(id)
	if err != nil {
		return nil, err
	}
	return FromInfo(info, p, records), nil
}

// LoadPlan reads the current plan of run id.
func (s *Store) LoadPlan(id string) (*plan.Plan, error) {
	return s.loadPlanFile(id, filepath.Join(s.RunDir(id), PlanFile))
}

// LoadPlanRevision reads the snapshot of a specific plan revision.
func (s *Store) LoadPlanRevision(id string, revision int) (*plan.Plan, error) {
	return s.loadPlanFile(id, filepath.Join(s.RunDir(id), PlansDir, fmt.Sprintf("rev-%d.json", revision)))
}

func (s *Store) loadPlanFile(id, path string) (*plan.Plan, error) {
	var p plan.Plan
	if err := readJSON(path, &p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewNotFoundError("plan", id).WithCause(errors.ErrRunNotFound)
		}
		return nil, err
	}
	return &p, nil
}

// LoadRecords reads every execution record of run id ordered by step then
// attempt. Transcripts are attached when present.
func (s *Store) LoadRecords(id string) ([]ExecutionRecord, error) {
	dir := s.RunDir(id)
	var records []ExecutionRecord
	err := eachAttemptFile(filepath.Join(dir, RecordsDir), func(path string, step, attempt int) error {
		var rec ExecutionRecord
		if err := readJSON(path, &rec); err != nil {
			return err
		}
		if data, err := os.ReadFile(filepath.Join(dir, TranscriptsDir, attemptName(step, attempt, ".log"))); err == nil {
			rec.Transcript = string(data)
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

// LoadReports reads every verification report of run id ordered by step then
// attempt.
func (s *Store) LoadReports(id string) ([]verify.Report, error) {
	var reports []verify.Report
	err := eachAttemptFile(filepath.Join(s.RunDir(id), VerificationDir), func(path string, _, _ int) error {
		var rep verify.Report
		if err := readJSON(path, &rep); err != nil {
			return err
		}
		reports = append(reports, rep)
		return nil
	})
	return reports, err
}

// LoadTranscript reads the transcript of one attempt.
func (s *Store) LoadTranscript(id string, step, attempt int) (string, error) {
	path := filepath.Join(s.RunDir(id), TranscriptsDir, attemptName(step, attempt, ".log"))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("transcript", fmt.Sprintf("%s/step-%d/attempt-%d", id, step, attempt))
		}
		return "", errors.NewStorageError("failed to read transcript", err).WithPath(path)
	}
	return string(data), nil
}

// ListRuns returns every persisted run, newest first. Directories without a
// readable run.json are skipped.
func (s *Store) ListRuns() ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewStorageError("failed to list runs", err).WithPath(s.root)
	}
	var runs []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := s.LoadInfo(e.Name())
		if err != nil {
			continue
		}
		runs = append(runs, info)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	return runs, nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.NewStorageError("failed to encode", err).WithPath(path)
	}
	return s.writeFile(path, data)
}

func (s *Store) writeFile(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewStorageError("failed to create directory", err).WithPath(filepath.Dir(path))
	}
	if err := atomicWriteFile(path, data, 0644); err != nil {
		return errors.NewStorageError("failed to write", err).WithPath(path)
	}
	return nil
}

// atomicWriteFile writes to a temp file in the same directory and renames it
// into place so readers never observe a partial file.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// readJSON keeps a missing file matchable with fs.ErrNotExist; any other
// failure is a StorageError.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		return errors.NewStorageError("failed to read", err).WithPath(path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.NewStorageError("corrupted file", errors.Join(errors.ErrStorageCorrupted, err)).WithPath(path)
	}
	return nil
}

func eachAttemptFile(dir string, fn func(path string, step, attempt int) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewStorageError("failed to list", err).WithPath(dir)
	}
	type item struct {
		path          string
		step, attempt int
	}
	var items []item
	for _, e := range entries {
		m := attemptFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		step, _ := strconv.Atoi(m[1])
		attempt, _ := strconv.Atoi(m[2])
		items = append(items, item{filepath.Join(dir, e.Name()), step, attempt})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].step != items[j].step {
			return items[i].step < items[j].step
		}
		return items[i].attempt < items[j].attempt
	})
	for _, it := range items {
		if err := fn(it.path, it.step, it.attempt); err != nil {
			return err
		}
	}
	return nil
}
