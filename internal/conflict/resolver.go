// Package conflict owns the record of everything that needs a human decision
// during a run, and detects the file overlaps that produce such decisions.
//
// The Resolver keeps conflicts in an append-only JSONL log. Every change is
// one appended entry: "add" introduces a conflict and "resolve" settles it.
// Nothing is rewritten or deleted, so the log is the audit trail. A running
// orchestrator and a separate CLI process may share a log; both take the
// same flock around every read and append.
package conflict

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/swarm/internal/errors"
	"github.com/Iron-Ham/swarm/internal/filelock"
	"github.com/Iron-Ham/swarm/internal/logging"
)

// File names within the run directory.
const (
	LogFileName  = "conflicts.jsonl"
	LockFileName = "conflicts.lock"
)

// Type classifies a conflict.
type Type string

const (
	TypeVerification Type = "verification"
	TypeMerge        Type = "merge"
	TypePlan         Type = "plan"
)

// Resolution is the human's decision.
type Resolution string

const (
	Approved Resolution = "approved"
	Rejected Resolution = "rejected"
)

// Conflict is one escalation.
type Conflict struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	StepNumber  int        `json:"stepNumber"`
	AgentName   string     `json:"agentName"`
	Attempt     int        `json:"attempt,omitempty"`
	Description string     `json:"description"`
	Evidence    []string   `json:"evidence"`
	Timestamp   time.Time  `json:"timestamp"`
	Resolved    bool       `json:"resolved"`
	Resolution  Resolution `json:"resolution,omitempty"`
	ResolvedBy  string     `json:"resolvedBy,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	// Note is the instruction given with the resolution.
	Note string `json:"note,omitempty"`
}

func (c Conflict) clone() Conflict {
	c.Evidence = slices.Clone(c.Evidence)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

type entryOp string

const (
	opAdd     entryOp = "add"
	opResolve entryOp = "resolve"
)

// entry is one line of the log.
type entry struct {
	Op         entryOp    `json:"op"`
	Conflict   *Conflict  `json:"conflict,omitempty"`
	ID         string     `json:"id,omitempty"`
	Resolution Resolution `json:"resolution,omitempty"`
	By         string     `json:"by,omitempty"`
	Note       string     `json:"note,omitempty"`
	At         time.Time  `json:"at"`
}

// Resolver stores conflicts for one run.
type Resolver struct {
	path   string
	lock   *filelock.FileLock
	logger *logging.Logger

	mu        sync.Mutex
	conflicts []*Conflict
	byID      map[string]*Conflict
	// intact is the length of the log prefix holding whole entries; bytes
	// past it are a partial line left by an interrupted append.
	intact int64
}

// Open loads or creates the conflict log in dir.
func Open(dir string, logger *logging.Logger) (*Resolver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.NewStorageError("failed to create conflict directory", err).WithPath(dir)
	}
	r := &Resolver{
		path:   filepath.Join(dir, LogFileName),
		lock:   filelock.New(filepath.Join(dir, LockFileName)),
		logger: logging.OrNop(logger).WithComponent("conflict"),
		byID:   make(map[string]*Conflict),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the log file.
func (r *Resolver) Path() string { return r.path }

// Reload re-reads the log, picking up entries written by other processes.
func (r *Resolver) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withFileLock(r.replayLocked)
}

// AddConflict records c. An empty ID and zero Timestamp are filled in, and
// Resolved fields are cleared. The stored conflict is returned.
func (r *Resolver) AddConflict(c Conflict) (Conflict, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	if c.Evidence == nil {
		c.Evidence = []string{}
	}
	c.Resolved = false
	c.Resolution = ""
	c.ResolvedBy = ""
	c.ResolvedAt = nil
	c.Note = ""

	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.withFileLock(func() error {
		if err := r.replayLocked(); err != nil {
			return err
		}
		if _, exists := r.byID[c.ID]; exists {
			return errors.NewValidationError("duplicate conflict id").WithField("id").WithValue(c.ID)
		}
		stored := c.clone()
		if err := r.appendLocked(entry{Op: opAdd, Conflict: &stored, At: c.Timestamp}); err != nil {
			return err
		}
		r.insertLocked(&stored)
		return nil
	})
	if err != nil {
		return Conflict{}, err
	}
	r.logger.Info("conflict opened",
		"conflict_id", c.ID,
		"type", string(c.Type),
		"step", c.StepNumber,
		"evidence", len(c.Evidence),
	)
	return c.clone(), nil
}

// GetPendingConflicts returns unresolved conflicts in insertion order.
func (r *Resolver) GetPendingConflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conflict
	for _, c := range r.conflicts {
		if !c.Resolved {
			out = append(out, c.clone())
		}
	}
	return out
}

// GetNextConflict returns the oldest unresolved conflict, or nil.
func (r *Resolver) GetNextConflict() *Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.conflicts {
		if !c.Resolved {
			out := c.clone()
			return &out
		}
	}
	return nil
}

// Get returns the conflict with id.
func (r *Resolver) Get(id string) (Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return Conflict{}, false
	}
	return c.clone(), true
}

// All returns every conflict in insertion order.
func (r *Resolver) All() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Conflict, 0, len(r.conflicts))
	for _, c := range r.conflicts {
		out = append(out, c.clone())
	}
	return out
}

// ApproveConflict resolves id as approved. It returns false when id is
// unknown or already resolved; the existing resolution is left unchanged.
func (r *Resolver) ApproveConflict(id, by, note string) bool {
	return r.resolve(id, Approved, by, note)
}

// RejectConflict resolves id as rejected. It returns false when id is
// unknown or already resolved; the existing resolution is left unchanged.
func (r *Resolver) RejectConflict(id, by, note string) bool {
	return r.resolve(id, Rejected, by, note)
}

func (r *Resolver) resolve(id string, res Resolution, by, note string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	resolved := false
	err := r.withFileLock(func() error {
		if err := r.replayLocked(); err != nil {
			return err
		}
		c, ok := r.byID[id]
		if !ok || c.Resolved {
			return nil
		}
		at := time.Now().UTC()
		e := entry{Op: opResolve, ID: id, Resolution: res, By: by, Note: note, At: at}
		if err := r.appendLocked(e); err != nil {
			return err
		}
		applyResolution(c, e)
		resolved = true
		return nil
	})
	if err != nil {
		r.logger.Error("failed to resolve conflict", "conflict_id", id, "error", err)
		return false
	}
	if resolved {
		r.logger.Info("conflict resolved", "conflict_id", id, "resolution", string(res), "by", by)
	}
	return resolved
}

func applyResolution(c *Conflict, e entry) {
	at := e.At
	c.Resolved = true
	c.Resolution = e.Resolution
	c.ResolvedBy = e.By
	c.ResolvedAt = &at
	c.Note = e.Note
}

func (r *Resolver) insertLocked(c *Conflict) {
	r.conflicts = append(r.conflicts, c)
	r.byID[c.ID] = c
}

func (r *Resolver) withFileLock(fn func() error) error {
	if err := r.lock.Lock(); err != nil {
		return errors.NewStorageError("failed to lock conflict log", err).WithPath(r.lock.Path())
	}
	defer func() { _ = r.lock.Unlock() }()
	return fn()
}

// replayLocked rebuilds the in-memory view from the log. A truncated final
// line, left by a crash mid-append, is ignored; any other malformed line
// means the log is corrupted.
func (r *Resolver) replayLocked() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			r.conflicts = nil
			r.byID = make(map[string]*Conflict)
			r.intact = 0
			return nil
		}
		return errors.NewStorageError("failed to read conflict log", err).WithPath(r.path)
	}
	intact := int64(len(data))

	var (
		conflicts []*Conflict
		byID      = make(map[string]*Conflict)
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	complete := bytes.HasSuffix(data, []byte("\n"))
	var lines [][]byte
	for sc.Scan() {
		lines = append(lines, slices.Clone(sc.Bytes()))
	}
	if err := sc.Err(); err != nil {
		return errors.NewStorageError("failed to scan conflict log", err).WithPath(r.path)
	}

	for i, line := range lines {
		lineNo = i + 1
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			if i == len(lines)-1 && !complete {
				r.logger.Warn("ignoring truncated conflict log entry", "line", lineNo)
				intact = int64(bytes.LastIndexByte(data, '\n') + 1)
				break
			}
			return errors.NewStorageError(
				fmt.Sprintf("malformed conflict log entry on line %d", lineNo),
				errors.Join(errors.ErrStorageCorrupted, err),
			).WithPath(r.path)
		}
		switch e.Op {
		case opAdd:
			if e.Conflict == nil || e.Conflict.ID == "" {
				continue
			}
			if _, dup := byID[e.Conflict.ID]; dup {
				continue
			}
			c := e.Conflict.clone()
			conflicts = append(conflicts, &c)
			byID[c.ID] = &c
		case opResolve:
			// first resolution wins
			if c, ok := byID[e.ID]; ok && !c.Resolved {
				applyResolution(c, e)
			}
		}
	}
	r.conflicts = conflicts
	r.byID = byID
	r.intact = intact
	return nil
}

func (r *Resolver) appendLocked(e entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return errors.NewStorageError("failed to encode conflict entry", err)
	}
	f, err := os.OpenFile(r.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.NewStorageError("failed to open conflict log", err).WithPath(r.path)
	}
	defer f.Close()

	// Drop a partial tail so the new entry starts on a line of its own.
	info, err := f.Stat()
	if err != nil {
		return errors.NewStorageError("failed to stat conflict log", err).WithPath(r.path)
	}
	if info.Size() > r.intact {
		if err := f.Truncate(r.intact); err != nil {
			return errors.NewStorageError("failed to trim partial conflict entry", err).WithPath(r.path)
		}
		r.logger.Warn("trimmed partial conflict log entry", "bytes", info.Size()-r.intact)
	}
	if r.intact > 0 {
		last := make([]byte, 1)
		if _, err := f.ReadAt(last, r.intact-1); err != nil {
			return errors.NewStorageError("failed to read conflict log", err).WithPath(r.path)
		}
		if last[0] != '\n' {
			line = append([]byte{'\n'}, line...)
		}
	}
	r.intact += int64(len(line)) + 1

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.NewStorageError("failed to append conflict entry", err).WithPath(r.path)
	}
	if err := f.Sync(); err != nil {
		return errors.NewStorageError("failed to sync conflict log", err).WithPath(r.path)
	}
	return nil
}
