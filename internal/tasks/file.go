package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// File is the Backend over a flat JSON queue:
//
//	{"tasks": [{"id": "task-1", "title": "...", "status": "pending"}], "next_id": 2}
//
// A bare array of records is accepted on read. A missing file is an empty queue.
type File struct {
	path string
	mu   sync.Mutex
}

var (
	_ Backend      = (*File)(nil)
	_ ChildCreator = (*File)(nil)
)

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Name() string { return "file" }

// Path returns the queue file location.
func (f *File) Path() string { return f.path }

type fileRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	Parent      string `json:"parent,omitempty"`
}

type queueDoc struct {
	Tasks  []fileRecord `json:"tasks"`
	NextID int          `json:"next_id"`
}

func (f *File) load() (*queueDoc, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &queueDoc{NextID: 1}, nil
		}
		return nil, fmt.Errorf("read task queue: %w", err)
	}

	doc := &queueDoc{}
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
	case trimmed[0] == '[':
		if err := json.Unmarshal(trimmed, &doc.Tasks); err != nil {
			return nil, fmt.Errorf("parse task queue %s: %w", f.path, err)
		}
	default:
		if err := json.Unmarshal(trimmed, doc); err != nil {
			return nil, fmt.Errorf("parse task queue %s: %w", f.path, err)
		}
	}
	if doc.NextID < 1 {
		doc.NextID = nextIDFrom(doc.Tasks)
	}
	return doc, nil
}

// nextIDFrom derives next_id from existing "task-N" ids.
func nextIDFrom(records []fileRecord) int {
	next := 1
	for _, r := range records {
		n, err := strconv.Atoi(strings.TrimPrefix(r.ID, "task-"))
		if err == nil && n >= next {
			next = n + 1
		}
	}
	return next
}

func (f *File) save(doc *queueDoc) error {
	if doc.Tasks == nil {
		doc.Tasks = []fileRecord{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task queue: %w", err)
	}
	return writeFileAtomic(f.path, append(data, '\n'))
}

func (f *File) ListReady(ctx context.Context) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	// The only dependency a flat file records is parent to subtask: a parent
	// waits until its subtasks are done.
	waiting := make(map[string]bool)
	for _, r := range doc.Tasks {
		if r.Parent != "" && normalizeStatus(r.Status) != StatusDone {
			waiting[r.Parent] = true
		}
	}
	var out []Task
	for _, r := range doc.Tasks {
		t := r.task()
		if t.Status == StatusPending && !waiting[t.ID] {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r fileRecord) task() Task {
	return Task{ID: r.ID, Title: r.Title, Description: r.Description, Status: normalizeStatus(r.Status), Parent: r.Parent}
}

func (f *File) Get(ctx context.Context, id string) (*Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return nil, err
	}
	for _, r := range doc.Tasks {
		if r.ID == id {
			t := r.task()
			return &t, nil
		}
	}
	return nil, ErrNotFound
}

func (f *File) Create(ctx context.Context, title, description string) (string, error) {
	return f.create(ctx, "", title, description)
}

// CreateChild adds a subtask of parentID, which must exist.
func (f *File) CreateChild(ctx context.Context, parentID, title, description string) (string, error) {
	return f.create(ctx, parentID, title, description)
}

func (f *File) create(ctx context.Context, parentID, title, description string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return "", fmt.Errorf("task title is empty")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return "", err
	}
	if parentID != "" && !slices.ContainsFunc(doc.Tasks, func(r fileRecord) bool { return r.ID == parentID }) {
		return "", fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
	}
	id := fmt.Sprintf("task-%d", doc.NextID)
	doc.NextID++
	doc.Tasks = append(doc.Tasks, fileRecord{
		ID:          id,
		Title:       title,
		Description: description,
		Status:      string(StatusPending),
		Parent:      parentID,
	})
	if err := f.save(doc); err != nil {
		return "", err
	}
	return id, nil
}

func (f *File) setStatus(ctx context.Context, id string, status Status) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.load()
	if err != nil {
		return err
	}
	for i := range doc.Tasks {
		if doc.Tasks[i].ID == id {
			doc.Tasks[i].Status = string(status)
			return f.save(doc)
		}
	}
	return fmt.Errorf("task %s: %w", id, ErrNotFound)
}

func (f *File) Close(ctx context.Context, id string) error {
	return f.setStatus(ctx, id, StatusDone)
}

func (f *File) Claim(ctx context.Context, id string) error {
	return f.setStatus(ctx, id, StatusInProgress)
}

func (f *File) Release(ctx context.Context, id string) error {
	return f.setStatus(ctx, id, StatusPending)
}

func (f *File) IsClosed(ctx context.Context, id string) (bool, error) {
	t, err := f.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Closed(), nil
}

// writeFileAtomic replaces path via a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
