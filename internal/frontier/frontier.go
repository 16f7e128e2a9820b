// Package frontier implements the durable URL frontier: four disjoint page
// queues (pending, processing, completed, failed) persisted per job, plus the
// seen-set used to reject duplicates.
package frontier

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/storage/local"
)

// State names one of the frontier queues.
type State string

// Queue states.
const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// States lists every queue in a fixed order. On load a key found in more
// than one file keeps its earliest state.
var States = []State{StatePending, StateProcessing, StateCompleted, StateFailed}

// Write orders put a page's destination file on disk before the file it
// leaves, so a crash between two renames duplicates a page instead of losing
// it. The duplicate resolves to the earlier state on load, which only means
// the page is fetched again.
var (
	dequeueOrder = []State{StateProcessing, StatePending}
	commitOrder  = []State{StateCompleted, StateFailed, StatePending, StateProcessing}
)

// ErrReadOnly is returned when mutating a frontier opened with Load.
var ErrReadOnly = errors.New("frontier is read-only")

// Snapshot is a copy of all four queues.
type Snapshot struct {
	Pending    []*crawler.Page
	Processing []*crawler.Page
	Completed  []*crawler.Page
	Failed     []*crawler.Page
}

// Batch is the set of transitions committed at the end of one fetch batch.
type Batch struct {
	Completed []*crawler.Page
	Failed    []*crawler.Page
	Retry     []*crawler.Page
	New       []*crawler.Page
}

// Frontier holds the queues of one job. It is single-writer: one orchestrator
// mutates it, other processes only read the files.
type Frontier struct {
	dir      string
	jobID    string
	readOnly bool

	mu      sync.Mutex
	queues  map[State][]*crawler.Page
	index   map[string]State
	aliases map[string]struct{}
	dirty   map[State]bool
}

// QueuePath returns the file holding one queue of a job.
func QueuePath(dir, jobID string, state State) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s.json", jobID, state))
}

// Exists reports whether any queue file exists for the job.
func Exists(dir, jobID string) bool {
	for _, state := range States {
		if local.Exists(QueuePath(dir, jobID, state)) {
			return true
		}
	}
	return false
}

// Open loads the job's queues from dir, starting empty when none exist.
func Open(dir, jobID string) (*Frontier, error) {
	return open(dir, jobID, false)
}

// Load opens the job's queues for reading only.
func Load(dir, jobID string) (*Frontier, error) {
	return open(dir, jobID, true)
}

func open(dir, jobID string, readOnly bool) (*Frontier, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	f := &Frontier{
		dir:      dir,
		jobID:    jobID,
		readOnly: readOnly,
		queues:   make(map[State][]*crawler.Page, len(States)),
		index:    make(map[string]State),
		aliases:  make(map[string]struct{}),
		dirty:    make(map[State]bool),
	}
	for _, state := range States {
		path := QueuePath(dir, jobID, state)
		if !local.Exists(path) {
			continue
		}
		var pages []*crawler.Page
		if err := local.ReadJSON(path, &pages); err != nil {
			return nil, crawler.StorageError("load "+string(state)+" queue", err)
		}
		for _, p := range pages {
			if p == nil {
				continue
			}
			if _, dup := f.index[p.Key()]; dup {
				continue
			}
			f.queues[state] = append(f.queues[state], p)
			f.track(p, state)
		}
	}
	return f, nil
}

// JobID returns the job the frontier belongs to.
func (f *Frontier) JobID() string {
	return f.jobID
}

func (f *Frontier) track(p *crawler.Page, state State) {
	f.index[p.Key()] = state
	if p.URL != p.Key() {
		f.aliases[p.URL] = struct{}{}
	}
}

// seen must be called with f.mu held.
func (f *Frontier) seen(url string) bool {
	if _, ok := f.index[url]; ok {
		return true
	}
	_, ok := f.aliases[url]
	return ok
}

// Seen reports whether url was ever enqueued in this job, either as a page key
// or as the redirect target of one.
func (f *Frontier) Seen(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen(url)
}

// Enqueue appends unseen pages to pending and persists the queue. It returns
// the pages that were accepted.
func (f *Frontier) Enqueue(pages []*crawler.Page) ([]*crawler.Page, error) {
	if f.readOnly {
		return nil, ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	accepted := f.enqueue(pages)
	if err := f.flush(); err != nil {
		return nil, err
	}
	return accepted, nil
}

func (f *Frontier) enqueue(pages []*crawler.Page) []*crawler.Page {
	var accepted []*crawler.Page
	for _, p := range pages {
		if p == nil || f.seen(p.Key()) {
			continue
		}
		c := p.Clone()
		f.queues[StatePending] = append(f.queues[StatePending], c)
		f.track(c, StatePending)
		f.dirty[StatePending] = true
		accepted = append(accepted, p)
	}
	return accepted
}

// DequeueBatch moves up to n pages from the head of pending to processing and
// returns copies of them.
func (f *Frontier) DequeueBatch(n int) ([]*crawler.Page, error) {
	if f.readOnly {
		return nil, ErrReadOnly
	}
	if n <= 0 {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	pending := f.queues[StatePending]
	if n > len(pending) {
		n = len(pending)
	}
	if n == 0 {
		return nil, nil
	}
	batch := pending[:n]
	f.queues[StatePending] = append([]*crawler.Page(nil), pending[n:]...)
	out := make([]*crawler.Page, 0, n)
	for _, p := range batch {
		f.queues[StateProcessing] = append(f.queues[StateProcessing], p)
		f.index[p.Key()] = StateProcessing
		out = append(out, p.Clone())
	}
	f.dirty[StatePending] = true
	f.dirty[StateProcessing] = true
	if err := f.flush(dequeueOrder...); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkCompleted moves pages from processing to completed. Pages not in
// processing are ignored, so repeating the call is a no-op.
func (f *Frontier) MarkCompleted(pages []*crawler.Page) error {
	_, err := f.Commit(Batch{Completed: pages})
	return err
}

// MarkFailed moves pages from processing to failed. Pages not in processing
// are ignored.
func (f *Frontier) MarkFailed(pages []*crawler.Page) error {
	_, err := f.Commit(Batch{Failed: pages})
	return err
}

// Requeue moves pages from processing back to the tail of pending.
func (f *Frontier) Requeue(pages []*crawler.Page) error {
	_, err := f.Commit(Batch{Retry: pages})
	return err
}

// Commit applies a whole batch of transitions and persists every touched
// queue once. It returns the new pages that were accepted.
func (f *Frontier) Commit(b Batch) ([]*crawler.Page, error) {
	if f.readOnly {
		return nil, ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.move(b.Completed, StateCompleted)
	f.move(b.Failed, StateFailed)
	f.move(b.Retry, StatePending)
	accepted := f.enqueue(b.New)
	if err := f.flush(commitOrder...); err != nil {
		return nil, err
	}
	return accepted, nil
}

// move transfers pages currently in processing to target, storing the
// caller's updated copy.
func (f *Frontier) move(pages []*crawler.Page, target State) {
	for _, p := range pages {
		if p == nil {
			continue
		}
		key := p.Key()
		if f.index[key] != StateProcessing {
			continue
		}
		if !f.remove(StateProcessing, key) {
			continue
		}
		c := p.Clone()
		f.queues[target] = append(f.queues[target], c)
		f.track(c, target)
		f.dirty[StateProcessing] = true
		f.dirty[target] = true
	}
}

func (f *Frontier) remove(state State, key string) bool {
	queue := f.queues[state]
	for i, p := range queue {
		if p.Key() == key {
			f.queues[state] = append(queue[:i:i], queue[i+1:]...)
			return true
		}
	}
	return false
}

// RecoverProcessing returns pages stranded in processing by a crash to the
// front of pending. It reports how many pages moved.
func (f *Frontier) RecoverProcessing() (int, error) {
	if f.readOnly {
		return 0, ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	stranded := f.queues[StateProcessing]
	if len(stranded) == 0 {
		return 0, nil
	}
	for _, p := range stranded {
		p.Status = crawler.PageDiscovered
		f.index[p.Key()] = StatePending
	}
	f.queues[StatePending] = append(append([]*crawler.Page(nil), stranded...), f.queues[StatePending]...)
	f.queues[StateProcessing] = nil
	f.dirty[StatePending] = true
	f.dirty[StateProcessing] = true
	if err := f.flush(); err != nil {
		return 0, err
	}
	return len(stranded), nil
}

// Restore replaces every queue with the snapshot contents and persists them.
// Duplicate keys keep their first occurrence in pending, processing,
// completed, failed order.
func (f *Frontier) Restore(s Snapshot) error {
	if f.readOnly {
		return ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queues = make(map[State][]*crawler.Page, len(States))
	f.index = make(map[string]State)
	f.aliases = make(map[string]struct{})
	lists := map[State][]*crawler.Page{
		StatePending:    s.Pending,
		StateProcessing: s.Processing,
		StateCompleted:  s.Completed,
		StateFailed:     s.Failed,
	}
	for _, state := range States {
		for _, p := range lists[state] {
			if p == nil {
				continue
			}
			if _, dup := f.index[p.Key()]; dup {
				continue
			}
			c := p.Clone()
			f.queues[state] = append(f.queues[state], c)
			f.track(c, state)
		}
		f.dirty[state] = true
	}
	return f.flush()
}

// ReplaceCompleted swaps completed pages for updated copies with the same key.
// Pages that are not completed are ignored.
func (f *Frontier) ReplaceCompleted(pages []*crawler.Page) error {
	if f.readOnly {
		return ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	byKey := make(map[string]*crawler.Page, len(pages))
	for _, p := range pages {
		if p != nil && f.index[p.Key()] == StateCompleted {
			byKey[p.Key()] = p
		}
	}
	if len(byKey) == 0 {
		return nil
	}
	for i, existing := range f.queues[StateCompleted] {
		if updated, ok := byKey[existing.Key()]; ok {
			c := updated.Clone()
			f.queues[StateCompleted][i] = c
			f.track(c, StateCompleted)
		}
	}
	f.dirty[StateCompleted] = true
	return f.flush()
}

// Snapshot returns copies of all four queues.
func (f *Frontier) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{
		Pending:    cloneAll(f.queues[StatePending]),
		Processing: cloneAll(f.queues[StateProcessing]),
		Completed:  cloneAll(f.queues[StateCompleted]),
		Failed:     cloneAll(f.queues[StateFailed]),
	}
}

// Pages returns copies of the pages in one queue.
func (f *Frontier) Pages(state State) []*crawler.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneAll(f.queues[state])
}

// Counts returns the size of every queue.
func (f *Frontier) Counts() crawler.QueueCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return crawler.QueueCounts{
		Pending:    len(f.queues[StatePending]),
		Processing: len(f.queues[StateProcessing]),
		Completed:  len(f.queues[StateCompleted]),
		Failed:     len(f.queues[StateFailed]),
	}
}

// flush rewrites every dirty queue file, the ones named in order first. A
// failed write leaves the remaining queues dirty. Must be called with f.mu
// held.
func (f *Frontier) flush(order ...State) error {
	for _, state := range append(order, States...) {
		if !f.dirty[state] {
			continue
		}
		pages := f.queues[state]
		if pages == nil {
			pages = []*crawler.Page{}
		}
		if err := local.WriteJSON(QueuePath(f.dir, f.jobID, state), pages); err != nil {
			return crawler.StorageError("persist "+string(state)+" queue", err)
		}
		f.dirty[state] = false
	}
	return nil
}

func cloneAll(pages []*crawler.Page) []*crawler.Page {
	out := make([]*crawler.Page, 0, len(pages))
	for _, p := range pages {
		out = append(out, p.Clone())
	}
	return out
}
