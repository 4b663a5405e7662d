package document

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// Applier applies the normalized extraction data to the subject's profile
// once a document reaches the processed state. A failure demotes the
// document to error.
type Applier interface {
	Apply(ctx context.Context, doc *Document, rawData map[string]any) error
}

// TransitionResult describes the outcome of applying a callback.
type TransitionResult struct {
	PreviousState State
	FinalState    State

	// Duplicate is true when the callback re-announced a terminal success
	// the document already holds; nothing was written and no side effects
	// may run.
	Duplicate bool

	NormalizedApplied bool
	NormalizedError   string
}

// StateMachine advances documents through draft → processing →
// {processed, error}. The read-check-write of a transition is serialized per
// document so two near-simultaneous duplicate terminal callbacks cannot both
// pass the idempotency guard.
type StateMachine struct {
	store   Store
	applier Applier
	locks   keyLocks
	logger  *slog.Logger
}

// NewStateMachine creates a StateMachine over the given store and normalize
// applier.
func NewStateMachine(store Store, applier Applier) *StateMachine {
	return &StateMachine{
		store:   store,
		applier: applier,
		logger:  slog.Default().With("component", "state-machine"),
	}
}

// Apply performs the transition described by cb on doc. The write is durable
// before Apply returns a non-duplicate result: later side-effect failures
// cannot roll it back. On a transition into processed, the normalize applier
// runs; its failure demotes the document to error, and that demotion is
// persisted too.
func (m *StateMachine) Apply(ctx context.Context, doc *Document, cb Callback) (TransitionResult, error) {
	mu := m.locks.forID(doc.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: the snapshot from the lookup may be stale.
	current, err := m.store.State(ctx, doc.ID)
	if err != nil {
		return TransitionResult{}, err
	}
	if current == "" {
		current = StateDraft
	}

	res := TransitionResult{PreviousState: current, FinalState: cb.MappedState}

	if current == StateProcessed && cb.MappedState == StateProcessed {
		m.logger.Info("duplicate terminal callback ignored",
			"document_id", doc.ID,
			"subject_id", doc.SubjectID,
		)
		res.FinalState = StateProcessed
		res.Duplicate = true
		return res, nil
	}

	doc.State = cb.MappedState
	doc.LastCallbackStatus = cb.StatusRaw
	if doc.LastCallbackStatus == "" {
		doc.LastCallbackStatus = string(cb.MappedState)
	}
	doc.LastCallbackAt = time.Now().UTC()
	// Batch identity already on the document wins over payload values.
	if doc.BatchToken == "" {
		doc.BatchToken = cb.BatchToken
	}
	if doc.BatchOrder == 0 {
		doc.BatchOrder = cb.BatchOrder
	}
	if cb.JobID != "" {
		doc.JobID = cb.JobID
	}
	doc.RawResponse = cb.RawResponse

	if err := m.store.ApplyTransition(ctx, doc); err != nil {
		return TransitionResult{}, err
	}

	if cb.MappedState == StateProcessed && m.applier != nil {
		if err := m.applier.Apply(ctx, doc, cb.RawData); err != nil {
			m.logger.Error("applying normalized data failed, demoting document",
				"document_id", doc.ID,
				"subject_id", doc.SubjectID,
				"error", err,
			)
			res.FinalState = StateError
			res.NormalizedError = err.Error()
			doc.State = StateError
			doc.StatusMessage = err.Error()
			if demoteErr := m.store.Demote(ctx, doc.ID, err.Error()); demoteErr != nil {
				return TransitionResult{}, demoteErr
			}
		} else {
			res.NormalizedApplied = true
		}
	}

	return res, nil
}

// keyLocks serializes transitions per document with a fixed set of striped
// mutexes.
type keyLocks struct {
	mus [64]sync.Mutex
}

func (k *keyLocks) forID(id int64) *sync.Mutex {
	h := fnv.New32a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(id >> (8 * i))
	}
	h.Write(buf[:])
	return &k.mus[h.Sum32()%uint32(len(k.mus))]
}
