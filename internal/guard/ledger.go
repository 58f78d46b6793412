// Package guard binds every extraction result to the case, artifact, content
// digest and job sequence it was issued for, and rejects anything else.
package guard

import (
	"fmt"
	"sync"

	"github.com/quothealth-eric/wyngai-system-sub007/internal/billing"
	apperrors "github.com/quothealth-eric/wyngai-system-sub007/internal/shared/errors"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/metrics"
	"github.com/quothealth-eric/wyngai-system-sub007/internal/shared/types"
)

// Rejection reasons.
const (
	ReasonUnknownCase      = "unknown_case"
	ReasonUnknownArtifact  = "unknown_artifact"
	ReasonCaseMismatch     = "case_mismatch"
	ReasonArtifactMismatch = "artifact_mismatch"
	ReasonDigestUnset      = "digest_unset"
	ReasonDigestMismatch   = "digest_mismatch"
	ReasonStaleSequence    = "stale_sequence"
)

// Envelope is the identity every externally supplied result must declare.
// A zero JobSeq means the caller did not sequence the result; it is accepted
// as the next sequence after the last accepted one.
type Envelope struct {
	CaseID         types.ID     `json:"case_id"`
	ArtifactID     types.ID     `json:"artifact_id"`
	ArtifactDigest types.Digest `json:"artifact_digest"`
	JobSeq         uint64       `json:"job_seq,omitempty"`
}

// Decision is the guard's verdict on one envelope.
type Decision struct {
	Accepted bool                `json:"accepted"`
	Reason   string              `json:"reason,omitempty"`
	Binding  billing.CaseBinding `json:"binding"`
}

// Err converts a rejection into a CorrelationFailure. It returns nil for
// accepted envelopes.
func (d Decision) Err(env Envelope) error {
	if d.Accepted {
		return nil
	}
	return apperrors.CorrelationFailure(env.CaseID.String(), env.ArtifactID.String(), d.Reason)
}

type binding struct {
	billing.CaseBinding
	issued uint64
}

type caseEntry struct {
	mu        sync.Mutex
	cleared   bool
	artifacts map[types.ID]*binding
	order     []types.ID
}

// Ledger holds the bindings for every active case. Each case has its own
// lock, so artifacts of different cases never contend.
type Ledger struct {
	mu     sync.Mutex
	cases  map[types.ID]*caseEntry
	owners map[types.ID]types.ID
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		cases:  make(map[types.ID]*caseEntry),
		owners: make(map[types.ID]types.ID),
	}
}

// Register binds an artifact to a case in the uploading state. The digest may
// be empty and assigned later with AssignDigest. Registering the same
// artifact again with the same or an empty digest is a no-op.
func (l *Ledger) Register(caseID, artifactID types.ID, digest types.Digest) (billing.CaseBinding, error) {
	if caseID.IsZero() || artifactID.IsZero() {
		return billing.CaseBinding{}, apperrors.BadRequest("case and artifact IDs are required")
	}
	for {
		cb, cleared, err := l.register(caseID, artifactID, digest)
		if !cleared {
			return cb, err
		}
	}
}

// register reports cleared when ClearCase detached the case entry between
// the two locks; the caller retries against a fresh entry.
func (l *Ledger) register(caseID, artifactID types.ID, digest types.Digest) (billing.CaseBinding, bool, error) {
	l.mu.Lock()
	if owner, ok := l.owners[artifactID]; ok && owner != caseID {
		l.mu.Unlock()
		return billing.CaseBinding{}, false, apperrors.CorrelationFailure(caseID.String(), artifactID.String(), ReasonCaseMismatch)
	}
	entry, ok := l.cases[caseID]
	if !ok {
		entry = &caseEntry{artifacts: make(map[types.ID]*binding)}
		l.cases[caseID] = entry
	}
	l.owners[artifactID] = caseID
	l.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.cleared {
		return billing.CaseBinding{}, true, nil
	}
	if b, ok := entry.artifacts[artifactID]; ok {
		if err := b.assign(digest); err != nil {
			return b.CaseBinding, false, err
		}
		return b.CaseBinding, false, nil
	}

	b := &binding{CaseBinding: billing.CaseBinding{
		CaseID:        caseID,
		ArtifactID:    artifactID,
		ContentDigest: digest,
		Status:        billing.ArtifactStatusUploading,
	}}
	entry.artifacts[artifactID] = b
	entry.order = append(entry.order, artifactID)
	return b.CaseBinding, false, nil
}

// Restore registers an artifact known from storage and raises its last
// accepted job sequence to lastSeq, so results older than what was stored
// before a restart stay rejected.
func (l *Ledger) Restore(caseID, artifactID types.ID, digest types.Digest, lastSeq uint64) (billing.CaseBinding, error) {
	if _, err := l.Register(caseID, artifactID, digest); err != nil {
		return billing.CaseBinding{}, err
	}
	var out billing.CaseBinding
	err := l.update(caseID, artifactID, func(b *binding) error {
		b.LastJobSeq = max(b.LastJobSeq, lastSeq)
		out = b.CaseBinding
		return nil
	})
	return out, err
}

// AssignDigest sets an artifact's digest. It may be set exactly once.
func (l *Ledger) AssignDigest(caseID, artifactID types.ID, digest types.Digest) error {
	if digest.IsZero() {
		return apperrors.BadRequest("digest is required")
	}
	return l.update(caseID, artifactID, func(b *binding) error {
		return b.assign(digest)
	})
}

func (b *binding) assign(digest types.Digest) error {
	if digest.IsZero() || b.ContentDigest == digest {
		return nil
	}
	if !b.ContentDigest.IsZero() {
		return apperrors.CorrelationFailure(b.CaseID.String(), b.ArtifactID.String(), ReasonDigestMismatch)
	}
	b.ContentDigest = digest
	return nil
}

// NextSeq issues the next job sequence for an artifact. Issued sequences are
// strictly increasing even when earlier jobs never report back.
func (l *Ledger) NextSeq(caseID, artifactID types.ID) (uint64, error) {
	var seq uint64
	err := l.update(caseID, artifactID, func(b *binding) error {
		b.issued = max(b.issued, b.LastJobSeq) + 1
		seq = b.issued
		return nil
	})
	return seq, err
}

// Accept checks an envelope against the ledger and, when it matches, records
// its job sequence as the last accepted one.
func (l *Ledger) Accept(env Envelope) Decision {
	d := l.accept(env)
	metrics.RecordGuardDecision(d.Accepted, d.Reason)
	return d
}

// AcceptFor is Accept for a result requested for one artifact. An envelope
// naming any other case or artifact is rejected without touching the
// ledger, even when that other artifact is bound.
func (l *Ledger) AcceptFor(caseID, artifactID types.ID, env Envelope) Decision {
	var d Decision
	switch {
	case env.CaseID != caseID:
		d = Decision{Reason: ReasonCaseMismatch}
	case env.ArtifactID != artifactID:
		d = Decision{Reason: ReasonArtifactMismatch}
	default:
		return l.Accept(env)
	}
	metrics.RecordGuardDecision(false, d.Reason)
	return d
}

func (l *Ledger) accept(env Envelope) Decision {
	l.mu.Lock()
	entry, ok := l.cases[env.CaseID]
	owner, owned := l.owners[env.ArtifactID]
	l.mu.Unlock()

	if owned && owner != env.CaseID {
		return Decision{Reason: ReasonCaseMismatch}
	}
	if !ok {
		return Decision{Reason: ReasonUnknownCase}
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.cleared {
		return Decision{Reason: ReasonUnknownCase}
	}
	b, ok := entry.artifacts[env.ArtifactID]
	if !ok {
		return Decision{Reason: ReasonUnknownArtifact}
	}
	if b.ContentDigest.IsZero() {
		return Decision{Reason: ReasonDigestUnset, Binding: b.CaseBinding}
	}
	if env.ArtifactDigest != b.ContentDigest {
		return Decision{Reason: ReasonDigestMismatch, Binding: b.CaseBinding}
	}

	seq := env.JobSeq
	if seq == 0 {
		seq = b.LastJobSeq + 1
	}
	if seq <= b.LastJobSeq {
		return Decision{Reason: ReasonStaleSequence, Binding: b.CaseBinding}
	}
	b.LastJobSeq = seq
	return Decision{Accepted: true, Binding: b.CaseBinding}
}

// Binding returns the current ledger entry for an artifact.
func (l *Ledger) Binding(caseID, artifactID types.ID) (billing.CaseBinding, bool) {
	var out billing.CaseBinding
	err := l.update(caseID, artifactID, func(b *binding) error {
		out = b.CaseBinding
		return nil
	})
	return out, err == nil
}

// Bindings returns a case's entries in registration order.
func (l *Ledger) Bindings(caseID types.ID) []billing.CaseBinding {
	entry := l.entry(caseID)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	out := make([]billing.CaseBinding, 0, len(entry.order))
	for _, id := range entry.order {
		out = append(out, entry.artifacts[id].CaseBinding)
	}
	return out
}

// ClearCase removes every binding of a case and returns how many were
// removed. Results still in flight for the case are rejected afterwards.
func (l *Ledger) ClearCase(caseID types.ID) int {
	l.mu.Lock()
	entry, ok := l.cases[caseID]
	if !ok {
		l.mu.Unlock()
		return 0
	}
	delete(l.cases, caseID)
	for artifactID, owner := range l.owners {
		if owner == caseID {
			delete(l.owners, artifactID)
		}
	}
	l.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.cleared = true
	n := len(entry.artifacts)
	entry.artifacts = map[types.ID]*binding{}
	entry.order = nil
	return n
}

func (l *Ledger) entry(caseID types.ID) *caseEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cases[caseID]
}

func (l *Ledger) update(caseID, artifactID types.ID, fn func(b *binding) error) error {
	entry := l.entry(caseID)
	if entry == nil {
		return apperrors.NotFound("case", caseID.String())
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	b, ok := entry.artifacts[artifactID]
	if entry.cleared || !ok {
		return apperrors.NotFound("artifact", artifactID.String())
	}
	return fn(b)
}

var transitions = map[billing.ArtifactStatus][]billing.ArtifactStatus{
	billing.ArtifactStatusUploading:  {billing.ArtifactStatusProcessing},
	billing.ArtifactStatusProcessing: {billing.ArtifactStatusCompleted, billing.ArtifactStatusError},
	billing.ArtifactStatusCompleted:  {billing.ArtifactStatusProcessing},
	billing.ArtifactStatusError:      {billing.ArtifactStatusProcessing},
}

// CanTransition reports whether an artifact may move from one status to
// another. Finished artifacts may be reprocessed.
func CanTransition(from, to billing.ArtifactStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves an artifact to a new status.
func (l *Ledger) Transition(caseID, artifactID types.ID, to billing.ArtifactStatus) error {
	return l.update(caseID, artifactID, func(b *binding) error {
		if !CanTransition(b.Status, to) {
			return apperrors.Conflict(fmt.Sprintf("artifact %s cannot move from %s to %s", artifactID, b.Status, to))
		}
		b.Status = to
		return nil
	})
}
