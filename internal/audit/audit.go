// Package audit implements the append-only audit log: every mutating
// operation's outcome is recorded, successes and failures alike, queryable
// by time window, caller, category, level, and entity.
//
// The write path is a single append to a durable list region that must
// never block the caller's primary operation on its own failure.
package audit

import (
	"time"

	"agrilend/internal/domain"
	"agrilend/internal/store"

	"github.com/google/uuid"
)

// Logger appends audit entries and answers queries against them. A write
// failure here is counted (through onDrop) and returned from Log, but never
// propagated as a failure of the operation being audited. The audit trail
// is best-effort durable, not a commit gate.
type Logger struct {
	store   *store.Store
	now     func() time.Time
	onDrop  func()
	maxSize int
}

const auditListKey = "entries"

// New constructs a Logger. maxSize is the FIFO cap on the audit trail's
// length; onDrop is invoked (may be nil) each time a write is dropped
// (Log makes a single attempt, with no retry), so the caller can increment a metrics counter
// (internal/metrics' AuditDroppedWrites).
func New(s *store.Store, maxSize int, onDrop func()) *Logger {
	return &Logger{store: s, now: time.Now, maxSize: maxSize, onDrop: onDrop}
}

// SetClock overrides the time source, for deterministic tests.
func (l *Logger) SetClock(now func() time.Time) { l.now = now }

// Entry is the input to Log; ID, Timestamp, and CorrelationID (if empty) are
// filled in by Log itself.
type Entry struct {
	Caller        domain.Principal
	Category      string
	Action        string
	Level         domain.AuditLevel
	Success       bool
	Error         string
	CorrelationID string
	Before        domain.EntitySnapshot
	After         domain.EntitySnapshot
}

// Log appends e to the audit trail. Returns the assigned id on success. On
// storage failure it invokes onDrop and returns the error. Callers must
// not let this error abort the operation being audited; they should log it
// via slog and continue.
func (l *Logger) Log(e Entry) (uint64, error) {
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	tx, err := l.store.Begin()
	if err != nil {
		if l.onDrop != nil {
			l.onDrop()
		}
		return 0, err
	}
	id, err := tx.NextID("audit")
	if err != nil {
		_ = tx.Rollback()
		if l.onDrop != nil {
			l.onDrop()
		}
		return 0, err
	}
	record := domain.AuditEntry{
		ID:            id,
		Timestamp:     uint64(l.now().Unix()),
		Caller:        e.Caller,
		Category:      e.Category,
		Action:        e.Action,
		Level:         e.Level,
		Success:       e.Success,
		Error:         e.Error,
		CorrelationID: e.CorrelationID,
		Before:        e.Before,
		After:         e.After,
	}
	if err := tx.Append(store.RegionAudit, auditListKey, record); err != nil {
		_ = tx.Rollback()
		if l.onDrop != nil {
			l.onDrop()
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		if l.onDrop != nil {
			l.onDrop()
		}
		return 0, err
	}
	l.enforceCap()
	return id, nil
}

// enforceCap trims the oldest entries once the list exceeds maxSize. Errors
// are swallowed: a failed trim just means the log grows past its cap until
// the next successful Log call retries it, which is preferable to failing
// the write that triggered the check.
func (l *Logger) enforceCap() {
	if l.maxSize <= 0 {
		return
	}
	n, err := l.store.ListLen(store.RegionAudit, auditListKey)
	if err != nil || n <= l.maxSize {
		return
	}
	_ = l.store.TruncateListHead(store.RegionAudit, auditListKey, n-l.maxSize)
}

// Filter selects which entries Query returns. Zero-valued fields are
// unconstrained except where noted.
type Filter struct {
	Since         uint64 // unix seconds; 0 = unconstrained
	Until         uint64 // unix seconds; 0 = unconstrained
	Caller        domain.Principal
	Category      string
	Level         domain.AuditLevel
	ActionPrefix  string
	EntityKind    string
	EntityID      uint64
	HasEntityID   bool
	SuccessFilter *bool
	Limit         int
	Offset        int
}

func (f Filter) matches(e domain.AuditEntry) bool {
	if f.Since != 0 && e.Timestamp < f.Since {
		return false
	}
	if f.Until != 0 && e.Timestamp > f.Until {
		return false
	}
	if f.Caller != "" && e.Caller != f.Caller {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.ActionPrefix != "" && !hasPrefix(e.Action, f.ActionPrefix) {
		return false
	}
	if f.HasEntityID {
		matchesEntity := (e.Before.Kind == f.EntityKind && e.Before.ID == f.EntityID) ||
			(e.After.Kind == f.EntityKind && e.After.ID == f.EntityID)
		if !matchesEntity {
			return false
		}
	}
	if f.SuccessFilter != nil && e.Success != *f.SuccessFilter {
		return false
	}
	return true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Query returns entries matching f, newest first, honoring Limit/Offset.
func (l *Logger) Query(f Filter) ([]domain.AuditEntry, error) {
	var matched []domain.AuditEntry
	err := l.store.IterateList(store.RegionAudit, auditListKey, func(raw []byte) error {
		var e domain.AuditEntry
		if err := decode(raw, &e); err != nil {
			return err
		}
		if f.matches(e) {
			matched = append(matched, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// reverse to newest-first
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, nil
}
