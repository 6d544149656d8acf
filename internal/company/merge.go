package company

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/model"
)

// Locker serializes merges that share an identity key. kv.Locker satisfies it
// for multi-process deployments.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is an in-process Locker backed by a fixed set of mutex stripes.
type LocalLocker struct {
	stripes []sync.Mutex
}

// NewLocalLocker creates a LocalLocker with n stripes (default 64).
func NewLocalLocker(n int) *LocalLocker {
	if n <= 0 {
		n = 64
	}
	return &LocalLocker{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key. Context cancellation is not observed
// once waiting; stripe hold times are a single merge.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "company: lock")
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	mu.Lock()
	return mu.Unlock, nil
}

// MergeResult reports the outcome of merging one candidate.
type MergeResult struct {
	CompanyID int64
	IsNew     bool
	Company   *CompanyRecord
}

// Merger reconciles candidates against the persisted company set so that
// each real company maps to exactly one record.
type Merger struct {
	store  Store
	locker Locker
	log    *zap.Logger
}

// NewMerger creates a Merger. A nil locker uses a LocalLocker.
func NewMerger(store Store, locker Locker) *Merger {
	if locker == nil {
		locker = NewLocalLocker(0)
	}
	return &Merger{store: store, locker: locker, log: zap.L().Named("merge")}
}

// Merge finds the record matching cand (by domain when known, otherwise by
// case-insensitive name) or creates one. An existing record keeps its fields;
// only the candidate's source is added to it.
func (m *Merger) Merge(ctx context.Context, cand model.CandidateCompany) (MergeResult, error) {
	rec := NewRecord(cand)
	if rec.Name == "" {
		return MergeResult{}, eris.New("company: merge candidate without name")
	}

	key := identityKey(rec)
	unlock, err := m.locker.Lock(ctx, key)
	if err != nil {
		return MergeResult{}, eris.Wrapf(err, "company: merge %s", key)
	}
	defer unlock()

	existing, err := m.find(ctx, rec)
	if err != nil {
		return MergeResult{}, err
	}
	if existing != nil {
		return m.attach(ctx, existing, cand.Source)
	}

	inserted, err := m.store.InsertCompany(ctx, rec)
	if err != nil {
		return MergeResult{}, eris.Wrapf(err, "company: merge %s", key)
	}
	if inserted {
		m.log.Debug("created company",
			zap.Int64("id", rec.ID),
			zap.String("name", rec.Name),
			zap.String("domain", rec.Domain),
			zap.String("source", cand.Source),
		)
		return MergeResult{CompanyID: rec.ID, IsNew: true, Company: rec}, nil
	}

	// Lost an insert race against another process; the winner is now visible.
	existing, err = m.find(ctx, rec)
	if err != nil {
		return MergeResult{}, err
	}
	if existing == nil {
		return MergeResult{}, eris.Errorf("company: merge %s: conflict without match", key)
	}
	return m.attach(ctx, existing, cand.Source)
}

// Link records that run surfaced the company. Repeats are no-ops.
func (m *Merger) Link(ctx context.Context, runID string, companyID int64, source string, score float64) error {
	return m.store.LinkSearchResult(ctx, SearchResultLink{
		RunID:      runID,
		CompanyID:  companyID,
		Source:     source,
		MatchScore: score,
	})
}

func (m *Merger) find(ctx context.Context, rec *CompanyRecord) (*CompanyRecord, error) {
	if rec.Domain != "" {
		c, err := m.store.FindByDomain(ctx, rec.Domain)
		return c, eris.Wrapf(err, "company: find domain %s", rec.Domain)
	}
	c, err := m.store.FindByName(ctx, rec.Name)
	return c, eris.Wrapf(err, "company: find name %s", rec.Name)
}

func (m *Merger) attach(ctx context.Context, existing *CompanyRecord, source string) (MergeResult, error) {
	if source != "" {
		if err := m.store.AddSource(ctx, existing.ID, source); err != nil {
			return MergeResult{}, err
		}
		if !existing.HasSource(source) {
			existing.Sources = append(existing.Sources, source)
		}
	}
	return MergeResult{CompanyID: existing.ID, IsNew: false, Company: existing}, nil
}

func identityKey(rec *CompanyRecord) string {
	if rec.Domain != "" {
		return "domain:" + rec.Domain
	}
	return "name:" + strings.ToLower(rec.Name)
}
