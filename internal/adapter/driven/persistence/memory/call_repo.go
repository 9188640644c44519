package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

type CallRepository struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]*domain.CallSession
}

func NewCallRepository() *CallRepository {
	return &CallRepository{
		sessions: make(map[domain.SessionID]*domain.CallSession),
	}
}

func (r *CallRepository) Create(ctx context.Context, s *domain.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.sessions[s.ID] = s.Clone()
	return nil
}

func (r *CallRepository) Get(ctx context.Context, id domain.SessionID) (*domain.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *CallRepository) Update(ctx context.Context, id domain.SessionID, mutate port.CallMutation, expect ...domain.CallStatus) (*domain.CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !cur.Status.Matches(expect...) {
		return nil, fmt.Errorf("%w: call is %s", domain.ErrNotEligible, cur.Status)
	}

	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if !domain.CanUpdate(cur, next) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrNotEligible, cur.Status, next.Status)
	}
	next.ID = cur.ID
	r.sessions[id] = next
	return next.Clone(), nil
}

func (r *CallRepository) ListByUser(ctx context.Context, userID domain.UserID, offset, limit int) ([]domain.CallSession, int, error) {
	r.mu.Lock()
	var matched []*domain.CallSession
	for _, s := range r.sessions {
		if s.IsParticipant(userID) {
			matched = append(matched, s.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	out := make([]domain.CallSession, 0, limit)
	for i := offset; i < total && len(out) < limit; i++ {
		out = append(out, *matched[i])
	}
	return out, total, nil
}

func (r *CallRepository) ListStale(ctx context.Context, status domain.CallStatus, cutoff time.Time, limit int) ([]domain.CallSession, error) {
	r.mu.Lock()
	var stale []domain.CallSession
	for _, s := range r.sessions {
		if s.Status == status && s.StatusSince().Before(cutoff) {
			stale = append(stale, *s.Clone())
		}
	}
	r.mu.Unlock()

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].StatusSince().Before(stale[j].StatusSince())
	})
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
