package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"labyrinth/internal/session"

	"github.com/go-pg/pg/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ session.Store = (*Repository)(nil)

// Repository persists sessions in Postgres with a redis read-through
// cache. Decisions are append-only.
type Repository struct {
	db    *pg.DB
	redis redis.Cmdable
}

func NewRepository(db *pg.DB, redis redis.Cmdable) *Repository {
	return &Repository{db: db, redis: redis}
}

func (r *Repository) GetOrCreate(ctx context.Context, id, sourceAddr string, ttl time.Duration) (*session.Session, error) {
	existing, err := r.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	sess := &session.Session{
		ID:           id,
		SourceAddr:   sourceAddr,
		Cookie:       session.Cookie(id),
		CurrentTier:  0,
		State:        session.StateActive,
		UnitsByTier:  make(map[int]string),
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(ttl),
	}

	model, err := toModel(sess)
	if err != nil {
		return nil, err
	}
	if _, err := r.db.Model(model).Insert(); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*session.Session, error) {
	if r.redis != nil {
		if val, err := r.redis.Get(ctx, sessionCacheKey(id)).Result(); err == nil {
			var sess session.Session
			if err := json.Unmarshal([]byte(val), &sess); err == nil {
				return &sess, nil
			}
		}
	}

	model := &SessionModel{ID: id}
	if err := r.db.Model(model).WherePK().Select(); err != nil {
		if errors.Is(err, pg.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
		}
		return nil, fmt.Errorf("select session: %w", err)
	}

	sess, err := fromModel(model)
	if err != nil {
		return nil, err
	}

	if r.redis != nil {
		if b, err := json.Marshal(sess); err == nil {
			_ = r.redis.Set(ctx, sessionCacheKey(id), b, sessionCacheTTL).Err()
		}
	}
	return sess, nil
}

func (r *Repository) Update(ctx context.Context, sess *session.Session) error {
	sess.UpdatedAt = time.Now()
	model, err := toModel(sess)
	if err != nil {
		return err
	}
	res, err := r.db.Model(model).WherePK().Update()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", session.ErrNotFound, sess.ID)
	}

	if r.redis != nil {
		_ = r.redis.Del(ctx, sessionCacheKey(sess.ID)).Err()
	}
	return nil
}

func (r *Repository) ListByState(ctx context.Context, states ...session.State) ([]*session.Session, error) {
	var models []SessionModel
	q := r.db.Model(&models).Order("created_at DESC")
	if len(states) > 0 {
		q = q.Where("state IN (?)", pg.In(states))
	}
	if err := q.Select(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return fromModels(models)
}

func (r *Repository) ListExpired(ctx context.Context, now time.Time) ([]*session.Session, error) {
	var models []SessionModel
	err := r.db.Model(&models).
		Where("state = ?", session.StateActive).
		Where("expires_at < ?", now).
		Select()
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return fromModels(models)
}

func (r *Repository) CountActive(ctx context.Context) (int, error) {
	count, err := r.db.Model(&SessionModel{}).
		Where("state = ?", session.StateActive).
		Count()
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return count, nil
}

func (r *Repository) AppendDecision(ctx context.Context, rec session.DecisionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	model := &DecisionModel{
		ID:         rec.ID,
		SessionID:  rec.SessionID,
		Outcome:    rec.Outcome,
		FromTier:   rec.FromTier,
		TargetTier: rec.TargetTier,
		UnitID:     rec.UnitID,
		Score:      rec.Score,
		Reason:     rec.Reason,
		CreatedAt:  rec.CreatedAt,
	}
	if _, err := r.db.Model(model).Insert(); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (r *Repository) ListDecisions(ctx context.Context, sessionID string) ([]session.DecisionRecord, error) {
	var models []DecisionModel
	err := r.db.Model(&models).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Select()
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}

	out := make([]session.DecisionRecord, 0, len(models))
	for _, m := range models {
		out = append(out, session.DecisionRecord{
			ID:         m.ID,
			SessionID:  m.SessionID,
			Outcome:    m.Outcome,
			FromTier:   m.FromTier,
			TargetTier: m.TargetTier,
			UnitID:     m.UnitID,
			Score:      m.Score,
			Reason:     m.Reason,
			CreatedAt:  m.CreatedAt,
		})
	}
	return out, nil
}

func toModel(sess *session.Session) (*SessionModel, error) {
	unitsJSON, err := json.Marshal(sess.UnitsByTier)
	if err != nil {
		return nil, fmt.Errorf("marshal units_by_tier: %w", err)
	}
	return &SessionModel{
		ID:              sess.ID,
		SourceAddr:      sess.SourceAddr,
		Cookie:          sess.Cookie,
		CurrentTier:     sess.CurrentTier,
		State:           sess.State,
		Score:           sess.Score,
		UnitID:          sess.UnitID,
		UnitsByTier:     string(unitsJSON),
		EscalationCount: sess.EscalationCount,
		CreatedAt:       sess.CreatedAt,
		UpdatedAt:       sess.UpdatedAt,
		LastActiveAt:    sess.LastActiveAt,
		ExpiresAt:       sess.ExpiresAt,
	}, nil
}

func fromModel(m *SessionModel) (*session.Session, error) {
	units := make(map[int]string)
	if m.UnitsByTier != "" {
		if err := json.Unmarshal([]byte(m.UnitsByTier), &units); err != nil {
			return nil, fmt.Errorf("unmarshal units_by_tier: %w", err)
		}
	}
	return &session.Session{
		ID:              m.ID,
		SourceAddr:      m.SourceAddr,
		Cookie:          m.Cookie,
		CurrentTier:     m.CurrentTier,
		State:           m.State,
		Score:           m.Score,
		UnitID:          m.UnitID,
		UnitsByTier:     units,
		EscalationCount: m.EscalationCount,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		LastActiveAt:    m.LastActiveAt,
		ExpiresAt:       m.ExpiresAt,
	}, nil
}

func fromModels(models []SessionModel) ([]*session.Session, error) {
	out := make([]*session.Session, 0, len(models))
	for i := range models {
		sess, err := fromModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
