package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// stepStateRecord is the relational shape of a StepState. Nested objects
// are stored as JSON blobs; the status, event type and retry timestamp are
// denormalized into indexed columns for the hot queries.
type stepStateRecord struct {
	ID       string `gorm:"primaryKey;size:64"`
	TenantID string `gorm:"index;size:128"`
	RunID    string `gorm:"index;size:128"`
	StepID   string `gorm:"size:256"`
	StepType string `gorm:"size:128"`

	Status     string `gorm:"index;size:32"`
	ResultCode string `gorm:"size:32"`

	Output     []byte
	Error      string
	ErrorStack string
	SkipReason string

	Approval     []byte
	ExternalWait []byte
	EventType    string `gorm:"index;size:128"`
	Retry        []byte
	NextRetryAt  *time.Time `gorm:"index"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	DurationMs  int64
	TokensUsed  int64

	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (stepStateRecord) TableName() string { return "step_states" }

func toRecord(s *StepState) (*stepStateRecord, error) {
	rec := &stepStateRecord{
		ID:          s.ID,
		TenantID:    s.TenantID,
		RunID:       s.RunID,
		StepID:      s.StepID,
		StepType:    s.StepType,
		Status:      string(s.Status),
		ResultCode:  string(s.ResultCode),
		Error:       s.Error,
		ErrorStack:  s.ErrorStack,
		SkipReason:  s.SkipReason,
		NextRetryAt: s.Retry.NextRetryAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
		DurationMs:  s.DurationMs,
		TokensUsed:  s.TokensUsed,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	var err error
	if s.Output != nil {
		if rec.Output, err = json.Marshal(s.Output); err != nil {
			return nil, fmt.Errorf("marshal output: %w", err)
		}
	}
	if s.Approval != nil {
		if rec.Approval, err = json.Marshal(s.Approval); err != nil {
			return nil, fmt.Errorf("marshal approval: %w", err)
		}
	}
	if s.ExternalWait != nil {
		if rec.ExternalWait, err = json.Marshal(s.ExternalWait); err != nil {
			return nil, fmt.Errorf("marshal external wait: %w", err)
		}
		rec.EventType = s.ExternalWait.EventType
	}
	if rec.Retry, err = json.Marshal(s.Retry); err != nil {
		return nil, fmt.Errorf("marshal retry state: %w", err)
	}
	return rec, nil
}

func fromRecord(rec *stepStateRecord) (*StepState, error) {
	s := &StepState{
		ID:          rec.ID,
		TenantID:    rec.TenantID,
		RunID:       rec.RunID,
		StepID:      rec.StepID,
		StepType:    rec.StepType,
		Status:      Status(rec.Status),
		ResultCode:  ResultCode(rec.ResultCode),
		Error:       rec.Error,
		ErrorStack:  rec.ErrorStack,
		SkipReason:  rec.SkipReason,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		DurationMs:  rec.DurationMs,
		TokensUsed:  rec.TokensUsed,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if len(rec.Output) > 0 {
		if err := json.Unmarshal(rec.Output, &s.Output); err != nil {
			return nil, fmt.Errorf("unmarshal output for %s: %w", rec.ID, err)
		}
	}
	if len(rec.Approval) > 0 {
		s.Approval = &Approval{}
		if err := json.Unmarshal(rec.Approval, s.Approval); err != nil {
			return nil, fmt.Errorf("unmarshal approval for %s: %w", rec.ID, err)
		}
	}
	if len(rec.ExternalWait) > 0 {
		s.ExternalWait = &ExternalWait{}
		if err := json.Unmarshal(rec.ExternalWait, s.ExternalWait); err != nil {
			return nil, fmt.Errorf("unmarshal external wait for %s: %w", rec.ID, err)
		}
	}
	if len(rec.Retry) > 0 {
		if err := json.Unmarshal(rec.Retry, &s.Retry); err != nil {
			return nil, fmt.Errorf("unmarshal retry state for %s: %w", rec.ID, err)
		}
	}
	return s, nil
}

// SQLStore is the relational Store backend, backed by GORM. Use OpenSQLite
// for embedded deployments and tests, OpenPostgres for servers.
type SQLStore struct {
	transitions

	db     *gorm.DB
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewSQLStore wraps an existing GORM handle and migrates the schema.
func NewSQLStore(db *gorm.DB, logger *zap.Logger) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: gorm handle is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&stepStateRecord{}); err != nil {
		return nil, fmt.Errorf("migrate step_states: %w", err)
	}
	s := &SQLStore{
		db:     db,
		logger: logger.With(zap.String("component", "state_store"), zap.String("backend", "sql")),
	}
	s.transitions = newTransitions(s)
	return s, nil
}

// OpenSQLite opens (or creates) a SQLite database at path. Use ":memory:"
// for an ephemeral store.
func OpenSQLite(path string, logger *zap.Logger) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return NewSQLStore(db, logger)
}

// OpenPostgres connects to PostgreSQL with the given DSN.
func OpenPostgres(dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return NewSQLStore(db, logger)
}

func (s *SQLStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *SQLStore) Create(ctx context.Context, state *StepState) error {
	return s.CreateMany(ctx, []*StepState{state})
}

func (s *SQLStore) CreateMany(ctx context.Context, states []*StepState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	now := s.now()
	records := make([]*stepStateRecord, 0, len(states))
	for _, state := range states {
		if err := validateForCreate(state); err != nil {
			return err
		}
		stamp(state, now)
		rec, err := toRecord(state)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(records).Error
}

func (s *SQLStore) Get(ctx context.Context, id string) (*StepState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var rec stepStateRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(&rec)
}

func (s *SQLStore) Update(ctx context.Context, state *StepState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("%w: step state with id is required", ErrInvalidInput)
	}
	prev, err := s.Get(ctx, state.ID)
	if err != nil {
		return err
	}
	state.CreatedAt = prev.CreatedAt
	state.UpdatedAt = s.now()
	rec, err := toRecord(state)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Delete(&stepStateRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLStore) GetByRun(ctx context.Context, runID string) ([]*StepState, error) {
	return s.Query(ctx, Filter{RunID: runID})
}

func (s *SQLStore) GetByRunAsMap(ctx context.Context, runID string) (map[string]*StepState, error) {
	states, err := s.GetByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return indexByStepID(states), nil
}

func (s *SQLStore) DeleteByRun(ctx context.Context, runID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Delete(&stepStateRecord{}, "run_id = ?", runID)
	return int(res.RowsAffected), res.Error
}

func (s *SQLStore) Query(ctx context.Context, f Filter) ([]*StepState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Model(&stepStateRecord{})
	if f.RunID != "" {
		q = q.Where("run_id = ?", f.RunID)
	}
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if len(f.StepIDs) > 0 {
		q = q.Where("step_id IN ?", f.StepIDs)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, status := range f.Statuses {
			statuses[i] = string(status)
		}
		q = q.Where("status IN ?", statuses)
	}
	if f.StepType != "" {
		q = q.Where("step_type = ?", f.StepType)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at < ?", *f.CreatedBefore)
	}
	if f.CreatedAfter != nil {
		q = q.Where("created_at > ?", *f.CreatedAfter)
	}

	column := "created_at"
	switch f.OrderBy {
	case "updated_at", "step_id":
		column = f.OrderBy
	}
	direction := "ASC"
	if f.OrderDesc {
		direction = "DESC"
	}
	q = q.Order(column + " " + direction).Order("id " + direction)

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var records []stepStateRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	states := make([]*StepState, 0, len(records))
	for i := range records {
		state, err := fromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

// GetRetryReady shadows the generic scan with an indexed range query.
func (s *SQLStore) GetRetryReady(ctx context.Context, limit int) ([]*StepState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Model(&stepStateRecord{}).
		Where("status = ?", string(StatusPending)).
		Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", s.now()).
		Order("next_retry_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var records []stepStateRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	states := make([]*StepState, 0, len(records))
	for i := range records {
		state, err := fromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// backend interface for the shared transition logic.

func (s *SQLStore) load(ctx context.Context, id string) (*StepState, error) {
	return s.Get(ctx, id)
}

func (s *SQLStore) save(ctx context.Context, state *StepState) error {
	rec, err := toRecord(state)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(rec).Error
}

func (s *SQLStore) list(ctx context.Context, f Filter) ([]*StepState, error) {
	return s.Query(ctx, f)
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
