package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailscore/models"
	"mailscore/verifier"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ResultStore persists and reads validation reports.
type ResultStore interface {
	verifier.ResultStore
	Get(ctx context.Context, userID uint, email string) (*models.EmailValidation, error)
	List(ctx context.Context, userID uint, status string, page, limit int) ([]models.EmailValidation, int64, error)
}

// upsertColumns are rewritten when an (email, user) pair is validated again.
var upsertColumns = []string{
	"domain", "score", "status", "mode", "terminal", "checks",
	"valid_syntax", "has_mx", "smtp_ok", "catch_all", "validated_at",
	"updated_at", "deleted_at",
}

// Record converts a report into its stored form.
func Record(userID uint, report verifier.Report) models.EmailValidation {
	rec := models.EmailValidation{
		UserID:      userID,
		Email:       report.Key(),
		Domain:      report.Domain,
		Score:       report.Score,
		Status:      string(report.Status),
		Mode:        string(report.Mode),
		Terminal:    report.Terminal,
		Checks:      report.OutcomeMap(),
		ValidSyntax: report.Passed(verifier.CheckSyntax),
		HasMX:       report.Passed(verifier.CheckMX),
		ValidatedAt: report.ValidatedAt,
	}
	if o := report.Outcome(verifier.CheckSMTP); o != verifier.Indeterminate {
		ok := o == verifier.Pass
		rec.SMTPOK = &ok
	}
	if o := report.Outcome(verifier.CheckCatchAll); o != verifier.Indeterminate {
		catchAll := o == verifier.Fail
		rec.CatchAll = &catchAll
	}
	if rec.ValidatedAt.IsZero() {
		rec.ValidatedAt = time.Now()
	}
	return rec
}

// GormResultStore keeps one email_validations row per (email, user).
type GormResultStore struct {
	db *gorm.DB
}

func NewGormResultStore(db *gorm.DB) *GormResultStore {
	return &GormResultStore{db: db}
}

func (s *GormResultStore) Upsert(ctx context.Context, userID uint, report verifier.Report) (*models.EmailValidation, error) {
	rec := Record(userID, report)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns(upsertColumns),
	}).Create(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormResultStore) Get(ctx context.Context, userID uint, email string) (*models.EmailValidation, error) {
	var rec models.EmailValidation
	err := s.db.WithContext(ctx).Where("user_id = ? AND email = ?", userID, email).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormResultStore) List(ctx context.Context, userID uint, status string, page, limit int) ([]models.EmailValidation, int64, error) {
	page, limit = PageBounds(page, limit)
	query := s.db.WithContext(ctx).Model(&models.EmailValidation{}).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var recs []models.EmailValidation
	err := query.Order("validated_at DESC").Offset((page - 1) * limit).Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// PageBounds clamps a requested page to the values List applies: pages
// start at 1 and limit falls back to 20 outside 1..100.
func PageBounds(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

type resultKey struct {
	userID uint
	email  string
}

// MemoryResultStore is an in-process ResultStore.
type MemoryResultStore struct {
	mu      sync.RWMutex
	nextID  uint
	records map[resultKey]*models.EmailValidation
	writes  int
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{records: make(map[resultKey]*models.EmailValidation)}
}

func (s *MemoryResultStore) Upsert(_ context.Context, userID uint, report verifier.Report) (*models.EmailValidation, error) {
	rec := Record(userID, report)
	key := resultKey{userID: userID, email: rec.Email}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	now := time.Now()
	if existing, ok := s.records[key]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	} else {
		s.nextID++
		rec.ID = s.nextID
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[key] = &rec
	out := rec
	return &out, nil
}

func (s *MemoryResultStore) Get(_ context.Context, userID uint, email string) (*models.EmailValidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[resultKey{userID: userID, email: email}]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryResultStore) List(_ context.Context, userID uint, status string, page, limit int) ([]models.EmailValidation, int64, error) {
	page, limit = PageBounds(page, limit)
	s.mu.RLock()
	var all []models.EmailValidation
	for key, rec := range s.records {
		if key.userID != userID || (status != "" && rec.Status != status) {
			continue
		}
		all = append(all, *rec)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].ValidatedAt.Equal(all[j].ValidatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].ValidatedAt.After(all[j].ValidatedAt)
	})
	total := int64(len(all))
	start := (page - 1) * limit
	if start >= len(all) {
		return []models.EmailValidation{}, total, nil
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// Len is the number of stored records.
func (s *MemoryResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Writes counts Upsert calls.
func (s *MemoryResultStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}
