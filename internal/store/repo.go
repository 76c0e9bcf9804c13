package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrWebhookPathInUse = errors.New("webhook path already in use")
)

type Repo struct {
	db *gorm.DB
}

func OpenPostgres(user, password, dbName, host, port, sslMode string) (*gorm.DB, error) {
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC", host, user, password, dbName, port, sslMode)
	return OpenPostgresDSN(dsn)
}

func OpenPostgresDSN(dsn string) (*gorm.DB, error) {
	// Claim misses are routine for the queue; keep warnings but drop record-not-found noise.
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
			Logger:                                   gormLogger,
			NowFunc:                                  func() time.Time { return time.Now().UTC() },
		},
	)
}

func New(db *gorm.DB) (*Repo, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

// DB exposes the handle shared with the queue and tracker.
func (r *Repo) DB() *gorm.DB { return r.db }

// EnsureSchema creates missing tables and indexes. Existing tables are left
// untouched.
func EnsureSchema(db *gorm.DB) error {
	m := db.Migrator()
	tables := []struct {
		model any
		name  string
	}{
		{&Workflow{}, "workflows"},
		{&WorkflowExecution{}, "workflow_executions"},
		{&NodeExecution{}, "node_executions"},
		{&Secret{}, "secrets"},
		{&Job{}, "job_queue"},
	}
	for _, t := range tables {
		if m.HasTable(t.model) {
			continue
		}
		if err := m.CreateTable(t.model); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}
	}

	indexes := []struct {
		model any
		name  string
	}{
		{&NodeExecution{}, "idx_node_exec_node"},
		{&Secret{}, "idx_secret_key"},
		{&Job{}, "idx_job_claim"},
	}
	for _, ix := range indexes {
		if m.HasIndex(ix.model, ix.name) {
			continue
		}
		if err := m.CreateIndex(ix.model, ix.name); err != nil {
			return fmt.Errorf("create index %s: %w", ix.name, err)
		}
	}
	return nil
}

// --- workflows ---

func (r *Repo) CreateWorkflow(ctx context.Context, w *Workflow) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.TriggerType == "" {
		w.TriggerType = "manual"
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if w.WebhookPath != "" {
			var n int64
			if err := tx.Model(&Workflow{}).Where("webhook_path = ?", w.WebhookPath).Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return ErrWebhookPathInUse
			}
		}
		return tx.Create(w).Error
	})
}

func (r *Repo) GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error) {
	var w Workflow
	if err := r.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

func (r *Repo) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var rows []Workflow
	if err := r.db.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListWorkflowsByTrigger(ctx context.Context, triggerType string) ([]Workflow, error) {
	var rows []Workflow
	if err := r.db.WithContext(ctx).Where("trigger_type = ?", triggerType).Order("created_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) FindWorkflowByWebhookPath(ctx context.Context, path string) (*Workflow, error) {
	var w Workflow
	err := r.db.WithContext(ctx).
		Where("trigger_type = ? AND webhook_path = ?", "webhook", path).
		Order("created_at asc").
		First(&w).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// DeleteWorkflow removes a workflow together with its executions, node
// executions, queued jobs and secrets in one transaction.
func (r *Repo) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Limit(1).Find(&[]Workflow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("workflow_id = ?", id).Delete(&Job{}).Error; err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		execIDs := tx.Model(&WorkflowExecution{}).Select("id").Where("workflow_id = ?", id)
		if err := tx.Where("execution_id IN (?)", execIDs).Delete(&NodeExecution{}).Error; err != nil {
			return fmt.Errorf("delete node executions: %w", err)
		}
		if err := tx.Where("workflow_id = ?", id).Delete(&WorkflowExecution{}).Error; err != nil {
			return fmt.Errorf("delete executions: %w", err)
		}
		if err := tx.Where("workflow_id = ?", id).Delete(&Secret{}).Error; err != nil {
			return fmt.Errorf("delete secrets: %w", err)
		}
		return tx.Where("id = ?", id).Delete(&Workflow{}).Error
	})
}

// --- executions ---

func (r *Repo) GetExecution(ctx context.Context, id uuid.UUID) (*WorkflowExecution, error) {
	var e WorkflowExecution
	if err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &e, nil
}

func (r *Repo) ListExecutions(ctx context.Context, workflowID uuid.UUID, limit int) ([]WorkflowExecution, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []WorkflowExecution
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("started_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListNodeExecutions(ctx context.Context, executionID uuid.UUID) ([]NodeExecution, error) {
	var rows []NodeExecution
	err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *Repo) ListJobs(ctx context.Context, executionID uuid.UUID) ([]Job, error) {
	var rows []Job
	err := r.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// --- secrets ---

func (r *Repo) PutSecret(ctx context.Context, workflowID uuid.UUID, key, encrypted string) error {
	now := time.Now().UTC()
	s := &Secret{ID: uuid.New(), WorkflowID: workflowID, Key: key, EncryptedValue: encrypted, CreatedAt: now, UpdatedAt: now}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"encrypted_value", "updated_at"}),
	}).Create(s).Error
}

func (r *Repo) GetSecret(ctx context.Context, workflowID uuid.UUID, key string) (*Secret, error) {
	var s Secret
	if err := r.db.WithContext(ctx).First(&s, "workflow_id = ? AND key = ?", workflowID, key).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *Repo) ListSecretKeys(ctx context.Context, workflowID uuid.UUID) ([]string, error) {
	var keys []string
	err := r.db.WithContext(ctx).Model(&Secret{}).
		Where("workflow_id = ?", workflowID).
		Order("key asc").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *Repo) DeleteSecret(ctx context.Context, workflowID uuid.UUID, key string) error {
	res := r.db.WithContext(ctx).Where("workflow_id = ? AND key = ?", workflowID, key).Delete(&Secret{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
