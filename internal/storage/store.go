// Package storage persists the registry of monitored services.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"healthmon/internal/config"
	"healthmon/internal/model"
)

var (
	ErrNotFound = errors.New("service not found")
	ErrInvalid  = errors.New("invalid service")
)

// Registry stores registered services. Implementations are safe for
// concurrent use.
type Registry interface {
	Init(ctx context.Context) error
	Close() error
	List(ctx context.Context) ([]model.RegisteredService, error)
	Get(ctx context.Context, id string) (model.RegisteredService, error)
	// Create assigns a new id when svc.ID is empty.
	Create(ctx context.Context, svc model.RegisteredService) (model.RegisteredService, error)
	Update(ctx context.Context, id string, patch ServicePatch) (model.RegisteredService, error)
	Delete(ctx context.Context, id string) error
}

// ServicePatch carries the fields an edit changes; nil fields are kept.
type ServicePatch struct {
	Name    *string            `json:"name,omitempty"`
	Address *string            `json:"url,omitempty"`
	Port    *int               `json:"port,omitempty"`
	Kind    *model.ServiceKind `json:"kind,omitempty"`
}

func (p ServicePatch) Apply(svc model.RegisteredService) model.RegisteredService {
	if p.Name != nil {
		svc.Name = strings.TrimSpace(*p.Name)
	}
	if p.Address != nil {
		svc.Address = strings.TrimSpace(*p.Address)
	}
	if p.Port != nil {
		svc.Port = *p.Port
	}
	if p.Kind != nil {
		svc.Kind = *p.Kind
	}
	return svc
}

func NewRegistry(cfg config.RegistryConfig) (Registry, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "bolt", "bbolt":
		return NewBolt(cfg.DSN)
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported registry driver %q", cfg.Driver)
	}
}

// Validate normalizes svc in place and rejects incomplete records.
func Validate(svc *model.RegisteredService) error {
	svc.Name = strings.TrimSpace(svc.Name)
	svc.Address = strings.TrimSpace(svc.Address)
	if svc.Kind == "" {
		svc.Kind = model.KindGeneric
	}
	switch {
	case svc.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalid)
	case svc.Address == "":
		return fmt.Errorf("%w: url is required", ErrInvalid)
	case svc.Port <= 0 || svc.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, svc.Port)
	case svc.Kind != model.KindGeneric && svc.Kind != model.KindTomcat:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, svc.Kind)
	}
	return nil
}

func newID() string {
	return uuid.NewString()
}

// baseStore implements the registry over database/sql; bind renders the
// driver's placeholder for the n-th argument.
type baseStore struct {
	db   *sql.DB
	bind func(n int) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) List(ctx context.Context) ([]model.RegisteredService, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, name, address, port, kind FROM services ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.RegisteredService, 0)
	for rows.Next() {
		var svc model.RegisteredService
		var kind string
		if err := rows.Scan(&svc.ID, &svc.Name, &svc.Address, &svc.Port, &kind); err != nil {
			return nil, err
		}
		svc.Kind = model.ServiceKind(kind)
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (b *baseStore) Get(ctx context.Context, id string) (model.RegisteredService, error) {
	var svc model.RegisteredService
	var kind string
	err := b.db.QueryRowContext(ctx,
		`SELECT id, name, address, port, kind FROM services WHERE id = `+b.bind(1), id,
	).Scan(&svc.ID, &svc.Name, &svc.Address, &svc.Port, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RegisteredService{}, ErrNotFound
	}
	if err != nil {
		return model.RegisteredService{}, err
	}
	svc.Kind = model.ServiceKind(kind)
	return svc, nil
}

func (b *baseStore) Create(ctx context.Context, svc model.RegisteredService) (model.RegisteredService, error) {
	if err := Validate(&svc); err != nil {
		return model.RegisteredService{}, err
	}
	if svc.ID == "" {
		svc.ID = newID()
	}
	now := nowUTC()
	_, err := b.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO services (id, name, address, port, kind, created_at, updated_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`, b.bind(1), b.bind(2), b.bind(3), b.bind(4), b.bind(5), b.bind(6), b.bind(7)),
		svc.ID, svc.Name, svc.Address, svc.Port, string(svc.Kind), now, now,
	)
	if err != nil {
		return model.RegisteredService{}, err
	}
	return svc, nil
}

func (b *baseStore) Update(ctx context.Context, id string, patch ServicePatch) (model.RegisteredService, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return model.RegisteredService{}, err
	}
	var svc model.RegisteredService
	var kind string
	err = tx.QueryRowContext(ctx,
		`SELECT id, name, address, port, kind FROM services WHERE id = `+b.bind(1), id,
	).Scan(&svc.ID, &svc.Name, &svc.Address, &svc.Port, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return model.RegisteredService{}, ErrNotFound
	}
	if err != nil {
		_ = tx.Rollback()
		return model.RegisteredService{}, err
	}
	svc.Kind = model.ServiceKind(kind)
	svc = patch.Apply(svc)
	if err := Validate(&svc); err != nil {
		_ = tx.Rollback()
		return model.RegisteredService{}, err
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE services SET name = %s, address = %s, port = %s, kind = %s, updated_at = %s WHERE id = %s`,
			b.bind(1), b.bind(2), b.bind(3), b.bind(4), b.bind(5), b.bind(6)),
		svc.Name, svc.Address, svc.Port, string(svc.Kind), nowUTC(), id,
	)
	if err != nil {
		_ = tx.Rollback()
		return model.RegisteredService{}, err
	}
	return svc, tx.Commit()
}

func (b *baseStore) Delete(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM services WHERE id = `+b.bind(1), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
