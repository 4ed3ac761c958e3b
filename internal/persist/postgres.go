package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

// PostgresRepository is the reference Repository implementation,
// grounded on the teacher's internal/persist/account_repo.go query
// style (pgx pool, Scan into a row struct, pgx.ErrNoRows -> nil,nil).
type PostgresRepository struct {
	db *DB
}

func NewPostgresRepository(db *DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetPlayerByID(ctx context.Context, id uint32) (*Player, error) {
	p := &Player{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, char_id, name, map_id, x, y FROM players WHERE id = $1`, id,
	).Scan(&p.ID, &p.CharID, &p.Name, &p.MapID, &p.X, &p.Y)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get player %d: %w", id, err)
	}
	return p, nil
}

func (r *PostgresRepository) UpsertPlayer(ctx context.Context, p *Player) (bool, error) {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO players (id, char_id, name, map_id, x, y, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (id) DO UPDATE
		   SET char_id = EXCLUDED.char_id, name = EXCLUDED.name,
		       map_id = EXCLUDED.map_id, x = EXCLUDED.x, y = EXCLUDED.y,
		       updated_at = NOW()`,
		p.ID, p.CharID, p.Name, p.MapID, p.X, p.Y,
	)
	if err != nil {
		return false, fmt.Errorf("upsert player %d: %w", p.ID, err)
	}
	return true, nil
}

func (r *PostgresRepository) IsNameAvailable(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM players WHERE name = $1)`, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check name %q: %w", name, err)
	}
	return !exists, nil
}

// EnsureAccount bootstraps a login account row with a bcrypt-hashed
// password, the teacher's account_repo.go Create/ValidatePassword
// pattern kept as a reference collaborator outside the core's
// 3-method Repository boundary (account/auth is not part of spec.md's
// persisted-state contract, but a realistic deployment needs it).
func (r *PostgresRepository) EnsureAccount(ctx context.Context, name, rawPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(rawPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO accounts (name, password_hash, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO NOTHING`,
		name, string(hash), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("ensure account %q: %w", name, err)
	}
	return nil
}

// ValidatePassword checks rawPassword against a stored bcrypt hash.
func ValidatePassword(hash, rawPassword string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(rawPassword)) == nil
}
