package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"cowork-app/internal/models"
	"cowork-app/internal/registry"
	"cowork-app/pkg/logger"
)

// PostgresDB holds the durable registry of permanent rooms: always-available
// rooms that outlive every session and are never swept. Ephemeral public and
// private rooms live in the sync store, not here.
type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	logger.Info("Connected to database successfully")
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() error {
	db.pool.Close()
	return nil
}

// FindBySlug resolves a permanent room by its url slug. Returns
// registry.ErrRoomNotFound when no such room exists, making this the last
// probe of the resolve chain.
func (db *PostgresDB) FindBySlug(ctx context.Context, slug string) (models.Room, error) {
	query := `SELECT id, url, name, created_by, created_at FROM permanent_rooms WHERE url = $1`

	room := models.Room{Type: models.RoomTypePublic, Permanent: true}
	err := db.pool.QueryRow(ctx, query, slug).Scan(
		&room.ID, &room.URL, &room.Name, &room.CreatedBy, &room.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Room{}, registry.ErrRoomNotFound
	}
	if err != nil {
		return models.Room{}, err
	}
	return room, nil
}

// ListPermanent returns all permanent rooms, for lobby listings.
func (db *PostgresDB) ListPermanent(ctx context.Context) ([]models.Room, error) {
	query := `SELECT id, url, name, created_by, created_at FROM permanent_rooms ORDER BY name`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		room := models.Room{Type: models.RoomTypePublic, Permanent: true}
		if err := rows.Scan(&room.ID, &room.URL, &room.Name, &room.CreatedBy, &room.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}
