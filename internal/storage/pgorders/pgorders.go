package pgorders

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Ошибки границы хранилища.
var (
	ErrNotFound = errors.New("pgorders: not found")
	// ErrVersionConflict — кто-то успел записать статус между нашим чтением
	// и записью. Вызывающий обязан перечитать заказ и применить переход заново.
	ErrVersionConflict = errors.New("pgorders: version conflict")
)

type Storage struct {
	db *pgxpool.Pool
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	s := &Storage{db: db}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}
