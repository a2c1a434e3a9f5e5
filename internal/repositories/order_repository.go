package repositories

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// OrderRepository reads order ownership from the backend's orders table.
type OrderRepository interface {
	UserOwnsOrder(ctx context.Context, userID, orderID string) (bool, error)
}

type OrderRepo struct {
	db *sqlx.DB
}

func NewOrderRepo(db *sqlx.DB) *OrderRepo {
	return &OrderRepo{db: db}
}

func (r *OrderRepo) UserOwnsOrder(ctx context.Context, userID, orderID string) (bool, error) {
	query, args, err := psql.
		Select("1").
		Prefix("SELECT EXISTS(").
		From("orders").
		Where(sq.Eq{"id::text": orderID, "user_id::text": userID}).
		Suffix(")").
		ToSql()
	if err != nil {
		return false, errors.Wrap(err, "unable to check order ownership")
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, args...); err != nil {
		return false, errors.Wrap(err, "unable to check order ownership")
	}
	return exists, nil
}
