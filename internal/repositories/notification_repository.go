package repositories

import (
	"context"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	pkgerrors "github.com/pkg/errors"

	"notification-relay/pkg/wire"
)

var ErrNotificationNotFound = errors.New("notification not found")

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// NotificationRepository abstracts persisted notification storage.
type NotificationRepository interface {
	List(ctx context.Context, userID string, page, pageSize int) (wire.NotificationPage, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Create(ctx context.Context, n wire.Notification) error
}

// NotificationRepo is a sqlx implementation of NotificationRepository.
type NotificationRepo struct {
	db *sqlx.DB
}

func NewNotificationRepo(db *sqlx.DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// NormalizePage clamps paging parameters to sane bounds. Pages start at 1.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// List returns one page of the user's notifications, newest first, with the
// user's total unread count.
func (r *NotificationRepo) List(ctx context.Context, userID string, page, pageSize int) (wire.NotificationPage, error) {
	wrapMsg := "unable to list notifications"
	page, pageSize = NormalizePage(page, pageSize)

	query, args, err := psql.
		Select("id", "user_id", "type", "payload", "is_read", "created_at").
		From("notifications").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id DESC").
		Limit(uint64(pageSize)).
		Offset(uint64((page - 1) * pageSize)).
		ToSql()
	if err != nil {
		return wire.NotificationPage{}, pkgerrors.Wrap(err, wrapMsg)
	}

	notifications := []wire.Notification{}
	if err := r.db.SelectContext(ctx, &notifications, query, args...); err != nil {
		return wire.NotificationPage{}, pkgerrors.Wrap(err, wrapMsg)
	}

	unread, err := r.countUnread(ctx, userID)
	if err != nil {
		return wire.NotificationPage{}, err
	}

	return wire.NotificationPage{
		Notifications: notifications,
		UnreadCount:   unread,
		Page:          page,
		PageSize:      pageSize,
	}, nil
}

func (r *NotificationRepo) countUnread(ctx context.Context, userID string) (int, error) {
	wrapMsg := "unable to count unread notifications"

	query, args, err := psql.
		Select("count(*)").
		From("notifications").
		Where(sq.Eq{"user_id": userID, "is_read": false}).
		ToSql()
	if err != nil {
		return 0, pkgerrors.Wrap(err, wrapMsg)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, query, args...); err != nil {
		return 0, pkgerrors.Wrap(err, wrapMsg)
	}
	return total, nil
}

// MarkRead marks one of the user's notifications as read. Marking an already
// read notification succeeds.
func (r *NotificationRepo) MarkRead(ctx context.Context, userID, id string) error {
	wrapMsg := "unable to mark notification read"

	query, args, err := psql.
		Update("notifications").
		Set("is_read", true).
		Where(sq.Eq{"id": id, "user_id": userID}).
		ToSql()
	if err != nil {
		return pkgerrors.Wrap(err, wrapMsg)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return pkgerrors.Wrap(err, wrapMsg)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, wrapMsg)
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllRead marks every unread notification of the user as read and
// returns how many changed.
func (r *NotificationRepo) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	wrapMsg := "unable to mark notifications read"

	query, args, err := psql.
		Update("notifications").
		Set("is_read", true).
		Where(sq.Eq{"user_id": userID, "is_read": false}).
		ToSql()
	if err != nil {
		return 0, pkgerrors.Wrap(err, wrapMsg)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, pkgerrors.Wrap(err, wrapMsg)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, pkgerrors.Wrap(err, wrapMsg)
	}
	return affected, nil
}

// Create stores n. The caller assigns the id.
func (r *NotificationRepo) Create(ctx context.Context, n wire.Notification) error {
	wrapMsg := "unable to save notification"

	query, args, err := psql.
		Insert("notifications").
		Columns("id", "user_id", "type", "payload", "is_read", "created_at").
		Values(n.ID, n.UserID, string(n.Type), n.Payload, n.Read, n.CreatedAt).
		ToSql()
	if err != nil {
		return pkgerrors.Wrap(err, wrapMsg)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return pkgerrors.Wrap(err, wrapMsg)
	}
	return nil
}
