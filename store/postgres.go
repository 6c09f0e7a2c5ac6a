package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"riderconnect-server/domain"
	"riderconnect-server/retry"
)

type groupRow struct {
	ID                string `gorm:"primaryKey;size:64"`
	Name              string `gorm:"size:200"`
	DistanceThreshold float64
	Members           []groupMemberRow `gorm:"foreignKey:GroupID"`
}

func (groupRow) TableName() string { return "groups" }

type groupMemberRow struct {
	GroupID     string `gorm:"primaryKey;size:64"`
	Identity    string `gorm:"primaryKey;size:128"`
	DisplayName string `gorm:"size:100"`
	JoinedAt    time.Time
}

func (groupMemberRow) TableName() string { return "group_members" }

type locationRow struct {
	GroupID   string `gorm:"primaryKey;size:64"`
	Identity  string `gorm:"primaryKey;size:128"`
	Lat       *float64
	Lng       *float64
	Online    bool
	UpdatedAt time.Time
}

func (locationRow) TableName() string { return "member_locations" }

type messageRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	GroupID    string `gorm:"index;size:64"`
	SenderID   string `gorm:"size:128"`
	SenderName string `gorm:"size:100"`
	Content    string
	CreatedAt  time.Time `gorm:"index"`
}

func (messageRow) TableName() string { return "chat_messages" }

type notificationRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	RecipientID string `gorm:"size:128;index:idx_recipient_created,priority:1;index:idx_recipient_group"`
	GroupID     string `gorm:"size:64;index:idx_recipient_group"`
	SenderID    string `gorm:"size:128"`
	SenderName  string `gorm:"size:100"`
	GroupName   string `gorm:"size:200"`
	Body        string
	Read        bool   `gorm:"default:false;index"`
	Priority    string `gorm:"size:16"`
	Kind        string `gorm:"size:16"`
	CreatedAt   time.Time `gorm:"index:idx_recipient_created,priority:2"`
}

func (notificationRow) TableName() string { return "notifications" }

func (r notificationRow) toDomain() domain.Notification {
	return domain.Notification{
		ID:          r.ID,
		RecipientID: r.RecipientID,
		GroupID:     r.GroupID,
		SenderID:    r.SenderID,
		SenderName:  r.SenderName,
		GroupName:   r.GroupName,
		Body:        r.Body,
		Read:        r.Read,
		Priority:    domain.Priority(r.Priority),
		Kind:        domain.NotificationKind(r.Kind),
		CreatedAt:   r.CreatedAt,
	}
}

// Postgres is the gorm-backed Store.
type Postgres struct {
	db *gorm.DB
}

// OpenPostgres connects with retries and migrates the engine's tables.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := retry.Connect(ctx, "postgres", func(ctx context.Context) (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, retry.Permanent(err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			sqlDB.Close()
			return nil, err
		}
		return db, nil
	})
	if err != nil {
		return nil, err
	}

	if err := db.WithContext(ctx).AutoMigrate(
		&groupRow{},
		&groupMemberRow{},
		&locationRow{},
		&messageRow{},
		&notificationRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) Group(ctx context.Context, groupID string) (domain.Group, error) {
	var row groupRow
	err := p.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB { return db.Order("joined_at, identity") }).
		First(&row, "id = ?", groupID).Error
	if err != nil {
		return domain.Group{}, classify("load group "+groupID, err)
	}

	g := domain.Group{
		ID:                row.ID,
		Name:              row.Name,
		DistanceThreshold: row.DistanceThreshold,
		Members:           make([]domain.Member, 0, len(row.Members)),
	}
	for _, m := range row.Members {
		g.Members = append(g.Members, domain.Member{Identity: m.Identity, DisplayName: m.DisplayName})
	}
	return g, nil
}

func (p *Postgres) UpsertLocation(ctx context.Context, rec domain.LocationRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	row := locationRow{
		GroupID:   rec.GroupID,
		Identity:  rec.Identity,
		Lat:       rec.Lat,
		Lng:       rec.Lng,
		Online:    rec.Online,
		UpdatedAt: rec.UpdatedAt,
	}

	columns := []string{"online", "updated_at"}
	if rec.HasPosition() {
		columns = append(columns, "lat", "lng")
	}

	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "group_id"}, {Name: "identity"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(&row).Error
	return classify("upsert location", err)
}

func (p *Postgres) GroupLocations(ctx context.Context, groupID string) ([]domain.LocationRecord, error) {
	var rows []locationRow
	if err := p.db.WithContext(ctx).Where("group_id = ?", groupID).Order("identity").Find(&rows).Error; err != nil {
		return nil, classify("load locations", err)
	}
	recs := make([]domain.LocationRecord, 0, len(rows))
	for _, r := range rows {
		recs = append(recs, domain.LocationRecord{
			GroupID:   r.GroupID,
			Identity:  r.Identity,
			Lat:       r.Lat,
			Lng:       r.Lng,
			Online:    r.Online,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return recs, nil
}

func (p *Postgres) SaveMessage(ctx context.Context, msg *domain.ChatMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	row := messageRow{
		ID:         msg.ID,
		GroupID:    msg.GroupID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		CreatedAt:  msg.CreatedAt,
	}
	return classify("save message", p.db.WithContext(ctx).Create(&row).Error)
}

func (p *Postgres) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	row := notificationRow{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		GroupID:     n.GroupID,
		SenderID:    n.SenderID,
		SenderName:  n.SenderName,
		GroupName:   n.GroupName,
		Body:        n.Body,
		Read:        n.Read,
		Priority:    string(n.Priority),
		Kind:        string(n.Kind),
		CreatedAt:   n.CreatedAt,
	}
	return classify("create notification", p.db.WithContext(ctx).Create(&row).Error)
}

func (p *Postgres) Notification(ctx context.Context, id string) (domain.Notification, error) {
	var row notificationRow
	if err := p.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return domain.Notification{}, classify("load notification "+id, err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) UnreadNotifications(ctx context.Context, identity, groupID string) ([]domain.Notification, error) {
	var rows []notificationRow
	err := p.db.WithContext(ctx).
		Where("recipient_id = ? AND group_id = ? AND read = ?", identity, groupID, false).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, classify("load unread notifications", err)
	}
	return toNotifications(rows), nil
}

func (p *Postgres) RecentNotifications(ctx context.Context, identity string, limit int) ([]domain.Notification, error) {
	var rows []notificationRow
	q := p.db.WithContext(ctx).Where("recipient_id = ?", identity).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, classify("load notifications", err)
	}
	return toNotifications(rows), nil
}

func (p *Postgres) MarkRead(ctx context.Context, id string) (domain.Notification, error) {
	var row notificationRow
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		row.Read = true
		return tx.Model(&notificationRow{}).Where("id = ?", id).Update("read", true).Error
	})
	if err != nil {
		return domain.Notification{}, classify("mark notification "+id+" read", err)
	}
	return row.toDomain(), nil
}

func (p *Postgres) MarkAllRead(ctx context.Context, identity string) (int64, error) {
	res := p.db.WithContext(ctx).Model(&notificationRow{}).
		Where("recipient_id = ? AND read = ?", identity, false).
		Update("read", true)
	if res.Error != nil {
		return 0, classify("mark all read", res.Error)
	}
	return res.RowsAffected, nil
}

func toNotifications(rows []notificationRow) []domain.Notification {
	out := make([]domain.Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out
}

// classify maps gorm errors onto the engine's error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %v", op, domain.ErrTransientStore, err)
}
