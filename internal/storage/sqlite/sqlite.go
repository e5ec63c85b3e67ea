package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stueble-dev/stueble/internal/config"
	"github.com/stueble-dev/stueble/internal/role"
	"github.com/stueble-dev/stueble/internal/storage"
)

const dayFormat = "2006-01-02"

// Store is a GORM-backed SQLite implementation of storage.Store.
type Store struct {
	db *gorm.DB
}

type userModel struct {
	ID          int64  `gorm:"primaryKey"`
	PublicUUID  string `gorm:"uniqueIndex"`
	FirstName   string
	LastName    string
	Role        string
	Room        string
	Residence   string
	Present     bool
	OnGuestList bool
}

type sessionModel struct {
	Token     string `gorm:"primaryKey"`
	UserID    int64  `gorm:"index"`
	ExpiresAt time.Time
}

type eventModel struct {
	ID      int64 `gorm:"primaryKey;autoIncrement"`
	Action  string
	Payload string

	// Exactly one of the three visibility columns is set; enforced on
	// write by storage.Visibility and re-checked on read.
	RoleFloor       *string
	TargetUserID    *int64
	TargetSessionID *string `gorm:"index"`

	ExcludeSessionID *string
	CreatedAt        time.Time `gorm:"index"`
}

type mottoModel struct {
	ID          int64  `gorm:"primaryKey"`
	Day         string `gorm:"uniqueIndex"`
	Motto       string
	Description string
}

func (userModel) TableName() string    { return "users" }
func (sessionModel) TableName() string { return "sessions" }
func (eventModel) TableName() string   { return "distribution_events" }
func (mottoModel) TableName() string   { return "mottos" }

// NewStore opens a SQLite database at the configured path.
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&userModel{},
		&sessionModel{},
		&eventModel{},
		&mottoModel{},
	)
}

// GetSession retrieves a session row without interpreting expiry.
func (s *Store) GetSession(ctx context.Context, token string) (*storage.SessionRecord, error) {
	var model sessionModel
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&model).Error; err != nil {
		return nil, mapError(err)
	}
	return &storage.SessionRecord{
		Token:     model.Token,
		UserID:    model.UserID,
		ExpiresAt: model.ExpiresAt,
	}, nil
}

// CreateSession stores a session row.
func (s *Store) CreateSession(ctx context.Context, record *storage.SessionRecord) error {
	if record == nil {
		return errors.New("nil session")
	}
	model := sessionModel{
		Token:     record.Token,
		UserID:    record.UserID,
		ExpiresAt: record.ExpiresAt,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// CreateUser stores a member record.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	model := toUserModel(user)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	user.ID = model.ID
	return nil
}

// GetUserByID retrieves a member by internal id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*storage.User, error) {
	var model userModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, mapError(err)
	}
	return toUser(model), nil
}

// GetUserByUUID retrieves a member by public identifier.
func (s *Store) GetUserByUUID(ctx context.Context, publicUUID string) (*storage.User, error) {
	var model userModel
	if err := s.db.WithContext(ctx).Where("public_uuid = ?", publicUUID).First(&model).Error; err != nil {
		return nil, mapError(err)
	}
	return toUser(model), nil
}

// RecordPresence flips the guest's presence flag and appends the matching
// distribution event in one transaction. A failure on either side rolls the
// whole mutation back so the guest list and the event log cannot diverge.
func (s *Store) RecordPresence(ctx context.Context, change storage.PresenceChange) (*storage.DistributionEvent, error) {
	var event *storage.DistributionEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model userModel
		if err := tx.Where("public_uuid = ?", change.GuestUUID).First(&model).Error; err != nil {
			return mapError(err)
		}

		if err := tx.Model(&userModel{}).Where("id = ?", model.ID).
			Update("present", change.Present).Error; err != nil {
			return err
		}
		model.Present = change.Present

		action := storage.GuestLeft
		if change.Present {
			action = storage.GuestArrived
		}

		inserted, err := insertEvent(tx, action, toUser(model).Snapshot(),
			storage.VisibleToRole(role.Host), change.ActingSessionID)
		if err != nil {
			return err
		}
		event = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// AppendEvent durably records a confirmed guest-list change.
func (s *Store) AppendEvent(ctx context.Context, action storage.Action, payload storage.GuestSnapshot, vis storage.Visibility, excludeSessionID string) (*storage.DistributionEvent, error) {
	var event *storage.DistributionEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := insertEvent(tx, action, payload, vis, excludeSessionID)
		if err != nil {
			return err
		}
		event = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func insertEvent(tx *gorm.DB, action storage.Action, payload storage.GuestSnapshot, vis storage.Visibility, excludeSessionID string) (*storage.DistributionEvent, error) {
	if !storage.ValidAction(action) {
		return nil, fmt.Errorf("%w: unknown action %q", storage.ErrInvariant, action)
	}
	if err := vis.Validate(); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	model := eventModel{
		Action:    string(action),
		Payload:   string(encoded),
		CreatedAt: time.Now().UTC(),
	}
	switch vis.Kind() {
	case storage.VisibilityRoleFloor:
		floor, _ := vis.RoleFloor()
		value := string(floor)
		model.RoleFloor = &value
	case storage.VisibilityUser:
		id, _ := vis.UserID()
		model.TargetUserID = &id
	case storage.VisibilitySession:
		id, _ := vis.SessionID()
		model.TargetSessionID = &id
	}
	if excludeSessionID != "" {
		model.ExcludeSessionID = &excludeSessionID
	}

	if err := tx.Create(&model).Error; err != nil {
		return nil, err
	}
	return toEvent(model)
}

// EventsSince replays events after the cursor that the caller's role may
// see, ascending by id. An exclusion naming the caller's session always
// wins, even over a targeted visibility.
func (s *Store) EventsSince(ctx context.Context, cursor storage.Cursor, callerRole role.Role, callerUserID int64, callerSessionID string) ([]storage.DistributionEvent, error) {
	if (cursor.AfterID == nil) == (cursor.AfterTime == nil) {
		return nil, fmt.Errorf("cursor must set exactly one of after_id and after_time")
	}

	query := s.db.WithContext(ctx).Model(&eventModel{})
	if cursor.AfterID != nil {
		query = query.Where("id > ?", *cursor.AfterID)
	} else {
		query = query.Where("created_at > ?", cursor.AfterTime.UTC())
	}

	floors := lo.Map(role.Leq(callerRole), func(r role.Role, _ int) string {
		return string(r)
	})
	query = query.Where(
		s.db.Where("role_floor IN ?", floors).
			Or("target_user_id = ?", callerUserID).
			Or("target_session_id = ?", callerSessionID),
	)
	query = query.Where("exclude_session_id IS NULL OR exclude_session_id <> ?", callerSessionID)

	var models []eventModel
	if err := query.Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	events := make([]storage.DistributionEvent, 0, len(models))
	for _, model := range models {
		event, err := toEvent(model)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, nil
}

// GetMotto retrieves the event metadata for the given date.
func (s *Store) GetMotto(ctx context.Context, date time.Time) (*storage.Motto, error) {
	var model mottoModel
	if err := s.db.WithContext(ctx).Where("day = ?", date.Format(dayFormat)).First(&model).Error; err != nil {
		return nil, mapError(err)
	}
	day, err := time.Parse(dayFormat, model.Day)
	if err != nil {
		return nil, fmt.Errorf("parse motto day: %w", err)
	}
	return &storage.Motto{
		Date:        day,
		Motto:       model.Motto,
		Description: model.Description,
	}, nil
}

// SaveMotto inserts or replaces the metadata for a date.
func (s *Store) SaveMotto(ctx context.Context, motto *storage.Motto) error {
	if motto == nil {
		return errors.New("nil motto")
	}
	model := mottoModel{
		Day:         motto.Date.Format(dayFormat),
		Motto:       motto.Motto,
		Description: motto.Description,
	}
	return s.db.WithContext(ctx).
		Where(mottoModel{Day: model.Day}).
		Assign(model).
		FirstOrCreate(&mottoModel{}).Error
}

func toUserModel(user *storage.User) userModel {
	return userModel{
		ID:          user.ID,
		PublicUUID:  user.PublicUUID,
		FirstName:   user.FirstName,
		LastName:    user.LastName,
		Role:        string(user.Role),
		Room:        user.Room,
		Residence:   user.Residence,
		Present:     user.Present,
		OnGuestList: user.OnGuestList,
	}
}

func toUser(model userModel) *storage.User {
	return &storage.User{
		ID:          model.ID,
		PublicUUID:  model.PublicUUID,
		FirstName:   model.FirstName,
		LastName:    model.LastName,
		Role:        role.Role(model.Role),
		Room:        model.Room,
		Residence:   model.Residence,
		Present:     model.Present,
		OnGuestList: model.OnGuestList,
	}
}

func toEvent(model eventModel) (*storage.DistributionEvent, error) {
	var payload storage.GuestSnapshot
	if err := json.Unmarshal([]byte(model.Payload), &payload); err != nil {
		return nil, fmt.Errorf("decode payload of event %d: %w", model.ID, err)
	}

	set := 0
	var vis storage.Visibility
	if model.RoleFloor != nil {
		vis = storage.VisibleToRole(role.Role(*model.RoleFloor))
		set++
	}
	if model.TargetUserID != nil {
		vis = storage.VisibleToUser(*model.TargetUserID)
		set++
	}
	if model.TargetSessionID != nil {
		vis = storage.VisibleToSession(*model.TargetSessionID)
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: event %d has %d visibility columns set", storage.ErrInvariant, model.ID, set)
	}

	event := &storage.DistributionEvent{
		ID:         model.ID,
		Action:     storage.Action(model.Action),
		Payload:    payload,
		Visibility: vis,
		CreatedAt:  model.CreatedAt,
	}
	if model.ExcludeSessionID != nil {
		event.ExcludeSessionID = *model.ExcludeSessionID
	}
	return event, nil
}

func mapError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}
