// Package identity is the user directory: registration once an identity has
// been verified, login lookups and the profile reads the rest of the service
// joins against.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"chiller/backend/internal/apperr"
	"chiller/backend/internal/models"
	"chiller/backend/internal/phone"
)

const maxNameLength = 255

// profileChunk bounds the size of IN lists sent to the database.
const profileChunk = 400

// Profile is the public part of a user.
type Profile struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Directory reads and writes user accounts.
type Directory struct {
	db       *gorm.DB
	phones   *phone.Normalizer
	logger   *slog.Logger
	validate *validator.Validate
}

// NewDirectory creates a Directory. phones must be the normalizer discovery
// uses, so stored numbers and looked up numbers agree.
func NewDirectory(db *gorm.DB, phones *phone.Normalizer, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		db:       db,
		phones:   phones,
		logger:   logger.With("component", "identity"),
		validate: validator.New(),
	}
}

// Register creates an account for a verified identity. email may be nil.
func (d *Directory) Register(ctx context.Context, name, rawPhone string, email *string) (models.User, error) {
	name, err := cleanName(name)
	if err != nil {
		return models.User{}, err
	}
	number, err := d.phones.Validate(rawPhone)
	if err != nil {
		return models.User{}, err
	}
	email, err = d.cleanEmail(email)
	if err != nil {
		return models.User{}, err
	}

	user := models.User{Name: name, Phone: number, Email: email, Role: models.RoleUser}
	err = d.db.WithContext(context.WithoutCancel(ctx)).Create(&user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.User{}, apperr.ErrAlreadyRegistered
	}
	if err != nil {
		return models.User{}, apperr.Unavailable("create user", err)
	}

	d.logger.Info("user registered", "user_id", user.ID)
	return user, nil
}

// FindByLogin resolves a login, either an email address or a phone number.
func (d *Directory) FindByLogin(ctx context.Context, login string) (models.User, error) {
	login = strings.TrimSpace(login)
	query := d.db.WithContext(ctx)

	if strings.Contains(login, "@") {
		query = query.Where("email = ?", strings.ToLower(login))
	} else {
		number, err := d.phones.Normalize(login)
		if err != nil {
			return models.User{}, err
		}
		query = query.Where("phone = ?", number)
	}

	var user models.User
	err := query.Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, apperr.ErrUserNotFound
	}
	if err != nil {
		return models.User{}, apperr.Unavailable("find user by login", err)
	}
	return user, nil
}

// Get returns the user with the given id.
func (d *Directory) Get(ctx context.Context, id string) (models.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.User{}, apperr.ErrInvalidID
	}

	var user models.User
	err := d.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, apperr.ErrUserNotFound
	}
	if err != nil {
		return models.User{}, apperr.Unavailable("get user", err)
	}
	return user, nil
}

// LookupProfiles returns the profiles of the given ids that exist.
func (d *Directory) LookupProfiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}

	for chunk := range slices.Chunk(ids, profileChunk) {
		var users []models.User
		err := d.db.WithContext(ctx).Select("id, name, phone").Where("id IN ?", chunk).Find(&users).Error
		if err != nil {
			return nil, apperr.Unavailable("lookup profiles", err)
		}
		for _, u := range users {
			profiles[u.ID] = Profile{ID: u.ID, Name: u.Name, Phone: u.Phone}
		}
	}
	return profiles, nil
}

// UpdateProfile changes the name and/or phone of target. Only the owner may
// update a profile. Nil fields are left unchanged.
func (d *Directory) UpdateProfile(ctx context.Context, actor, target string, name, rawPhone *string) (models.User, error) {
	if actor != target {
		d.logger.Warn("profile update by non-owner rejected", "actor", actor, "target", target)
		return models.User{}, apperr.ErrNotAuthorized
	}

	updates := map[string]any{}
	if name != nil {
		n, err := cleanName(*name)
		if err != nil {
			return models.User{}, err
		}
		updates["name"] = n
	}
	if rawPhone != nil {
		number, err := d.phones.Validate(*rawPhone)
		if err != nil {
			return models.User{}, err
		}
		updates["phone"] = number
	}

	user, err := d.Get(ctx, target)
	if err != nil || len(updates) == 0 {
		return user, err
	}

	err = d.db.WithContext(context.WithoutCancel(ctx)).Model(&user).Updates(updates).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return models.User{}, apperr.ErrAlreadyRegistered
	}
	if err != nil {
		return models.User{}, apperr.Unavailable("update user", err)
	}
	return d.Get(ctx, target)
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Invalid("name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return "", apperr.Invalid("name must be at most %d characters", maxNameLength)
	}
	return name, nil
}

func (d *Directory) cleanEmail(email *string) (*string, error) {
	if email == nil {
		return nil, nil
	}
	e := strings.ToLower(strings.TrimSpace(*email))
	if e == "" {
		return nil, nil
	}
	if err := d.validate.Var(e, "email"); err != nil {
		return nil, apperr.Invalid("malformed email address")
	}
	return &e, nil
}
