package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/identity"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/storage"
	"github.com/smartstick/guardian-monitor/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("guardian-monitor/directory")

var (
	ErrDuplicateEmail   = errors.New("a user with this email already exists")
	ErrAlreadyExists    = storage.ErrAlreadyExists
	ErrNotFound         = storage.ErrNotFound
	ErrStoreUnavailable = storage.ErrStoreUnavailable
	ErrInvalidInput     = errors.New("invalid input")
)

type Profile struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// DeviceInfo holds the device fields a guardian may edit. Nil fields are
// left untouched.
type DeviceInfo struct {
	UserName    *string `json:"userName,omitempty"`
	UserPhone   *string `json:"userPhone,omitempty"`
	MentorPhone *string `json:"mentorPhone,omitempty"`
	ImageURL    *string `json:"imageUrl,omitempty"`
	DataSource  *string `json:"dataSource,omitempty"`
}

type Publisher interface {
	PublishOnTopic(ctx context.Context, message messaging.TopicMessage) error
}

type Directory interface {
	AddGuardian(ctx context.Context, profile Profile, password string) (types.User, error)
	AddAdmin(ctx context.Context, profile Profile, password string) (types.User, error)
	LinkDevice(ctx context.Context, deviceID, guardianID string) error
	UnlinkDevice(ctx context.Context, deviceID, guardianID string) error
	RemoveGuardian(ctx context.Context, guardianID string) error
	RemoveDevice(ctx context.Context, deviceID string) error
	AddDevice(ctx context.Context, deviceID, dataSource string) (types.Device, error)
	UpdateDeviceInfo(ctx context.Context, deviceID string, info DeviceInfo) (types.Device, error)
	AddFallHistory(ctx context.Context, deviceID string, gps types.GPS) error

	User(ctx context.Context, userID string) (types.User, error)
	Guardians(ctx context.Context) ([]types.User, error)
	Device(ctx context.Context, deviceID string) (types.Device, error)
	Devices(ctx context.Context) ([]types.Device, error)
	DevicesFor(ctx context.Context, guardianID string) ([]types.Device, error)
	FallHistory(ctx context.Context, deviceID string) ([]types.FallHistoryEntry, error)
}

type directory struct {
	store     storage.Store
	idp       identity.Provider
	publisher Publisher
}

func New(store storage.Store, idp identity.Provider, publisher Publisher) Directory {
	return &directory{
		store:     store,
		idp:       idp,
		publisher: publisher,
	}
}

func (d *directory) AddGuardian(ctx context.Context, profile Profile, password string) (types.User, error) {
	var err error
	ctx, span := tracer.Start(ctx, "add-guardian")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var user types.User
	user, err = d.addUser(ctx, profile, password, types.RoleGuardian)
	return user, err
}

func (d *directory) addUser(ctx context.Context, profile Profile, password, role string) (types.User, error) {
	profile.Email = strings.TrimSpace(profile.Email)
	if profile.Email == "" || strings.TrimSpace(profile.Name) == "" {
		return types.User{}, fmt.Errorf("%w: email and name are required", ErrInvalidInput)
	}

	if _, err := d.store.FindUserByEmail(ctx, profile.Email); err == nil {
		return types.User{}, ErrDuplicateEmail
	} else if !errors.Is(err, storage.ErrNotFound) {
		return types.User{}, err
	}

	// the new account is signed in on a context of its own, so that the
	// caller's session is left alone
	sec := d.idp.NewContext()
	defer func() {
		if err := sec.SignOut(ctx); err != nil {
			log := logging.GetLoggerFromContext(ctx)
			log.Warn().Err(err).Msg("failed to sign out secondary auth context")
		}
	}()

	id, err := sec.CreateAccount(ctx, profile.Email, password)
	if errors.Is(err, identity.ErrEmailInUse) {
		return types.User{}, ErrDuplicateEmail
	}
	if err != nil {
		return types.User{}, err
	}

	user := types.User{
		ID:            id.ID,
		Email:         profile.Email,
		Name:          profile.Name,
		Role:          role,
		Phone:         profile.Phone,
		LinkedDevices: []string{},
	}

	err = d.store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.FindUserByEmail(user.Email); err == nil {
			return ErrDuplicateEmail
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return tx.CreateUser(user)
	})
	if err != nil {
		d.dropAccount(ctx, id.ID)
		return types.User{}, err
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().Str("userID", user.ID).Str("role", role).Msg("user added")

	return user, nil
}

// AddAdmin creates an admin account and record. An account that already
// exists without a directory record is recovered by proving its password.
func (d *directory) AddAdmin(ctx context.Context, profile Profile, password string) (types.User, error) {
	var err error
	ctx, span := tracer.Start(ctx, "add-admin")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if _, err = d.store.FindUserByEmail(ctx, profile.Email); err == nil {
		err = ErrDuplicateEmail
		return types.User{}, err
	} else if !errors.Is(err, storage.ErrNotFound) {
		return types.User{}, err
	}

	var id identity.Identity
	id, err = d.idp.CreateAccount(ctx, profile.Email, password)
	created := err == nil
	if errors.Is(err, identity.ErrEmailInUse) {
		var session identity.Session
		session, err = d.idp.SignIn(ctx, profile.Email, password)
		if err != nil {
			return types.User{}, err
		}
		defer d.idp.SignOut(ctx, session.ID)
		id = session.Identity
	} else if err != nil {
		return types.User{}, err
	}

	name := profile.Name
	if name == "" {
		name = "Admin"
	}

	user := types.User{
		ID:            id.ID,
		Email:         strings.ToLower(strings.TrimSpace(profile.Email)),
		Name:          name,
		Role:          types.RoleAdmin,
		LinkedDevices: []string{},
	}

	err = d.store.Update(ctx, func(tx storage.Tx) error {
		return tx.CreateUser(user)
	})
	if err != nil {
		if created {
			d.dropAccount(ctx, id.ID)
		}
		return types.User{}, err
	}

	return user, nil
}

// dropAccount removes an account whose directory record could not be written,
// so that adding the same email again is not refused.
func (d *directory) dropAccount(ctx context.Context, accountID string) {
	if err := d.idp.DeleteAccount(ctx, accountID); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Error().Err(err).Str("accountID", accountID).Msg("failed to remove account without directory record")
	}
}

func (d *directory) LinkDevice(ctx context.Context, deviceID, guardianID string) error {
	var err error
	ctx, span := tracer.Start(ctx, "link-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = d.store.Update(ctx, func(tx storage.Tx) error {
		device, err := tx.Device(deviceID)
		if err != nil {
			return fmt.Errorf("device %s: %w", deviceID, err)
		}

		guardian, err := tx.User(guardianID)
		if err != nil {
			return fmt.Errorf("guardian %s: %w", guardianID, err)
		}

		users, err := tx.Users()
		if err != nil {
			return err
		}

		// drop the inverse link held by any previous owner first
		for _, u := range users {
			if u.ID != guardianID && lo.Contains(u.LinkedDevices, deviceID) {
				u.LinkedDevices = lo.Without(u.LinkedDevices, deviceID)
				if err := tx.SaveUser(u); err != nil {
					return err
				}
			}
		}

		if !lo.Contains(guardian.LinkedDevices, deviceID) {
			guardian.LinkedDevices = append(guardian.LinkedDevices, deviceID)
			if err := tx.SaveUser(guardian); err != nil {
				return err
			}
		}

		if device.AssignedTo != guardianID {
			device.AssignedTo = guardianID
			return tx.SaveDevice(device)
		}

		return nil
	})

	return err
}

func (d *directory) UnlinkDevice(ctx context.Context, deviceID, guardianID string) error {
	var err error
	ctx, span := tracer.Start(ctx, "unlink-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = d.store.Update(ctx, func(tx storage.Tx) error {
		guardian, err := tx.User(guardianID)
		if err != nil {
			return fmt.Errorf("guardian %s: %w", guardianID, err)
		}

		if lo.Contains(guardian.LinkedDevices, deviceID) {
			guardian.LinkedDevices = lo.Without(guardian.LinkedDevices, deviceID)
			if err := tx.SaveUser(guardian); err != nil {
				return err
			}
		}

		device, err := tx.Device(deviceID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		// a device owned by somebody else keeps its owner
		if device.AssignedTo == guardianID {
			device.AssignedTo = ""
			return tx.SaveDevice(device)
		}

		return nil
	})

	return err
}

func (d *directory) RemoveGuardian(ctx context.Context, guardianID string) error {
	var err error
	ctx, span := tracer.Start(ctx, "remove-guardian")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = d.store.Update(ctx, func(tx storage.Tx) error {
		guardian, err := tx.User(guardianID)
		if err != nil {
			return fmt.Errorf("guardian %s: %w", guardianID, err)
		}

		assigned, err := tx.DevicesAssignedTo(guardianID)
		if err != nil {
			return err
		}

		deviceIDs := lo.Uniq(append(guardian.LinkedDevices, lo.Map(assigned, func(d types.Device, _ int) string {
			return d.ID
		})...))

		for _, id := range deviceIDs {
			device, err := tx.Device(id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			if device.AssignedTo == guardianID {
				device.AssignedTo = ""
				if err := tx.SaveDevice(device); err != nil {
					return err
				}
			}
		}

		return tx.DeleteUser(guardianID)
	})

	if err == nil {
		// the identity account is left in place, see DESIGN.md
		log := logging.GetLoggerFromContext(ctx)
		log.Info().Str("guardianID", guardianID).Msg("guardian removed")
	}

	return err
}

func (d *directory) RemoveDevice(ctx context.Context, deviceID string) error {
	var err error
	ctx, span := tracer.Start(ctx, "remove-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = d.store.Update(ctx, func(tx storage.Tx) error {
		if _, err := tx.Device(deviceID); err != nil {
			return fmt.Errorf("device %s: %w", deviceID, err)
		}

		users, err := tx.Users()
		if err != nil {
			return err
		}

		for _, u := range users {
			if lo.Contains(u.LinkedDevices, deviceID) {
				u.LinkedDevices = lo.Without(u.LinkedDevices, deviceID)
				if err := tx.SaveUser(u); err != nil {
					return err
				}
			}
		}

		return tx.DeleteDevice(deviceID)
	})

	if err == nil {
		d.publish(ctx, &types.DeviceRemoved{DeviceID: deviceID, Timestamp: time.Now().UTC()})
	}

	return err
}

func (d *directory) AddDevice(ctx context.Context, deviceID, dataSource string) (types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "add-device")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		err = fmt.Errorf("%w: device id is required", ErrInvalidInput)
		return types.Device{}, err
	}

	device := types.Device{
		ID:          deviceID,
		DataSource:  strings.TrimSpace(dataSource),
		LastUpdated: time.Now().UTC(),
		FallHistory: []types.FallHistoryEntry{},
	}

	err = d.store.Update(ctx, func(tx storage.Tx) error {
		return tx.CreateDevice(device)
	})
	if err != nil {
		return types.Device{}, err
	}

	d.publish(ctx, &types.DeviceCreated{DeviceID: device.ID, DataSource: device.DataSource, Timestamp: device.LastUpdated})

	return device, nil
}

func (d *directory) UpdateDeviceInfo(ctx context.Context, deviceID string, info DeviceInfo) (types.Device, error) {
	var err error
	ctx, span := tracer.Start(ctx, "update-device-info")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var updated types.Device

	err = d.store.Update(ctx, func(tx storage.Tx) error {
		device, err := tx.Device(deviceID)
		if err != nil {
			return fmt.Errorf("device %s: %w", deviceID, err)
		}

		set(&device.UserName, info.UserName)
		set(&device.UserPhone, info.UserPhone)
		set(&device.MentorPhone, info.MentorPhone)
		set(&device.ImageURL, info.ImageURL)
		set(&device.DataSource, info.DataSource)

		updated = device
		return tx.SaveDevice(device)
	})

	return updated, err
}

func set(field *string, value *string) {
	if value != nil {
		*field = strings.TrimSpace(*value)
	}
}

func (d *directory) AddFallHistory(ctx context.Context, deviceID string, gps types.GPS) error {
	return d.store.Update(ctx, func(tx storage.Tx) error {
		return tx.AppendFallHistory(deviceID, types.FallHistoryEntry{
			ID:        uuid.NewString(),
			Timestamp: time.Now().UTC(),
			Lat:       gps.Lat,
			Lng:       gps.Lng,
		})
	})
}

func (d *directory) User(ctx context.Context, userID string) (types.User, error) {
	return d.store.User(ctx, userID)
}

func (d *directory) Guardians(ctx context.Context) ([]types.User, error) {
	users, err := d.store.Users(ctx)
	if err != nil {
		return nil, err
	}

	return lo.Filter(users, func(u types.User, _ int) bool {
		return u.Role == types.RoleGuardian
	}), nil
}

func (d *directory) Device(ctx context.Context, deviceID string) (types.Device, error) {
	return d.store.Device(ctx, deviceID)
}

func (d *directory) Devices(ctx context.Context) ([]types.Device, error) {
	return d.store.Devices(ctx)
}

func (d *directory) DevicesFor(ctx context.Context, guardianID string) ([]types.Device, error) {
	return d.store.DevicesAssignedTo(ctx, guardianID)
}

func (d *directory) FallHistory(ctx context.Context, deviceID string) ([]types.FallHistoryEntry, error) {
	device, err := d.store.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	return device.NewestFirst(), nil
}

func (d *directory) publish(ctx context.Context, msg messaging.TopicMessage) {
	if d.publisher == nil {
		return
	}

	if err := d.publisher.PublishOnTopic(ctx, msg); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Error().Err(err).Str("topic", msg.TopicName()).Msg("failed to publish directory event")
	}
}
