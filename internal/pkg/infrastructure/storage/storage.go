package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/pkg/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrStoreUnavailable = errors.New("store unavailable")
)

type Collection string

const (
	Users   Collection = "users"
	Devices Collection = "devices"
	Samples Collection = "samples"
)

type Store interface {
	Reader

	SaveSample(ctx context.Context, sourceID string, payload []byte) error
	Samples(ctx context.Context) (map[string][]byte, error)

	// Update runs fn in a single transaction and notifies watchers of every
	// collection it wrote to once the transaction has committed.
	Update(ctx context.Context, fn func(tx Tx) error) error

	WatchUsers(ctx context.Context) <-chan []types.User
	WatchDevices(ctx context.Context) <-chan []types.Device
	WatchSamples(ctx context.Context) <-chan map[string][]byte
}

type Reader interface {
	User(ctx context.Context, id string) (types.User, error)
	Users(ctx context.Context) ([]types.User, error)
	FindUserByEmail(ctx context.Context, email string) (types.User, error)
	Device(ctx context.Context, id string) (types.Device, error)
	Devices(ctx context.Context) ([]types.Device, error)
	DevicesAssignedTo(ctx context.Context, userID string) ([]types.Device, error)
}

type Tx interface {
	User(id string) (types.User, error)
	Users() ([]types.User, error)
	FindUserByEmail(email string) (types.User, error)
	CreateUser(u types.User) error
	SaveUser(u types.User) error
	DeleteUser(id string) error

	Device(id string) (types.Device, error)
	Devices() ([]types.Device, error)
	DevicesAssignedTo(userID string) ([]types.Device, error)
	CreateDevice(d types.Device) error
	SaveDevice(d types.Device) error
	DeleteDevice(id string) error
	AppendFallHistory(deviceID string, entry types.FallHistoryEntry) error
}

type store struct {
	db *gorm.DB

	mu       sync.Mutex
	watchers map[Collection]map[chan struct{}]struct{}
}

func New(connect ConnectorFunc) (Store, error) {
	db, _, err := connect()
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(&userRecord{}, &deviceRecord{}, &fallHistoryRecord{}, &sampleRecord{})
	if err != nil {
		return nil, err
	}

	return &store{
		db:       db,
		watchers: map[Collection]map[chan struct{}]struct{}{},
	}, nil
}

func (s *store) reader(ctx context.Context) *txImpl {
	return &txImpl{db: s.db.WithContext(ctx), written: map[Collection]bool{}}
}

func (s *store) User(ctx context.Context, id string) (types.User, error) {
	return s.reader(ctx).User(id)
}

func (s *store) Users(ctx context.Context) ([]types.User, error) {
	return s.reader(ctx).Users()
}

func (s *store) FindUserByEmail(ctx context.Context, email string) (types.User, error) {
	return s.reader(ctx).FindUserByEmail(email)
}

func (s *store) Device(ctx context.Context, id string) (types.Device, error) {
	return s.reader(ctx).Device(id)
}

func (s *store) Devices(ctx context.Context) ([]types.Device, error) {
	return s.reader(ctx).Devices()
}

func (s *store) DevicesAssignedTo(ctx context.Context, userID string) ([]types.Device, error) {
	return s.reader(ctx).DevicesAssignedTo(userID)
}

func (s *store) SaveSample(ctx context.Context, sourceID string, payload []byte) error {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&sampleRecord{
		SourceID:   sourceID,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
	if result.Error != nil {
		return unavailable(result.Error)
	}

	s.notify(Samples)

	return nil
}

func (s *store) Samples(ctx context.Context) (map[string][]byte, error) {
	var records []sampleRecord

	result := s.db.WithContext(ctx).Order("source_id").Find(&records)
	if result.Error != nil {
		return nil, unavailable(result.Error)
	}

	samples := make(map[string][]byte, len(records))
	for _, r := range records {
		samples[r.SourceID] = r.Payload
	}

	return samples, nil
}

func (s *store) Update(ctx context.Context, fn func(tx Tx) error) error {
	written := map[Collection]bool{}

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&txImpl{db: db, written: written})
	})
	if err != nil {
		return err
	}

	for c := range written {
		s.notify(c)
	}

	return nil
}

func (s *store) WatchUsers(ctx context.Context) <-chan []types.User {
	return watch(ctx, s, Users, s.Users)
}

func (s *store) WatchDevices(ctx context.Context) <-chan []types.Device {
	return watch(ctx, s, Devices, s.Devices)
}

func (s *store) WatchSamples(ctx context.Context) <-chan map[string][]byte {
	return watch(ctx, s, Samples, s.Samples)
}

// watch delivers the current snapshot of a collection and then a fresh one
// after every committed change. Changes that arrive while the reader is busy
// are coalesced so that only the latest snapshot is delivered.
func watch[T any](ctx context.Context, s *store, c Collection, load func(context.Context) (T, error)) <-chan T {
	out := make(chan T)
	changed := s.subscribe(c)

	go func() {
		defer close(out)
		defer s.unsubscribe(c, changed)

		log := logging.GetLoggerFromContext(ctx)

		for {
			snapshot, err := load(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).Str("collection", string(c)).Msg("failed to load snapshot")
			} else {
				select {
				case out <- snapshot:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (s *store) subscribe(c Collection) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan struct{}, 1)
	if _, ok := s.watchers[c]; !ok {
		s.watchers[c] = map[chan struct{}]struct{}{}
	}
	s.watchers[c][ch] = struct{}{}

	return ch
}

func (s *store) unsubscribe(c Collection, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.watchers[c], ch)
}

func (s *store) notify(c Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.watchers[c] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type txImpl struct {
	db      *gorm.DB
	written map[Collection]bool
}

func (t *txImpl) User(id string) (types.User, error) {
	var r userRecord

	result := t.db.First(&r, "id = ?", id)
	if result.Error != nil {
		return types.User{}, mapError(result.Error)
	}

	return toUser(r), nil
}

func (t *txImpl) Users() ([]types.User, error) {
	var records []userRecord

	result := t.db.Order("id").Find(&records)
	if result.Error != nil {
		return nil, unavailable(result.Error)
	}

	users := make([]types.User, 0, len(records))
	for _, r := range records {
		users = append(users, toUser(r))
	}

	return users, nil
}

func (t *txImpl) FindUserByEmail(email string) (types.User, error) {
	var r userRecord

	result := t.db.Where("LOWER(email) = ?", strings.ToLower(strings.TrimSpace(email))).First(&r)
	if result.Error != nil {
		return types.User{}, mapError(result.Error)
	}

	return toUser(r), nil
}

func (t *txImpl) CreateUser(u types.User) error {
	if _, err := t.User(u.ID); err == nil {
		return fmt.Errorf("user %s: %w", u.ID, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	r := fromUser(u)
	if result := t.db.Create(&r); result.Error != nil {
		return unavailable(result.Error)
	}

	t.written[Users] = true
	return nil
}

func (t *txImpl) SaveUser(u types.User) error {
	r := fromUser(u)
	if result := t.db.Save(&r); result.Error != nil {
		return unavailable(result.Error)
	}

	t.written[Users] = true
	return nil
}

func (t *txImpl) DeleteUser(id string) error {
	result := t.db.Delete(&userRecord{}, "id = ?", id)
	if result.Error != nil {
		return unavailable(result.Error)
	}

	t.written[Users] = true
	return nil
}

func (t *txImpl) Device(id string) (types.Device, error) {
	var r deviceRecord

	result := t.db.Preload("FallHistory", orderByTimestamp).First(&r, "id = ?", id)
	if result.Error != nil {
		return types.Device{}, mapError(result.Error)
	}

	return toDevice(r), nil
}

func (t *txImpl) Devices() ([]types.Device, error) {
	return t.findDevices(t.db)
}

func (t *txImpl) DevicesAssignedTo(userID string) ([]types.Device, error) {
	return t.findDevices(t.db.Where("assigned_to = ?", userID))
}

func (t *txImpl) findDevices(query *gorm.DB) ([]types.Device, error) {
	var records []deviceRecord

	result := query.Preload("FallHistory", orderByTimestamp).Order("id").Find(&records)
	if result.Error != nil {
		return nil, unavailable(result.Error)
	}

	devices := make([]types.Device, 0, len(records))
	for _, r := range records {
		devices = append(devices, toDevice(r))
	}

	return devices, nil
}

func orderByTimestamp(db *gorm.DB) *gorm.DB {
	return db.Order("timestamp")
}

func (t *txImpl) CreateDevice(d types.Device) error {
	if _, err := t.Device(d.ID); err == nil {
		return fmt.Errorf("device %s: %w", d.ID, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	r := fromDevice(d)
	if result := t.db.Omit(clause.Associations).Create(&r); result.Error != nil {
		return unavailable(result.Error)
	}

	t.written[Devices] = true
	return nil
}

// SaveDevice writes every stored field of d except its fall history, which
// only ever grows through AppendFallHistory.
func (t *txImpl) SaveDevice(d types.Device) error {
	r := fromDevice(d)
	if result := t.db.Omit(clause.Associations).Save(&r); result.Error != nil {
		return unavailable(result.Error)
	}

	t.written[Devices] = true
	return nil
}

func (t *txImpl) DeleteDevice(id string) error {
	if result := t.db.Delete(&fallHistoryRecord{}, "device_id = ?", id); result.Error != nil {
		return unavailable(result.Error)
	}

	if result := t.db.Delete(&deviceRecord{}, "id = ?", id); result.Error != nil {
		return unavailable(result.Error)
	}

	t.written[Devices] = true
	return nil
}

func (t *txImpl) AppendFallHistory(deviceID string, entry types.FallHistoryEntry) error {
	if _, err := t.Device(deviceID); err != nil {
		return err
	}

	r := fallHistoryRecord{
		ID:        entry.ID,
		DeviceID:  deviceID,
		Timestamp: entry.Timestamp,
		Lat:       entry.Lat,
		Lng:       entry.Lng,
	}

	if result := t.db.Create(&r); result.Error != nil {
		return unavailable(result.Error)
	}

	t.written[Devices] = true
	return nil
}

func mapError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return unavailable(err)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %s", ErrStoreUnavailable, err.Error())
}
