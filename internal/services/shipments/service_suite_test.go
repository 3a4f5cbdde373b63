package shipments

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"

	"github.com/BearBump/ShipRecon/internal/broker/messages"
	"github.com/BearBump/ShipRecon/internal/integrations/provider"
	"github.com/BearBump/ShipRecon/internal/models"
)

type fakeRepo struct {
	journal *[]string

	createIn  models.ShipmentCreateInput
	createOut *models.Shipment
	createErr error

	byID map[uint64]*models.Shipment

	countOut int
	countErr error

	subIn  string
	subErr error

	muteOut bool

	renameIn string

	removeRemaining int64
	removeErr       error

	archivedIDs         []uint64
	archivedDeliveredAt []*time.Time
	reactivatedIDs      []uint64

	listOut   []*models.UserShipment
	listCalls int

	eventsOut             []*models.ShipmentEvent
	eventsLimit, eventsOffset int
}

func (f *fakeRepo) note(op string) {
	if f.journal != nil {
		*f.journal = append(*f.journal, op)
	}
}

func (f *fakeRepo) CreateOrGetShipment(_ context.Context, in models.ShipmentCreateInput) (*models.Shipment, error) {
	f.note("repo.CreateOrGetShipment")
	f.createIn = in
	return f.createOut, f.createErr
}

func (f *fakeRepo) GetShipmentByID(_ context.Context, id uint64) (*models.Shipment, error) {
	f.note("repo.GetShipmentByID")
	sh, ok := f.byID[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return sh, nil
}

func (f *fakeRepo) ArchiveShipment(_ context.Context, id uint64, deliveredAt *time.Time) error {
	f.note("repo.ArchiveShipment")
	f.archivedIDs = append(f.archivedIDs, id)
	f.archivedDeliveredAt = append(f.archivedDeliveredAt, deliveredAt)
	return nil
}

func (f *fakeRepo) ReactivateShipment(_ context.Context, id uint64) error {
	f.note("repo.ReactivateShipment")
	f.reactivatedIDs = append(f.reactivatedIDs, id)
	return nil
}

func (f *fakeRepo) Subscribe(_ context.Context, userID int64, shipmentID uint64, itemName string) (*models.Subscription, error) {
	f.note("repo.Subscribe")
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.subIn = itemName
	return &models.Subscription{
		ID:         1,
		UserID:     userID,
		ShipmentID: shipmentID,
		ItemName:   itemName,
		CreatedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeRepo) ToggleMute(_ context.Context, _ int64, _ uint64) (bool, error) {
	f.note("repo.ToggleMute")
	return f.muteOut, nil
}

func (f *fakeRepo) RenameSubscription(_ context.Context, _ int64, _ uint64, itemName string) error {
	f.note("repo.RenameSubscription")
	f.renameIn = itemName
	return nil
}

func (f *fakeRepo) RemoveSubscription(_ context.Context, _ int64, _ uint64) (int64, error) {
	f.note("repo.RemoveSubscription")
	return f.removeRemaining, f.removeErr
}

func (f *fakeRepo) CountActiveForUser(_ context.Context, _ int64) (int, error) {
	f.note("repo.CountActiveForUser")
	return f.countOut, f.countErr
}

func (f *fakeRepo) ListForUser(_ context.Context, _ int64, _ bool) ([]*models.UserShipment, error) {
	f.note("repo.ListForUser")
	f.listCalls++
	return f.listOut, nil
}

func (f *fakeRepo) ListShipmentEvents(_ context.Context, _ uint64, limit, offset int) ([]*models.ShipmentEvent, error) {
	f.note("repo.ListShipmentEvents")
	f.eventsLimit, f.eventsOffset = limit, offset
	return f.eventsOut, nil
}

type fakeProviderClient struct {
	journal *[]string

	detectOut []provider.CarrierCandidate
	detectErr error
	detectIn  string

	registered  []string
	registerErr error
}

func (f *fakeProviderClient) note(op string) {
	if f.journal != nil {
		*f.journal = append(*f.journal, op)
	}
}

func (f *fakeProviderClient) DetectCarriers(_ context.Context, trackingNumber string) ([]provider.CarrierCandidate, error) {
	f.note("provider.DetectCarriers")
	f.detectIn = trackingNumber
	if f.detectErr != nil {
		return nil, f.detectErr
	}
	return f.detectOut, nil
}

func (f *fakeProviderClient) Register(_ context.Context, trackingNumber, carrierCode string) error {
	f.note("provider.Register")
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = append(f.registered, trackingNumber+"|"+carrierCode)
	return nil
}

func (f *fakeProviderClient) FetchOne(_ context.Context, _, _ string) (json.RawMessage, bool, error) {
	return nil, false, nil
}

func (f *fakeProviderClient) FetchBatch(_ context.Context, _ []provider.BatchItem) (map[string]json.RawMessage, error) {
	return map[string]json.RawMessage{}, nil
}

type fakeRefresher struct {
	journal *[]string

	out     *models.Shipment
	changed bool
	err     error
	calls   int
	lastID  uint64
}

func (f *fakeRefresher) ReconcileOne(_ context.Context, shipmentID uint64) (*models.Shipment, bool, error) {
	if f.journal != nil {
		*f.journal = append(*f.journal, "refresher.ReconcileOne")
	}
	f.calls++
	f.lastID = shipmentID
	if f.err != nil {
		return nil, false, f.err
	}
	return f.out, f.changed, nil
}

type fakeCooldown struct {
	allow bool
	wait  time.Duration
	err   error
	keys  []string
}

func (f *fakeCooldown) Acquire(_ context.Context, key string, _ time.Duration) (bool, time.Duration, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.wait, f.err
}

type memCache struct {
	m       map[string][]byte
	deleted []string
}

func newMemCache() *memCache { return &memCache{m: map[string][]byte{}} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := c.m[key]
	return b, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.m[key] = value
	return nil
}

func (c *memCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(c.m, k)
		c.deleted = append(c.deleted, k)
	}
	return nil
}

type ServiceSuite struct {
	suite.Suite

	journal   []string
	repo      *fakeRepo
	client    *fakeProviderClient
	refresher *fakeRefresher
	cooldown  *fakeCooldown
	cache     *memCache
	svc       *Service
}

func (s *ServiceSuite) SetupTest() {
	s.journal = nil
	s.repo = &fakeRepo{journal: &s.journal}
	s.client = &fakeProviderClient{journal: &s.journal}
	s.refresher = &fakeRefresher{journal: &s.journal}
	s.cooldown = &fakeCooldown{allow: true}
	s.cache = newMemCache()
	s.svc = New(s.repo, s.client, s.refresher).
		WithCache(s.cache, time.Minute).
		WithCooldown(s.cooldown, 10*time.Minute).
		WithMaxActive(30)
}

func freshShipment(id uint64) *models.Shipment {
	return &models.Shipment{
		ID:             id,
		TrackingNumber: "RB123456789CN",
		CarrierCode:    "2014",
		State:          models.StateActive,
		NextCheckAt:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func checkedShipment(id uint64) *models.Shipment {
	sh := freshShipment(id)
	at := time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC)
	loc := "Shenzhen"
	sh.LastCheckAt = &at
	sh.LastEvent = &models.Event{Status: models.StatusInTransit, StatusRaw: "In transit", Location: &loc}
	sh.Fingerprint = "abc"
	return sh
}

func (s *ServiceSuite) TestRegister_NewShipmentReconcilesBeforeSubscribe() {
	s.repo.createOut = freshShipment(7)
	s.refresher.out = checkedShipment(7)
	s.refresher.changed = true

	out, err := s.svc.Register(context.Background(), 100, RegisterInput{
		TrackingNumber: "rb123456789cn",
		CarrierCode:    "2014",
		ItemName:       "Headphones",
	})
	s.Require().NoError(err)

	// number is normalized before it reaches the provider
	s.Require().Equal([]string{"RB123456789CN|2014"}, s.client.registered)
	s.Require().Equal("RB123456789CN", s.repo.createIn.TrackingNumber)

	// the inline reconcile runs before anyone subscribes, so the first
	// event never produces a notification
	s.Require().Equal([]string{
		"repo.CountActiveForUser",
		"provider.Register",
		"repo.CreateOrGetShipment",
		"refresher.ReconcileOne",
		"repo.Subscribe",
	}, s.journal)

	s.Require().Equal(uint64(7), out.Shipment.ID)
	s.Require().NotNil(out.Shipment.LastEvent)
	s.Require().Equal("Headphones", out.ItemName)
}

func (s *ServiceSuite) TestRegister_ExistingShipmentSkipsInlineReconcile() {
	s.repo.createOut = checkedShipment(7)

	out, err := s.svc.Register(context.Background(), 100, RegisterInput{
		TrackingNumber: "RB123456789CN",
		CarrierCode:    "2014",
	})
	s.Require().NoError(err)
	s.Require().Zero(s.refresher.calls)
	s.Require().Equal(uint64(7), out.Shipment.ID)
}

func (s *ServiceSuite) TestRegister_AutoDetectsCarrierWhenAbsent() {
	s.client.detectOut = []provider.CarrierCandidate{{Code: "2014", Name: "Cainiao"}, {Code: "0", Name: "Auto detect"}}
	s.repo.createOut = checkedShipment(7)

	_, err := s.svc.Register(context.Background(), 100, RegisterInput{TrackingNumber: "RB123456789CN"})
	s.Require().NoError(err)
	s.Require().Equal("RB123456789CN", s.client.detectIn)
	s.Require().Equal([]string{"RB123456789CN|2014"}, s.client.registered)
}

func (s *ServiceSuite) TestRegister_CapBlocksBeforeProviderCall() {
	s.repo.countOut = 30

	_, err := s.svc.Register(context.Background(), 100, RegisterInput{
		TrackingNumber: "RB123456789CN",
		CarrierCode:    "2014",
	})
	s.Require().ErrorIs(err, ErrTooManyActive)
	s.Require().Empty(s.client.registered)
}

func (s *ServiceSuite) TestRegister_ProviderFailureStopsRegistration() {
	s.client.registerErr = provider.ErrNotConfigured

	_, err := s.svc.Register(context.Background(), 100, RegisterInput{
		TrackingNumber: "RB123456789CN",
		CarrierCode:    "2014",
	})
	s.Require().ErrorIs(err, provider.ErrNotConfigured)
	s.Require().NotContains(s.journal, "repo.Subscribe")
}

func (s *ServiceSuite) TestRegister_ReactivatesArchivedUndelivered() {
	sh := checkedShipment(7)
	sh.State = models.StateArchived
	s.repo.createOut = sh

	out, err := s.svc.Register(context.Background(), 100, RegisterInput{
		TrackingNumber: "RB123456789CN",
		CarrierCode:    "2014",
	})
	s.Require().NoError(err)
	s.Require().Equal([]uint64{7}, s.repo.reactivatedIDs)
	s.Require().Equal(models.StateActive, out.Shipment.State)
}

func (s *ServiceSuite) TestRegister_DeliveredShipmentStaysArchived() {
	sh := checkedShipment(7)
	sh.State = models.StateArchived
	at := time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC)
	sh.DeliveredAt = &at
	s.repo.createOut = sh

	out, err := s.svc.Register(context.Background(), 100, RegisterInput{
		TrackingNumber: "RB123456789CN",
		CarrierCode:    "2014",
	})
	s.Require().NoError(err)
	s.Require().Empty(s.repo.reactivatedIDs)
	s.Require().Equal(models.StateArchived, out.Shipment.State)
}

func (s *ServiceSuite) TestRegister_InitialReconcileFailureIsNotFatal() {
	s.repo.createOut = freshShipment(7)
	s.refresher.err = provider.ErrProviderUnavailable

	out, err := s.svc.Register(context.Background(), 100, RegisterInput{
		TrackingNumber: "RB123456789CN",
		CarrierCode:    "2014",
		ItemName:       "Keyboard",
	})
	s.Require().NoError(err)
	s.Require().Equal(1, s.refresher.calls)
	s.Require().Nil(out.Shipment.LastEvent)
	s.Require().Equal("Keyboard", out.ItemName)
}

func (s *ServiceSuite) TestRegister_ValidatesTrackingNumber() {
	_, err := s.svc.Register(context.Background(), 100, RegisterInput{TrackingNumber: "   "})
	s.Require().Error(err)
	s.Require().Empty(s.journal)
}

func (s *ServiceSuite) TestRefresh_CooldownDenied() {
	s.cooldown.allow = false
	s.cooldown.wait = 3 * time.Minute

	_, _, err := s.svc.Refresh(context.Background(), 100, 7)

	var cd *CooldownError
	s.Require().ErrorAs(err, &cd)
	s.Require().Equal(3*time.Minute, cd.RetryAfter)
	s.Require().Zero(s.refresher.calls)
}

func (s *ServiceSuite) TestRefresh_RunsSharedPipeline() {
	s.refresher.out = checkedShipment(7)
	s.refresher.changed = true

	sh, changed, err := s.svc.Refresh(context.Background(), 100, 7)
	s.Require().NoError(err)
	s.Require().True(changed)
	s.Require().Equal(uint64(7), sh.ID)
	s.Require().Equal(uint64(7), s.refresher.lastID)

	// cooldown is keyed per user, not per shipment
	s.Require().Equal([]string{"refresh:100"}, s.cooldown.keys)

	// the refreshed state lands in the cache
	_, ok, _ := s.cache.Get(context.Background(), "shipment:7:current")
	s.Require().True(ok)
}

func (s *ServiceSuite) TestRefresh_BurnsCooldownEvenWhenPipelineFails() {
	s.refresher.err = provider.ErrProviderUnavailable

	_, _, err := s.svc.Refresh(context.Background(), 100, 7)
	s.Require().ErrorIs(err, provider.ErrProviderUnavailable)
	s.Require().Len(s.cooldown.keys, 1)
}

func (s *ServiceSuite) TestGetShipment_CacheHitSkipsStore() {
	cached := checkedShipment(7)
	b, _ := json.Marshal(cached)
	s.Require().NoError(s.cache.Set(context.Background(), "shipment:7:current", b, time.Minute))

	sh, err := s.svc.GetShipment(context.Background(), 7)
	s.Require().NoError(err)
	s.Require().Equal(uint64(7), sh.ID)
	s.Require().NotContains(s.journal, "repo.GetShipmentByID")
}

func (s *ServiceSuite) TestGetShipment_MissFallsThroughAndCaches() {
	s.repo.byID = map[uint64]*models.Shipment{7: checkedShipment(7)}

	sh, err := s.svc.GetShipment(context.Background(), 7)
	s.Require().NoError(err)
	s.Require().Equal(uint64(7), sh.ID)

	_, ok, _ := s.cache.Get(context.Background(), "shipment:7:current")
	s.Require().True(ok)
}

func (s *ServiceSuite) TestList_SecondReadServedFromCache() {
	s.repo.listOut = []*models.UserShipment{{Shipment: checkedShipment(7), ItemName: "Headphones"}}

	first, err := s.svc.List(context.Background(), 100, false)
	s.Require().NoError(err)
	s.Require().Len(first, 1)

	second, err := s.svc.List(context.Background(), 100, false)
	s.Require().NoError(err)
	s.Require().Len(second, 1)
	s.Require().Equal("Headphones", second[0].ItemName)
	s.Require().Equal(1, s.repo.listCalls)
}

func (s *ServiceSuite) TestMuteToggle_DropsListingCache() {
	s.Require().NoError(s.cache.Set(context.Background(), "user:100:shipments", []byte("[]"), time.Minute))
	s.repo.muteOut = true

	muted, err := s.svc.MuteToggle(context.Background(), 100, 7)
	s.Require().NoError(err)
	s.Require().True(muted)
	s.Require().Contains(s.cache.deleted, "user:100:shipments")
}

func (s *ServiceSuite) TestApplyChange_DropsCachedCurrent() {
	s.Require().NoError(s.cache.Set(context.Background(), "shipment:7:current", []byte("{}"), time.Minute))

	err := s.svc.ApplyChange(context.Background(), messages.ShipmentChanged{ShipmentID: 7})
	s.Require().NoError(err)
	s.Require().Contains(s.cache.deleted, "shipment:7:current")
}

func (s *ServiceSuite) TestRename_RequiresName() {
	s.Require().Error(s.svc.Rename(context.Background(), 100, 7, "  "))
	s.Require().NoError(s.svc.Rename(context.Background(), 100, 7, " Espresso machine "))
	s.Require().Equal("Espresso machine", s.repo.renameIn)
}

func (s *ServiceSuite) TestArchive_NeverStampsDeliveredAt() {
	s.Require().NoError(s.svc.Archive(context.Background(), 100, 7))
	s.Require().Equal([]uint64{7}, s.repo.archivedIDs)
	s.Require().Nil(s.repo.archivedDeliveredAt[0])
}

func (s *ServiceSuite) TestRemove_LastSubscriberArchivesShipment() {
	s.repo.removeRemaining = 0
	s.Require().NoError(s.svc.Remove(context.Background(), 100, 7))
	s.Require().Equal([]uint64{7}, s.repo.archivedIDs)
}

func (s *ServiceSuite) TestRemove_OtherSubscribersKeepShipmentActive() {
	s.repo.removeRemaining = 2
	s.Require().NoError(s.svc.Remove(context.Background(), 100, 7))
	s.Require().Empty(s.repo.archivedIDs)
}

func (s *ServiceSuite) TestEvents_Passthrough() {
	s.repo.eventsOut = []*models.ShipmentEvent{{ID: 1, ShipmentID: 9}}

	out, err := s.svc.Events(context.Background(), 9, 50, 10)
	s.Require().NoError(err)
	s.Require().Len(out, 1)
	s.Require().Equal(50, s.repo.eventsLimit)
	s.Require().Equal(10, s.repo.eventsOffset)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
