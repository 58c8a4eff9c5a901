package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/thordlink/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// MockAdvertisement implements ble.Advertisement for testing
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockAdvertisement) ManufacturerData() []byte {
	args := m.Called()
	return args.Get(0).([]byte)
}

func (m *MockAdvertisement) ServiceData() []ble.ServiceData {
	args := m.Called()
	return args.Get(0).([]ble.ServiceData)
}

func (m *MockAdvertisement) Services() []ble.UUID {
	args := m.Called()
	return args.Get(0).([]ble.UUID)
}

func (m *MockAdvertisement) OverflowService() []ble.UUID {
	args := m.Called()
	return args.Get(0).([]ble.UUID)
}

func (m *MockAdvertisement) TxPowerLevel() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockAdvertisement) Connectable() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockAdvertisement) SolicitedService() []ble.UUID {
	args := m.Called()
	return args.Get(0).([]ble.UUID)
}

func (m *MockAdvertisement) RSSI() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockAdvertisement) Addr() ble.Addr {
	args := m.Called()
	return args.Get(0).(ble.Addr)
}

// fakeClient is an in-memory GATT server with one profile.
type fakeClient struct {
	mu sync.Mutex

	name     string
	addr     string
	services []*ble.Service

	subscribeErr error
	writeErr     error
	cancelErr    error

	handlers     map[string]ble.NotificationHandler
	indications  map[string]bool
	writes       [][]byte
	noRsp        []bool
	cancelCalls  int
	descriptorOf []string
	disconnected chan struct{}
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{
		name:         name,
		addr:         "aa:bb:cc:dd:ee:ff",
		handlers:     map[string]ble.NotificationHandler{},
		indications:  map[string]bool{},
		disconnected: make(chan struct{}),
	}
}

func (f *fakeClient) withCharacteristic(svc, char string, props ble.Property) *fakeClient {
	su, cu := ble.MustParse(svc), ble.MustParse(char)
	for _, s := range f.services {
		if s.UUID.Equal(su) {
			s.Characteristics = append(s.Characteristics, &ble.Characteristic{UUID: cu, Property: props})
			return f
		}
	}
	f.services = append(f.services, &ble.Service{
		UUID:            su,
		Characteristics: []*ble.Characteristic{{UUID: cu, Property: props}},
	})
	return f
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) Addr() ble.Addr { return ble.NewAddr(f.addr) }

func (f *fakeClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	var out []*ble.Service
	for _, s := range f.services {
		for _, u := range filter {
			if s.UUID.Equal(u) {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (f *fakeClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	var out []*ble.Characteristic
	for _, c := range s.Characteristics {
		for _, u := range filter {
			if c.UUID.Equal(u) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func (f *fakeClient) DiscoverDescriptors(_ []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.descriptorOf = append(f.descriptorOf, c.UUID.String())
	return nil, nil
}

func (f *fakeClient) WriteCharacteristic(_ *ble.Characteristic, value []byte, noRsp bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), value...))
	f.noRsp = append(f.noRsp, noRsp)
	return nil
}

func (f *fakeClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[c.UUID.String()] = h
	f.indications[c.UUID.String()] = ind
	return nil
}

func (f *fakeClient) Unsubscribe(c *ble.Characteristic, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, c.UUID.String())
	return nil
}

func (f *fakeClient) CancelConnection() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeClient) Disconnected() <-chan struct{} {
	return f.disconnected
}

func (f *fakeClient) notify(char string, data []byte) {
	f.mu.Lock()
	h := f.handlers[ble.MustParse(char).String()]
	f.mu.Unlock()
	if h != nil {
		h(data)
	}
}

type GoBLETestSuite struct {
	suite.Suite
	logger *logrus.Logger
	client *fakeClient

	origFactory func() (ble.Device, error)
	origConnect func(context.Context, ble.AdvFilter) (gattClient, error)
	origDial    func(context.Context, string) (gattClient, error)
}

func (s *GoBLETestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)

	s.client = newFakeClient(device.DefaultDeviceName).
		withCharacteristic(device.CustomServiceUUID, device.CustomCharacteristicUUID, ble.CharNotify|ble.CharWrite).
		withCharacteristic(device.MIDIServiceUUID, device.MIDICharacteristicUUID, ble.CharIndicate|ble.CharWriteNR)

	s.origFactory, s.origConnect, s.origDial = DeviceFactory, connectFunc, dialFunc
	DeviceFactory = func() (ble.Device, error) { return nil, nil }
}

func (s *GoBLETestSuite) TearDownTest() {
	DeviceFactory, connectFunc, dialFunc = s.origFactory, s.origConnect, s.origDial
}

func (s *GoBLETestSuite) connect(opts *device.ConnectOptions) (*Peripheral, error) {
	connectFunc = func(ctx context.Context, filter ble.AdvFilter) (gattClient, error) {
		return s.client, nil
	}
	dialFunc = func(ctx context.Context, address string) (gattClient, error) {
		return s.client, nil
	}
	p, err := NewCentral(s.logger).Connect(context.Background(), opts)
	if err != nil {
		return nil, err
	}
	return p.(*Peripheral), nil
}

func (s *GoBLETestSuite) TestConnectFiltersByLocalName() {
	var filter ble.AdvFilter
	connectFunc = func(ctx context.Context, f ble.AdvFilter) (gattClient, error) {
		filter = f
		return s.client, nil
	}

	p, err := NewCentral(s.logger).Connect(context.Background(), &device.ConnectOptions{})
	s.Require().NoError(err)
	s.Equal(device.DefaultDeviceName, p.Name())
	s.Equal("aa:bb:cc:dd:ee:ff", p.Address())
	s.Require().NotNil(filter)

	thord := &MockAdvertisement{}
	thord.On("Connectable").Return(true)
	thord.On("LocalName").Return("THORD")
	s.True(filter(thord))

	other := &MockAdvertisement{}
	other.On("Connectable").Return(true)
	other.On("LocalName").Return("Keyboard")
	s.False(filter(other))

	silent := &MockAdvertisement{}
	silent.On("Connectable").Return(false)
	silent.On("LocalName").Return("THORD").Maybe()
	s.False(filter(silent))
}

func (s *GoBLETestSuite) TestConnectDialsAddress() {
	var dialed string
	dialFunc = func(ctx context.Context, address string) (gattClient, error) {
		dialed = address
		return s.client, nil
	}
	connectFunc = func(ctx context.Context, f ble.AdvFilter) (gattClient, error) {
		s.Fail("name filter must not be used when an address is given")
		return nil, errors.New("unexpected")
	}

	_, err := NewCentral(s.logger).Connect(context.Background(), &device.ConnectOptions{Address: " 11:22:33:44:55:66 "})
	s.Require().NoError(err)
	s.Equal("11:22:33:44:55:66", dialed)
}

func (s *GoBLETestSuite) TestConnectTimeout() {
	connectFunc = func(ctx context.Context, f ble.AdvFilter) (gattClient, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := NewCentral(s.logger).Connect(context.Background(), &device.ConnectOptions{ConnectTimeout: 20 * time.Millisecond})
	s.ErrorIs(err, device.ErrTimeout)
}

func (s *GoBLETestSuite) TestConnectCanceledSelection() {
	connectFunc = func(ctx context.Context, f ble.AdvFilter) (gattClient, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCentral(s.logger).Connect(ctx, nil)
	s.ErrorIs(err, device.ErrSelectionCanceled)
}

func (s *GoBLETestSuite) TestConnectDeviceFactoryFailure() {
	DeviceFactory = func() (ble.Device, error) { return nil, errors.New("bluetooth is turned off") }

	_, err := NewCentral(s.logger).Connect(context.Background(), nil)
	s.ErrorIs(err, device.ErrBluetoothOff)
}

func (s *GoBLETestSuite) TestDiscoverCharacteristic() {
	p, err := s.connect(nil)
	s.Require().NoError(err)

	char, err := p.DiscoverCharacteristic(context.Background(), device.CustomServiceUUID, device.CustomCharacteristicUUID)
	s.Require().NoError(err)
	s.Equal(device.NormalizeUUID(device.CustomCharacteristicUUID), char.UUID())
	s.Len(s.client.descriptorOf, 1)
}

func (s *GoBLETestSuite) TestDiscoverMissingService() {
	s.client.services = s.client.services[1:]
	p, err := s.connect(nil)
	s.Require().NoError(err)

	_, err = p.DiscoverCharacteristic(context.Background(), device.CustomServiceUUID, device.CustomCharacteristicUUID)
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("service", nf.Resource)
}

func (s *GoBLETestSuite) TestDiscoverMissingCharacteristic() {
	p, err := s.connect(nil)
	s.Require().NoError(err)

	_, err = p.DiscoverCharacteristic(context.Background(), device.MIDIServiceUUID, device.CustomCharacteristicUUID)
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)
	s.Equal([]string{device.MIDIServiceUUID, device.CustomCharacteristicUUID}, nf.UUIDs)
}

func (s *GoBLETestSuite) TestSubscribeChoosesNotifyOrIndicate() {
	p, err := s.connect(nil)
	s.Require().NoError(err)

	custom, err := p.DiscoverCharacteristic(context.Background(), device.CustomServiceUUID, device.CustomCharacteristicUUID)
	s.Require().NoError(err)
	midiChar, err := p.DiscoverCharacteristic(context.Background(), device.MIDIServiceUUID, device.MIDICharacteristicUUID)
	s.Require().NoError(err)

	var got [][]byte
	s.Require().NoError(custom.Subscribe(func(data []byte) { got = append(got, data) }))
	s.Require().NoError(midiChar.Subscribe(func([]byte) {}))

	s.False(s.client.indications[ble.MustParse(device.CustomCharacteristicUUID).String()])
	s.True(s.client.indications[ble.MustParse(device.MIDICharacteristicUUID).String()])

	s.client.notify(device.CustomCharacteristicUUID, []byte{1, 2, 3})
	s.Equal([][]byte{{1, 2, 3}}, got)

	s.Require().NoError(custom.Unsubscribe())
	s.client.notify(device.CustomCharacteristicUUID, []byte{4})
	s.Len(got, 1)
}

func (s *GoBLETestSuite) TestSubscribeRequiresNotifyProperty() {
	s.client = newFakeClient("THORD").withCharacteristic(device.CustomServiceUUID, device.CustomCharacteristicUUID, ble.CharWrite)
	p, err := s.connect(nil)
	s.Require().NoError(err)

	char, err := p.DiscoverCharacteristic(context.Background(), device.CustomServiceUUID, device.CustomCharacteristicUUID)
	s.Require().NoError(err)
	s.ErrorIs(char.Subscribe(func([]byte) {}), device.ErrUnsupported)
}

func (s *GoBLETestSuite) TestWriteIsChunked() {
	p, err := s.connect(nil)
	s.Require().NoError(err)
	char, err := p.DiscoverCharacteristic(context.Background(), device.CustomServiceUUID, device.CustomCharacteristicUUID)
	s.Require().NoError(err)

	payload := make([]byte, 45)
	for i := range payload {
		payload[i] = byte(i)
	}
	s.Require().NoError(char.Write(payload, true))

	s.Require().Len(s.client.writes, 3)
	s.Len(s.client.writes[0], 20)
	s.Len(s.client.writes[1], 20)
	s.Len(s.client.writes[2], 5)
	s.Equal([]bool{false, false, false}, s.client.noRsp)
}

func (s *GoBLETestSuite) TestWriteErrorIsNormalized() {
	s.client.writeErr = errors.New("device not connected")
	p, err := s.connect(nil)
	s.Require().NoError(err)
	char, err := p.DiscoverCharacteristic(context.Background(), device.CustomServiceUUID, device.CustomCharacteristicUUID)
	s.Require().NoError(err)

	s.ErrorIs(char.Write([]byte("FILE_LIST"), false), device.ErrNotConnected)
}

func (s *GoBLETestSuite) TestDisconnectIsIdempotent() {
	p, err := s.connect(nil)
	s.Require().NoError(err)

	s.Require().NoError(p.Disconnect())
	s.Require().NoError(p.Disconnect())
	s.Equal(1, s.client.cancelCalls)

	select {
	case <-p.Disconnected():
	default:
		s.Fail("Disconnected channel must be closed after Disconnect")
	}
}

func (s *GoBLETestSuite) TestLinkLossClosesDisconnected() {
	p, err := s.connect(nil)
	s.Require().NoError(err)

	close(s.client.disconnected)

	select {
	case <-p.Disconnected():
	case <-time.After(time.Second):
		s.Fail("link loss was not forwarded")
	}
	s.Zero(s.client.cancelCalls)
}

func TestGoBLETestSuite(t *testing.T) {
	suite.Run(t, new(GoBLETestSuite))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"bluetooth off", errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), device.ErrBluetoothOff},
		{"not connected", errors.New("Device not connected"), device.ErrNotConnected},
		{"disconnected", errors.New("peripheral disconnected"), device.ErrNotConnected},
		{"already connected", errors.New("device already connected"), device.ErrAlreadyConnected},
		{"not initialized", errors.New("connection is not initialized"), device.ErrNotInitialized},
		{"deadline", context.DeadlineExceeded, device.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, NormalizeError(tt.err), tt.target)
		})
	}

	assert.NoError(t, NormalizeError(nil))
	other := errors.New("boom")
	assert.Same(t, other, NormalizeError(other))
}

func TestWriteChunked(t *testing.T) {
	var chunks [][]byte
	err := writeChunked([]byte("FILE_PLAY,intro.mid"), 8, 0, func(b []byte) error {
		chunks = append(chunks, b)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("FILE_PLA"), []byte("Y,intro."), []byte("mid")}, chunks)

	boom := errors.New("boom")
	calls := 0
	err = writeChunked(make([]byte, 30), 10, 0, func([]byte) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}
