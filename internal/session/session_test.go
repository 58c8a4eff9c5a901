package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/thordlink/internal/blemidi"
	"github.com/srg/thordlink/internal/device"
	"github.com/srg/thordlink/internal/orientation"
	"github.com/srg/thordlink/internal/session"
	"github.com/srg/thordlink/internal/store"
	"github.com/srg/thordlink/internal/testutils"
	"github.com/stretchr/testify/suite"
	"gitlab.com/gomidi/midi/v2"
)

type SessionTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	store  *store.Store

	mu     sync.Mutex
	states []session.ConnectionState
}

func (s *SessionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.store = store.New(store.DefaultOptions(), s.helper.Logger)
	s.states = nil
	s.store.Subscribe(func(ev store.Event) {
		if ev.Kind != store.EventState {
			return
		}
		s.mu.Lock()
		s.states = append(s.states, ev.State)
		s.mu.Unlock()
	})
}

func (s *SessionTestSuite) recordedStates() []session.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.ConnectionState(nil), s.states...)
}

func (s *SessionTestSuite) newSession(central device.Central, opts session.Options) *session.Session {
	sess := session.New(central, s.store, opts, s.helper.Logger)
	s.T().Cleanup(func() { _ = sess.Close() })
	return sess
}

func (s *SessionTestSuite) connected(opts session.Options) (*session.Session, *testutils.FakePeripheral) {
	p := testutils.CreateThordPeripheral().Build()
	sess := s.newSession(testutils.NewFakeCentral(p), opts)
	s.Require().NoError(sess.Connect(context.Background()))
	return sess, p
}

func (s *SessionTestSuite) TestConnectWalksLifecycle() {
	p := testutils.CreateThordPeripheral().Build()
	central := testutils.NewFakeCentral(p)
	sess := s.newSession(central, session.Options{ConnectTimeout: 5 * time.Second})

	s.Require().NoError(sess.Connect(context.Background()))

	s.Equal(session.Connected, sess.State())
	s.True(sess.IsConnected())
	s.Equal("THORD", sess.DeviceName())
	s.Equal([]session.ConnectionState{
		session.Connecting,
		session.ServiceDiscovery,
		session.Subscribing,
		session.Connected,
	}, s.recordedStates())

	s.True(p.Orientation().Subscribed())
	s.True(p.MIDI().Subscribed())

	snap := s.store.Snapshot()
	s.Equal(session.Connected, snap.State)
	s.Equal("THORD", snap.DeviceName)
	s.NotNil(snap.Handles.Orientation)
	s.NotNil(snap.Handles.MIDI)

	opts := central.LastOptions()
	s.Equal(device.DefaultDeviceName, opts.Name)
	s.Equal(5*time.Second, opts.ConnectTimeout)
}

func (s *SessionTestSuite) TestConnectByAddress() {
	p := testutils.CreateThordPeripheral().WithName("").Build()
	central := testutils.NewFakeCentral(p)
	sess := s.newSession(central, session.Options{Address: "11:22:33:44:55:66"})

	s.Require().NoError(sess.Connect(context.Background()))
	s.Equal("11:22:33:44:55:66", central.LastOptions().Address)
}

func (s *SessionTestSuite) TestSingleNoteOnReachesHistory() {
	_, p := s.connected(session.Options{})

	s.True(p.MIDI().Notify([]byte{0x80, 0x90, 0x3C, 0x40}))
	s.store.Drain()

	s.Equal([]midi.Message{{0x90, 0x3C, 0x40}}, s.store.History())
}

func (s *SessionTestSuite) TestProgramChangeAndNoteOnInOrder() {
	_, p := s.connected(session.Options{})

	p.MIDI().Notify([]byte{0x80, 0xC0, 0x05, 0x90, 0x3C, 0x7F})
	s.store.Drain()

	s.Equal([]midi.Message{{0xC0, 0x05}, {0x90, 0x3C, 0x7F}}, s.store.History())
}

func (s *SessionTestSuite) TestOrientationUpdatesStore() {
	_, p := s.connected(session.Options{})

	p.Orientation().Notify(orientation.Encode(orientation.Sample{Heading: 12.5, Roll: -3, Pitch: 44}))
	s.store.Drain()

	s.Equal(orientation.Sample{Heading: 12.5, Roll: -3, Pitch: 44}, s.store.Orientation())
}

func (s *SessionTestSuite) TestShortOrientationPayloadIsDropped() {
	_, p := s.connected(session.Options{})

	p.Orientation().Notify(orientation.Encode(orientation.Sample{Heading: 1, Roll: 2, Pitch: 3}))
	p.Orientation().Notify([]byte{0x00, 0x00, 0x80})
	s.store.Drain()

	s.Equal(orientation.Sample{Heading: 1, Roll: 2, Pitch: 3}, s.store.Orientation())
	s.Contains(s.helper.Logs(), "Dropping short orientation payload")
}

func (s *SessionTestSuite) TestServiceDiscoveryFailureEndsDisconnected() {
	p := testutils.CreateThordPeripheral().WithoutService(device.MIDIServiceUUID).Build()
	sess := s.newSession(testutils.NewFakeCentral(p), session.Options{})

	err := sess.Connect(context.Background())

	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("service", nf.Resource)
	s.Equal(session.Disconnected, sess.State())
	s.Equal([]session.ConnectionState{
		session.Connecting,
		session.ServiceDiscovery,
		session.Disconnected,
	}, s.recordedStates())

	snap := s.store.Snapshot()
	s.Equal(session.Disconnected, snap.State)
	s.Nil(snap.Handles.Orientation)
	s.Nil(snap.Handles.MIDI)
	s.Empty(snap.DeviceName)
	s.Equal(1, p.Disconnects())
	s.Zero(p.Orientation().Subscribes())
}

func (s *SessionTestSuite) TestSubscribeFailureReleasesPartialHandle() {
	p := testutils.CreateThordPeripheral().
		WithSubscribeError(device.MIDICharacteristicUUID, errors.New("CCCD write rejected")).
		Build()
	sess := s.newSession(testutils.NewFakeCentral(p), session.Options{})

	err := sess.Connect(context.Background())
	s.Require().ErrorContains(err, "CCCD write rejected")

	s.Equal(session.Disconnected, sess.State())
	s.Equal(1, p.Orientation().Unsubscribes())
	s.False(p.Orientation().Subscribed())
	s.Equal(1, p.Disconnects())
	s.Nil(s.store.Handles().MIDI)
}

func (s *SessionTestSuite) TestSelectionCanceled() {
	central := testutils.NewFakeCentral().FailWith(device.ErrSelectionCanceled)
	sess := s.newSession(central, session.Options{})

	err := sess.Connect(context.Background())
	s.ErrorIs(err, device.ErrSelectionCanceled)
	s.Equal(session.Disconnected, sess.State())
	s.Equal([]session.ConnectionState{session.Connecting, session.Disconnected}, s.recordedStates())
}

func (s *SessionTestSuite) TestConnectWhileConnectedDisconnectsOnce() {
	first := testutils.CreateThordPeripheral().Build()
	second := testutils.CreateThordPeripheral().WithName("THORD-2").Build()
	central := testutils.NewFakeCentral(first, second)
	sess := s.newSession(central, session.Options{})

	s.Require().NoError(sess.Connect(context.Background()))
	s.Require().NoError(sess.Connect(context.Background()))

	s.Equal(1, first.Disconnects())
	s.False(first.MIDI().Subscribed())
	s.Zero(second.Disconnects())
	s.True(second.MIDI().Subscribed())
	s.Equal("THORD-2", sess.DeviceName())
	s.Equal(2, central.Connects())

	disconnecting := 0
	for _, st := range s.recordedStates() {
		if st == session.Disconnecting {
			disconnecting++
		}
	}
	s.Equal(1, disconnecting)
}

func (s *SessionTestSuite) TestToggle() {
	first := testutils.CreateThordPeripheral().Build()
	second := testutils.CreateThordPeripheral().Build()
	sess := s.newSession(testutils.NewFakeCentral(first, second), session.Options{})

	s.Require().NoError(sess.Toggle(context.Background()))
	s.True(sess.IsConnected())

	s.Require().NoError(sess.Toggle(context.Background()))
	s.Equal(session.Disconnected, sess.State())
	s.Equal(1, first.Disconnects())

	s.Require().NoError(sess.Toggle(context.Background()))
	s.True(sess.IsConnected())
	s.True(second.MIDI().Subscribed())
}

func (s *SessionTestSuite) TestDisconnectWhenDisconnectedIsNoop() {
	sess := s.newSession(testutils.NewFakeCentral(), session.Options{})

	s.NoError(sess.Disconnect())
	s.Equal(session.Disconnected, sess.State())
	s.Empty(s.recordedStates())
}

func (s *SessionTestSuite) TestDisconnectKeepsHistory() {
	sess, p := s.connected(session.Options{})
	p.MIDI().Notify([]byte{0x80, 0x90, 0x3C, 0x40})
	s.store.Drain()

	s.Require().NoError(sess.Disconnect())

	s.Equal(session.Disconnected, sess.State())
	s.Empty(sess.DeviceName())
	s.Equal(1, p.Disconnects())
	s.False(p.Orientation().Subscribed())
	s.False(p.MIDI().Subscribed())
	s.Equal(1, s.store.HistoryLen())
	s.Empty(s.store.DeviceName())
}

func (s *SessionTestSuite) TestLinkLossUsesTeardownPath() {
	sess, p := s.connected(session.Options{})
	p.MIDI().Notify([]byte{0x80, 0xC0, 0x05, 0x90, 0x3C, 0x7F})
	s.store.Drain()
	before := s.store.HistoryLen()

	p.DropLink()

	s.Eventually(func() bool {
		return sess.State() == session.Disconnected
	}, time.Second, 5*time.Millisecond)
	s.Eventually(func() bool {
		return s.store.State() == session.Disconnected
	}, time.Second, 5*time.Millisecond)

	s.Empty(s.store.DeviceName())
	s.Nil(s.store.Handles().MIDI)
	s.Equal(before, s.store.HistoryLen())
	s.False(p.MIDI().Subscribed())

	states := s.recordedStates()
	s.Equal([]session.ConnectionState{session.Disconnecting, session.Disconnected}, states[len(states)-2:])
}

func (s *SessionTestSuite) TestNotificationsAfterDisconnectAreIgnored() {
	sess, p := s.connected(session.Options{})

	s.True(p.MIDI().Notify([]byte{0x80, 0x90, 0x3C, 0x40}))
	s.Require().NoError(sess.Disconnect())

	s.False(p.MIDI().Notify([]byte{0x80, 0x90, 0x3E, 0x40}))
	s.store.Drain()
	s.Equal(1, s.store.HistoryLen())
}

func (s *SessionTestSuite) TestSecondConnectWhileInFlightIsRejected() {
	p := testutils.CreateThordPeripheral().Build()
	central := testutils.NewFakeCentral(p)
	entered := central.Hold()
	sess := s.newSession(central, session.Options{})

	result := make(chan error, 1)
	go func() { result <- sess.Connect(context.Background()) }()
	<-entered

	s.Equal(session.Connecting, sess.State())
	s.ErrorIs(sess.Connect(context.Background()), session.ErrConnectInProgress)

	central.Release()
	s.NoError(<-result)
	s.True(sess.IsConnected())
	s.Equal(1, central.Connects())
}

func (s *SessionTestSuite) TestDisconnectAbandonsAttemptInFlight() {
	p := testutils.CreateThordPeripheral().Build()
	central := testutils.NewFakeCentral(p)
	entered := central.Hold()
	sess := s.newSession(central, session.Options{})

	result := make(chan error, 1)
	go func() { result <- sess.Connect(context.Background()) }()
	<-entered

	s.Require().NoError(sess.Disconnect())
	s.Equal(session.Disconnected, sess.State())

	central.Release()
	s.ErrorIs(<-result, session.ErrAborted)

	s.Equal(session.Disconnected, sess.State())
	s.Equal(1, p.Disconnects())
	s.Zero(p.Orientation().Subscribes())
	s.Equal([]session.ConnectionState{
		session.Connecting,
		session.Disconnecting,
		session.Disconnected,
	}, s.recordedStates())
}

func (s *SessionTestSuite) TestContextCancelDuringSelection() {
	central := testutils.NewFakeCentral(testutils.CreateThordPeripheral().Build())
	entered := central.Hold()
	sess := s.newSession(central, session.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- sess.Connect(ctx) }()
	<-entered
	cancel()

	s.ErrorIs(<-result, device.ErrSelectionCanceled)
	s.Equal(session.Disconnected, sess.State())
}

func (s *SessionTestSuite) TestWriteCommand() {
	sess := s.newSession(testutils.NewFakeCentral(), session.Options{})
	s.ErrorIs(sess.WriteCommand("FILE_LIST"), device.ErrNotConnected)

	sess, p := s.connected(session.Options{})
	s.Require().NoError(sess.WriteCommand("FILE_PLAY,intro.mid"))
	s.Equal([][]byte{[]byte("FILE_PLAY,intro.mid")}, p.Orientation().Writes())
}

func (s *SessionTestSuite) TestWriteCommandError() {
	p := testutils.CreateThordPeripheral().
		WithWriteError(device.CustomCharacteristicUUID, device.ErrNotConnected).
		Build()
	sess := s.newSession(testutils.NewFakeCentral(p), session.Options{})
	s.Require().NoError(sess.Connect(context.Background()))

	s.ErrorIs(sess.WriteCommand("FILE_LIST"), device.ErrNotConnected)
}

func (s *SessionTestSuite) TestSendMIDI() {
	sess := s.newSession(testutils.NewFakeCentral(), session.Options{})
	s.ErrorIs(sess.SendMIDI(midi.NoteOn(0, 60, 100)), device.ErrNotConnected)

	sess, p := s.connected(session.Options{})
	s.Require().NoError(sess.SendMIDI(midi.NoteOn(0, 60, 100), midi.NoteOff(0, 60)))

	writes := p.MIDI().Writes()
	s.Require().Len(writes, 2)
	s.Equal([]midi.Message{midi.NoteOn(0, 60, 100)}, blemidi.Parse(writes[0]))
	s.Equal([]midi.Message{midi.NoteOff(0, 60)}, blemidi.Parse(writes[1]))

	s.ErrorIs(sess.SendMIDI(midi.Message{0xF0, 0x7E, 0xF7}), blemidi.ErrUnsupportedMessage)
}

func (s *SessionTestSuite) TestReassemblyAcrossNotifications() {
	sess, p := s.connected(session.Options{Reassemble: true})

	p.MIDI().Notify([]byte{0x80, 0x90, 0x3C})
	p.MIDI().Notify([]byte{0x80, 0x40})
	s.store.Drain()

	s.Equal([]midi.Message{{0x90, 0x3C, 0x40}}, s.store.History())
	stats, ok := sess.MIDIStats()
	s.Require().True(ok)
	s.Equal(uint64(1), stats.Reassembled)
}

func (s *SessionTestSuite) TestHeldPartialIsFlushedOnDisconnect() {
	sess, p := s.connected(session.Options{Reassemble: true})

	p.MIDI().Notify([]byte{0x80, 0x90, 0x3C})
	s.store.Drain()
	s.Zero(s.store.HistoryLen())

	s.Require().NoError(sess.Disconnect())
	s.store.Drain()
	s.Equal([]midi.Message{{0x90, 0x3C}}, s.store.History())

	_, ok := sess.MIDIStats()
	s.False(ok)
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}
