package testutils

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/thordlink/internal/device"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	logs   *syncBuffer
}

// syncBuffer is a bytes.Buffer safe for the logger's concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewTestHelper creates a test helper whose logger writes to an in-memory buffer.
func NewTestHelper(t *testing.T) *TestHelper {
	logs := &syncBuffer{}
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(logs)
	return &TestHelper{
		T:      t,
		Logger: logger,
		logs:   logs,
	}
}

// Logs returns everything logged so far.
func (h *TestHelper) Logs() string {
	return h.logs.String()
}

// WriteFile writes content to name inside a per-test temporary directory and returns the path.
func (h *TestHelper) WriteFile(name, content string) string {
	h.T.Helper()
	path := filepath.Join(h.T.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		h.T.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// CreateThordPeripheral returns a builder preloaded with the THORD GATT profile.
func CreateThordPeripheral() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		WithService(device.CustomServiceUUID).
		WithCharacteristic(device.CustomCharacteristicUUID, "read,write,notify").
		WithService(device.MIDIServiceUUID).
		WithCharacteristic(device.MIDICharacteristicUUID, "read,write-without-response,notify")
}

// CreateThordPeripheralFromJSON returns a builder with a profile described as JSON.
func CreateThordPeripheralFromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().FromJSON(jsonStrFmt, args...)
}
