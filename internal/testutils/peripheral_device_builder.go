package testutils

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/srg/thordlink/internal/device"
)

// CharacteristicConfig represents a GATT characteristic configuration for fakes
type CharacteristicConfig struct {
	UUID       string `json:"uuid"`
	Properties string `json:"properties,omitempty"` // e.g., "write,notify"
}

// ServiceConfig represents a GATT service configuration for fakes
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete peripheral profile for fakes
type DeviceProfileConfig struct {
	Name     string          `json:"name"`
	Address  string          `json:"address"`
	Services []ServiceConfig `json:"services"`
}

// PeripheralDeviceBuilder builds a FakePeripheral with a GATT profile and failure injection.
type PeripheralDeviceBuilder struct {
	profile       DeviceProfileConfig
	subscribeErrs map[string]error
	writeErrs     map[string]error
	discoverErrs  map[string]error
}

// NewPeripheralDeviceBuilder creates a builder with an empty profile.
func NewPeripheralDeviceBuilder() *PeripheralDeviceBuilder {
	return &PeripheralDeviceBuilder{
		profile: DeviceProfileConfig{
			Name:     device.DefaultDeviceName,
			Address:  "aa:bb:cc:dd:ee:ff",
			Services: []ServiceConfig{},
		},
		subscribeErrs: map[string]error{},
		writeErrs:     map[string]error{},
		discoverErrs:  map[string]error{},
	}
}

func (b *PeripheralDeviceBuilder) WithName(name string) *PeripheralDeviceBuilder {
	b.profile.Name = name
	return b
}

func (b *PeripheralDeviceBuilder) WithAddress(address string) *PeripheralDeviceBuilder {
	b.profile.Address = address
	return b
}

// WithService adds a service to the profile
func (b *PeripheralDeviceBuilder) WithService(uuid string) *PeripheralDeviceBuilder {
	b.profile.Services = append(b.profile.Services, ServiceConfig{
		UUID:            uuid,
		Characteristics: []CharacteristicConfig{},
	})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *PeripheralDeviceBuilder) WithCharacteristic(uuid, properties string) *PeripheralDeviceBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := len(b.profile.Services) - 1
	b.profile.Services[last].Characteristics = append(b.profile.Services[last].Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
	})
	return b
}

// WithoutService removes a service and its characteristics from the profile.
func (b *PeripheralDeviceBuilder) WithoutService(uuid string) *PeripheralDeviceBuilder {
	kept := b.profile.Services[:0]
	for _, svc := range b.profile.Services {
		if !device.SameUUID(svc.UUID, uuid) {
			kept = append(kept, svc)
		}
	}
	b.profile.Services = kept
	return b
}

// WithSubscribeError makes Subscribe on the characteristic fail.
func (b *PeripheralDeviceBuilder) WithSubscribeError(charUUID string, err error) *PeripheralDeviceBuilder {
	b.subscribeErrs[device.NormalizeUUID(charUUID)] = err
	return b
}

// WithWriteError makes Write on the characteristic fail.
func (b *PeripheralDeviceBuilder) WithWriteError(charUUID string, err error) *PeripheralDeviceBuilder {
	b.writeErrs[device.NormalizeUUID(charUUID)] = err
	return b
}

// WithDiscoverError makes discovery of the characteristic fail with err instead of NotFoundError.
func (b *PeripheralDeviceBuilder) WithDiscoverError(charUUID string, err error) *PeripheralDeviceBuilder {
	b.discoverErrs[device.NormalizeUUID(charUUID)] = err
	return b
}

// FromJSON fills the profile from JSON
func (b *PeripheralDeviceBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *PeripheralDeviceBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	config := DeviceProfileConfig{Name: b.profile.Name, Address: b.profile.Address}
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("PeripheralDeviceBuilder.FromJSON: failed to unmarshal: %v", err))
	}

	b.profile = config
	return b
}

// GetServices returns the configured services
func (b *PeripheralDeviceBuilder) GetServices() []ServiceConfig {
	return b.profile.Services
}

// Build creates the FakePeripheral.
func (b *PeripheralDeviceBuilder) Build() *FakePeripheral {
	p := newFakePeripheral(b.profile.Name, b.profile.Address)
	for _, svc := range b.profile.Services {
		for _, cc := range svc.Characteristics {
			id := device.NormalizeUUID(cc.UUID)
			p.chars[charKey(svc.UUID, cc.UUID)] = &FakeCharacteristic{
				uuid:         id,
				notifiable:   hasProperty(cc.Properties, "notify") || hasProperty(cc.Properties, "indicate"),
				subscribeErr: b.subscribeErrs[id],
				writeErr:     b.writeErrs[id],
			}
		}
	}
	for id, err := range b.discoverErrs {
		p.discoverErrs[id] = err
	}
	return p
}

func hasProperty(props, name string) bool {
	if props == "" {
		return true
	}
	for _, p := range strings.Split(props, ",") {
		if strings.TrimSpace(p) == name {
			return true
		}
	}
	return false
}

func charKey(svc, char string) string {
	return device.NormalizeUUID(svc) + "/" + device.NormalizeUUID(char)
}
