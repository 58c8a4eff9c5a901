package device

import "strings"

// THORD GATT identifiers.
const (
	CustomServiceUUID        = "12345678-1234-1234-1234-123456789012"
	CustomCharacteristicUUID = "87654321-4321-4321-4321-210987654321"

	MIDIServiceUUID        = "03b80e5a-ede8-4b33-a751-6ce34ec4c700"
	MIDICharacteristicUUID = "7772e5db-3868-4112-a1a9-f2669d106bf3"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format: lowercase, no
// dashes, no 0x prefix. Bluetooth SIG base UUIDs are shortened to their 16-bit form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.ReplaceAll(u, "-", "")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	return u
}

// SameUUID reports whether a and b name the same UUID in any accepted format.
func SameUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}
