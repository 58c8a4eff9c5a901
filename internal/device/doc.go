// Package device defines the transport contracts the THORD session runs on:
// a Central that selects and connects a peripheral, the Peripheral's GATT
// lookups and the Characteristic notify/write surface.
//
// It also carries the THORD GATT identifiers and the error taxonomy shared by
// the go-ble implementation and the session layer.
package device
