// Package repo is the persistence contract between the polling core and whatever
// store backs it. The in-memory registry implements it today; a durable backend
// must honor the same contracts, in particular the cascade on Delete.
package repo

import (
	"time"

	"axefleet/internal/miner"
)

// Device is the aggregate root, one per physical miner. ID is the stable unique
// identifier (MAC for AxeOS, synthetic for Avalon); IP is mutable and never a key.
type Device struct {
	ID       string     `json:"id"`
	MAC      string     `json:"mac,omitempty"`
	IP       string     `json:"ip"`
	Kind     miner.Kind `json:"kind"`
	Hostname string     `json:"hostname,omitempty"`
	Model    string     `json:"model,omitempty"`
	Firmware string     `json:"firmware,omitempty"`

	Online   bool `json:"online"`
	ErrCount int  `json:"err_count"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// PollRecord is one poll attempt, success or failure. Failed attempts carry
// OK=false and an empty Info.
type PollRecord struct {
	DeviceID string     `json:"device_id"`
	TS       time.Time  `json:"ts"`
	OK       bool       `json:"ok"`
	Err      string     `json:"err,omitempty"`
	Info     miner.Info `json:"info,omitempty"`
}

// PollOutcome reports how a poll application changed the device.
type PollOutcome struct {
	Device        Device
	OnlineChanged bool
}

type Devices interface {
	// Upsert registers or refreshes a device by ID, keeping FirstSeen.
	Upsert(d Device) Device
	Get(id string) (Device, bool)
	GetByIP(ip string) (Device, bool)
	List() []Device
	KnownIPs() map[string]bool

	// ApplyPoll applies one poll result atomically: counter, online flag,
	// hostname/IP adoption, and the history append happen under one critical
	// section so per-device writes are serialized.
	ApplyPoll(rec PollRecord, offlineThreshold int, recordFailures bool) (PollOutcome, bool)

	// Delete removes the device and cascades to all of its poll records.
	// A store that keeps orphaned records violates this contract.
	Delete(id string) bool
}

type Records interface {
	Latest(deviceID string) (PollRecord, bool)
	Since(deviceID string, t time.Time) []PollRecord
}

type Store interface {
	Devices
	Records
}
