package events

// Subject naming: <prefix>.<domain>.<name>
// Prefix is configured per deployment (e.g. "axefleet").

const (
	DomainDiscovery = "discovery"
	DomainPoll      = "poll"
	DomainDevice    = "device"
	DomainWatchdog  = "watchdog"
)

const (
	DiscoveryDeviceFound = DomainDiscovery + ".device_found"

	PollCompleted = DomainPoll + ".completed"

	DeviceStateChanged = DomainDevice + ".state_changed"

	WatchdogRestartIssued = DomainWatchdog + ".restart_issued"
)
