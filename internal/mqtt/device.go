package mqtt

import (
	"github.com/google/uuid"

	"github.com/nugget/switchboard/internal/buildinfo"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload, so all sensors group under one device.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. Name is relative to the device (HasEntityName), so it must
// not repeat the device name.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// InstanceID derives a stable device identifier from the device name,
// so entity history survives restarts without any local state.
func InstanceID(deviceName string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("switchboard:"+deviceName)).String()
}

// NewDeviceInfo creates the device block for an instance.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Switchboard",
		Model:        "MCP tool orchestrator",
		SWVersion:    buildinfo.Version,
	}
}
