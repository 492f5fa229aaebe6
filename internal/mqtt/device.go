package mqtt

import (
	"strings"

	"github.com/nugget/firewalla-bridge/internal/buildinfo"
	"github.com/nugget/firewalla-bridge/internal/entities"
)

// DeviceInfo is the Home Assistant device block embedded in every
// discovery payload.
type DeviceInfo struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name,omitempty"`
	Manufacturer     string   `json:"manufacturer,omitempty"`
	Model            string   `json:"model,omitempty"`
	SWVersion        string   `json:"sw_version,omitempty"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
	ViaDevice        string   `json:"via_device,omitempty"`
}

// Availability is one entry of a discovery payload's availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// EntityConfig is the discovery payload for the sensor, device_tracker
// and switch platforms. Platform-specific fields are omitted when
// empty.
type EntityConfig struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	ObjectID            string         `json:"object_id,omitempty"`
	StateTopic          string         `json:"state_topic"`
	JSONAttributesTopic string         `json:"json_attributes_topic,omitempty"`
	Availability        []Availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode,omitempty"`
	Device              DeviceInfo     `json:"device"`
	Icon                string         `json:"icon,omitempty"`
	DeviceClass         string         `json:"device_class,omitempty"`
	StateClass          string         `json:"state_class,omitempty"`
	UnitOfMeasurement   string         `json:"unit_of_measurement,omitempty"`
	EntityCategory      string         `json:"entity_category,omitempty"`

	// device_tracker
	SourceType     string `json:"source_type,omitempty"`
	PayloadHome    string `json:"payload_home,omitempty"`
	PayloadNotHome string `json:"payload_not_home,omitempty"`

	// switch
	CommandTopic string `json:"command_topic,omitempty"`
	PayloadOn    string `json:"payload_on,omitempty"`
	PayloadOff   string `json:"payload_off,omitempty"`
}

// NewBridgeDevice describes the bridge process itself. The instance ID
// is the stable identifier; deviceName is what HA displays.
func NewBridgeDevice(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Firewalla",
		Model:        "Firewalla Bridge",
		SWVersion:    buildinfo.Version,
	}
}

func fromEntityDevice(d entities.Device) DeviceInfo {
	return DeviceInfo{
		Identifiers:      d.Identifiers,
		Name:             d.Name,
		Manufacturer:     d.Manufacturer,
		Model:            d.Model,
		ConfigurationURL: d.ConfigurationURL,
		ViaDevice:        d.ViaDevice,
	}
}

// slug maps s onto the characters MQTT discovery accepts in node and
// object IDs: ASCII letters, digits, '_' and '-'. Everything else
// becomes '_'.
func slug(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
