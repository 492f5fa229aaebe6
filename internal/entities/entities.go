// Package entities projects a coordinator snapshot onto Home Assistant
// entities: per-device identity and traffic sensors, a presence
// tracker per device, per-flow sensors and a recent-alarms summary.
//
// Entities hold only identifiers. Every call to [Entity.Value] looks
// its record up again in the snapshot it is given, so a record that has
// disappeared reads as "not found" instead of failing.
package entities

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/nugget/firewalla-bridge/internal/config"
	"github.com/nugget/firewalla-bridge/internal/coordinator"
	"github.com/nugget/firewalla-bridge/internal/firewalla"
)

// Domain prefixes unique IDs and device identifiers.
const Domain = "firewalla"

// Kind is the Home Assistant platform an entity belongs to.
type Kind string

const (
	KindSensor  Kind = "sensor"
	KindTracker Kind = "device_tracker"
)

// hubBoxID is used as the box identifier before any box is known.
const hubBoxID = "firewalla_hub"

// recentEventsLimit bounds the alarm list exposed as an attribute.
const recentEventsLimit = 5

// Device is a Home Assistant device registry entry.
type Device struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name,omitempty"`
	Manufacturer     string   `json:"manufacturer,omitempty"`
	Model            string   `json:"model,omitempty"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
	ViaDevice        string   `json:"via_device,omitempty"`
}

// State is an entity's value at one point in time. A nil Value means
// the backing record was not found.
type State struct {
	Value      any            `json:"value"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Payload renders the value the way Home Assistant's MQTT platforms
// expect it. A missing value renders as "None", which HA shows as
// unknown.
func (s State) Payload() string {
	switch v := s.Value.(type) {
	case nil:
		return "None"
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// Entity describes one Home Assistant entity.
type Entity struct {
	Kind        Kind   `json:"kind"`
	UniqueID    string `json:"unique_id"`
	Name        string `json:"name"`
	Device      Device `json:"device"`
	Icon        string `json:"icon,omitempty"`
	DeviceClass string `json:"device_class,omitempty"`
	StateClass  string `json:"state_class,omitempty"`
	Unit        string `json:"unit_of_measurement,omitempty"`
	// Feature is the flag that produced this entity, "" for entities
	// that always exist.
	Feature string `json:"feature,omitempty"`

	value func(coordinator.Snapshot) State
}

// Value reads the entity's current state from snap.
func (e Entity) Value(snap coordinator.Snapshot) State {
	if e.value == nil {
		return State{}
	}
	return e.value(snap)
}

// Build returns the entities implied by snap under the given flags.
// Devices without an id and flows without an id are skipped.
func Build(snap coordinator.Snapshot, flags coordinator.FlagResolver) []Entity {
	if flags == nil {
		flags = coordinator.StaticFlags(nil)
	}
	traffic := flags.Enabled(config.FeatureTraffic)
	box := BoxDevice(snap)

	var out []Entity
	for _, dev := range snap.Devices {
		id := dev.ID()
		if id == "" {
			continue
		}
		hd := deviceInfo(dev, box)
		out = append(out,
			deviceSensor(dev, hd, "MAC Address", "mdi:ethernet", macValue),
			deviceSensor(dev, hd, "IP Address", "mdi:ip-network", func(d firewalla.Record) any {
				return nonEmpty(d.String("ip"))
			}),
			deviceSensor(dev, hd, "Network Name", "mdi:lan", func(d firewalla.Record) any {
				return nonEmpty(d.Map("network").String("name"))
			}),
			tracker(dev, box),
		)
		if traffic {
			if dev.Has("totalDownload") {
				out = append(out, trafficSensor(dev, hd, "Total Download", "totalDownload"))
			}
			if dev.Has("totalUpload") {
				out = append(out, trafficSensor(dev, hd, "Total Upload", "totalUpload"))
			}
		}
	}

	if flags.Enabled(config.FeatureFlows) {
		for _, flow := range snap.Flows {
			if flow.ID() == "" {
				continue
			}
			out = append(out, flowSensor(snap, flow, box))
		}
	}

	if flags.Enabled(config.FeatureAlarms) {
		out = append(out, alarmsSensor(box))
	}
	return out
}

// BoxDevice returns the device entry for the primary box, falling back
// to a generic hub entry when no box is known.
func BoxDevice(snap coordinator.Snapshot) Device {
	d := Device{
		Identifiers:      []string{boxIdentifier(hubBoxID)},
		Name:             "Firewalla Box",
		Manufacturer:     "Firewalla",
		Model:            "Firewalla Purple",
		ConfigurationURL: "https://my.firewalla.com",
	}
	box, ok := snap.PrimaryBox()
	if !ok {
		return d
	}
	if id := box.ID(); id != "" {
		d.Identifiers = []string{boxIdentifier(id)}
	}
	if name := box.String("name"); name != "" {
		d.Name = name
	}
	if model := box.String("model"); model != "" {
		d.Model = model
	}
	return d
}

func boxIdentifier(id string) string { return Domain + "_box_" + id }

func deviceIdentifier(id string) string { return Domain + "_" + id }

func deviceInfo(dev firewalla.Record, box Device) Device {
	id := dev.ID()
	name := dev.String("name")
	if name == "" {
		name = "Firewalla Device " + id
	}
	return Device{
		Identifiers:  []string{deviceIdentifier(id)},
		Name:         name,
		Manufacturer: "Firewalla",
		ViaDevice:    box.Identifiers[0],
	}
}

// uniqueID builds firewalla_{suffix}_{id} with the suffix lowercased
// and spaces replaced.
func uniqueID(suffix, id string) string {
	return Domain + "_" + strings.ReplaceAll(strings.ToLower(suffix), " ", "_") + "_" + id
}

func displayName(dev firewalla.Record) string {
	if name := dev.String("name"); name != "" {
		return name
	}
	return "Unknown"
}

func nonEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func macValue(d firewalla.Record) any {
	mac := d.String("mac")
	if mac == "" {
		mac = d.ID()
	}
	return strings.TrimPrefix(mac, "mac:")
}

// deviceSensor re-reads the device by id on every Value call.
func deviceSensor(dev firewalla.Record, hd Device, suffix, icon string, read func(firewalla.Record) any) Entity {
	id := dev.ID()
	return Entity{
		Kind:     KindSensor,
		UniqueID: uniqueID(suffix, id),
		Name:     displayName(dev) + " " + suffix,
		Device:   hd,
		Icon:     icon,
		value: func(s coordinator.Snapshot) State {
			d, ok := s.Device(id)
			if !ok {
				return State{}
			}
			return State{Value: read(d)}
		},
	}
}

func trafficSensor(dev firewalla.Record, hd Device, suffix, field string) Entity {
	id := dev.ID()
	return Entity{
		Kind:        KindSensor,
		UniqueID:    uniqueID(suffix, id),
		Name:        displayName(dev) + " " + suffix,
		Device:      hd,
		DeviceClass: "data_size",
		StateClass:  "total_increasing",
		Unit:        "kB",
		Feature:     config.FeatureTraffic,
		value: func(s coordinator.Snapshot) State {
			d, ok := s.Device(id)
			if !ok {
				return State{}
			}
			bytes, _ := d.Float(field)
			return State{
				Value:      kilobytes(bytes),
				Attributes: map[string]any{"human_readable": humanBytes(bytes)},
			}
		},
	}
}

func tracker(dev firewalla.Record, box Device) Entity {
	id := dev.ID()
	name := dev.String("name")
	if name == "" {
		name = "Firewalla Device " + id
	}
	return Entity{
		Kind:     KindTracker,
		UniqueID: Domain + "_tracker_" + id,
		Name:     name,
		Device:   box,
		Icon:     "mdi:lan-connect",
		value: func(s coordinator.Snapshot) State {
			d, _ := s.Device(id)
			state := "not_home"
			if d.Bool("online") {
				state = "home"
			}
			attrs := map[string]any{"source_type": "router"}
			if ip := d.String("ip"); ip != "" {
				attrs["ip"] = ip
			}
			if mac := d.String("mac"); mac != "" {
				attrs["mac"] = mac
			}
			return State{Value: state, Attributes: attrs}
		},
	}
}

// flowSensor links the flow to its device (device.id, then source.id)
// when that device is in the snapshot, otherwise to the box.
func flowSensor(snap coordinator.Snapshot, flow firewalla.Record, box Device) Entity {
	flowID := flow.ID()
	dst := flow.Map("destination").String("name")
	if dst == "" {
		dst = flow.Map("destination").String("ip")
	}
	if dst == "" {
		dst = "unknown"
	}

	devID := flow.Map("device").String("id")
	if devID == "" {
		devID = flow.Map("source").String("id")
	}

	owner := "Standalone Flow"
	hd := Device{Identifiers: box.Identifiers}
	if dev, ok := snap.Device(devID); ok {
		owner = dev.String("name")
		if owner == "" {
			owner = "Unknown Device"
		}
		hd = Device{Identifiers: []string{deviceIdentifier(dev.ID())}}
	}

	return Entity{
		Kind:        KindSensor,
		UniqueID:    Domain + "_flow_" + flowID,
		Name:        owner + " Flow to " + dst,
		Device:      hd,
		Icon:        "mdi:swap-horizontal",
		DeviceClass: "data_size",
		Unit:        "kB",
		Feature:     config.FeatureFlows,
		value: func(s coordinator.Snapshot) State {
			f, ok := s.Flow(flowID)
			if !ok {
				return State{}
			}
			down, _ := f.Float("download")
			up, _ := f.Float("upload")
			attrs := map[string]any{
				"download":       humanBytes(down),
				"upload":         humanBytes(up),
				"human_readable": humanBytes(down + up),
			}
			if p := f.String("protocol"); p != "" {
				attrs["protocol"] = p
			}
			return State{Value: kilobytes(down + up), Attributes: attrs}
		},
	}
}

func alarmsSensor(box Device) Entity {
	return Entity{
		Kind:     KindSensor,
		UniqueID: Domain + "_recent_alarms_summary_v2",
		Name:     "Firewalla Recent Alarms",
		Device:   box,
		Icon:     "mdi:shield-alert",
		Feature:  config.FeatureAlarms,
		value: func(s coordinator.Snapshot) State {
			alarms := s.Alarms
			recent := alarms[:min(len(alarms), recentEventsLimit)]
			attrs := map[string]any{
				"total_alarms":  len(alarms),
				"recent_events": recent,
			}
			if len(alarms) == 0 {
				return State{Value: "No Alarms", Attributes: attrs}
			}
			msg := alarms[0].String("message")
			if msg == "" {
				msg = "Unknown Event"
			}
			return State{Value: msg, Attributes: attrs}
		},
	}
}

// kilobytes converts bytes to KB rounded to two decimals.
func kilobytes(bytes float64) float64 {
	return math.Round(bytes/1024*100) / 100
}

func humanBytes(b float64) string {
	if b < 0 {
		b = 0
	}
	return humanize.IBytes(uint64(b))
}
