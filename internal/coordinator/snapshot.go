package coordinator

import (
	"slices"

	"github.com/nugget/firewalla-bridge/internal/firewalla"
)

// Snapshot is the merged result of one refresh. All five collections
// are non-nil once a Snapshot has been produced by a refresh. Records
// are shared between copies and must be treated as read-only.
type Snapshot struct {
	Boxes   []firewalla.Record `json:"boxes"`
	Devices []firewalla.Record `json:"devices"`
	Rules   []firewalla.Record `json:"rules"`
	Alarms  []firewalla.Record `json:"alarms"`
	Flows   []firewalla.Record `json:"flows"`
}

// Collections lists the snapshot keys in fetch order: core first, then
// the optional collections.
var Collections = []string{
	firewalla.CollectionDevices,
	firewalla.CollectionBoxes,
	firewalla.CollectionRules,
	firewalla.CollectionAlarms,
	firewalla.CollectionFlows,
}

// OptionalCollections are fetched only when their feature flag is on.
var OptionalCollections = []string{
	firewalla.CollectionRules,
	firewalla.CollectionAlarms,
	firewalla.CollectionFlows,
}

// Collection returns the records stored under name. ok is false for an
// unknown collection name.
func (s Snapshot) Collection(name string) (records []firewalla.Record, ok bool) {
	p := s.slot(name)
	if p == nil {
		return nil, false
	}
	return *p, true
}

// slot returns a pointer to the field holding name, or nil.
func (s *Snapshot) slot(name string) *[]firewalla.Record {
	switch name {
	case firewalla.CollectionBoxes:
		return &s.Boxes
	case firewalla.CollectionDevices:
		return &s.Devices
	case firewalla.CollectionRules:
		return &s.Rules
	case firewalla.CollectionAlarms:
		return &s.Alarms
	case firewalla.CollectionFlows:
		return &s.Flows
	}
	return nil
}

// Counts returns the number of records per collection.
func (s Snapshot) Counts() map[string]int {
	out := make(map[string]int, len(Collections))
	for _, name := range Collections {
		recs, _ := s.Collection(name)
		out[name] = len(recs)
	}
	return out
}

// Device finds a device by id.
func (s Snapshot) Device(id string) (firewalla.Record, bool) {
	return findByID(s.Devices, id)
}

// Flow finds a flow by id.
func (s Snapshot) Flow(id string) (firewalla.Record, bool) {
	return findByID(s.Flows, id)
}

// Box finds a box by id.
func (s Snapshot) Box(id string) (firewalla.Record, bool) {
	return findByID(s.Boxes, id)
}

// PrimaryBox returns the first box, which owns the summary entities.
func (s Snapshot) PrimaryBox() (firewalla.Record, bool) {
	if len(s.Boxes) == 0 {
		return nil, false
	}
	return s.Boxes[0], true
}

func findByID(records []firewalla.Record, id string) (firewalla.Record, bool) {
	if id == "" {
		return nil, false
	}
	for _, r := range records {
		if r.ID() == id {
			return r, true
		}
	}
	return nil, false
}

// Clone copies the collection slices. The records themselves are not
// copied.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{}
	for _, name := range Collections {
		*out.slot(name) = slices.Clone(*s.slot(name))
	}
	return out.normalized()
}

// normalized replaces nil collections with empty ones.
func (s Snapshot) normalized() Snapshot {
	for _, name := range Collections {
		if p := s.slot(name); *p == nil {
			*p = []firewalla.Record{}
		}
	}
	return s
}

// merge applies the non-empty-wins policy: each collection takes the
// fresh records when there are any, otherwise the retained records. A
// legitimately empty fetch is therefore masked by older data.
func merge(fresh, retained Snapshot) Snapshot {
	var out Snapshot
	for _, name := range Collections {
		if recs := *fresh.slot(name); len(recs) > 0 {
			*out.slot(name) = recs
		} else {
			*out.slot(name) = *retained.slot(name)
		}
	}
	return out.normalized()
}
