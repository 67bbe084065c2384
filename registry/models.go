package registry

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the kind of registry entity, one of node, sensor or
// association.
type Kind string

// all registry entity kinds
const (
	KindNode        Kind = "node"
	KindSensor      Kind = "sensor"
	KindAssociation Kind = "association"
)

// Node is a physical device hosting zero or more sensors.
type Node struct {
	NodeID          uuid.UUID `json:"node_id"`
	SerialNumber    string    `json:"serial_number"`
	FirmwareVersion string    `json:"firmware_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// Sensor is a measurement instrument, optionally attached to a node.
// NodeID is the resolved current attachment; it is nil when the sensor
// has never been attached. It is always derived from the association
// relation, never stored on the sensor row itself.
type Sensor struct {
	SensorID     uuid.UUID  `json:"sensor_id"`
	SerialNumber string     `json:"serial_number"`
	Manufacturer string     `json:"manufacturer"`
	Model        string     `json:"model"`
	Modality     string     `json:"modality"`
	NodeID       *uuid.UUID `json:"node_id"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Association links one sensor to one node at a point in time.
// Associations are append-only; attaching the same pair twice creates
// two rows and the attachment history accumulates.
type Association struct {
	AssociationID uuid.UUID `json:"association_id"`
	NodeID        uuid.UUID `json:"node_id"`
	SensorID      uuid.UUID `json:"sensor_id"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

// NodeWithSensors is a node together with all currently attached sensors.
type NodeWithSensors struct {
	Node
	Sensors []Sensor `json:"sensors"`
}

// NodeUpdate is a partial update of a node. Only fields that are
// non-nil are applied; all other fields keep their stored value.
type NodeUpdate struct {
	SerialNumber    *string `json:"serial_number,omitempty"`
	FirmwareVersion *string `json:"firmware_version,omitempty"`
}

// IsEmpty returns true if the update would not change any field
func (u NodeUpdate) IsEmpty() bool {
	return u.SerialNumber == nil && u.FirmwareVersion == nil
}

// SensorUpdate is a partial update of a sensor. Only fields that are
// non-nil are applied.
type SensorUpdate struct {
	SerialNumber *string `json:"serial_number,omitempty"`
	Manufacturer *string `json:"manufacturer,omitempty"`
	Model        *string `json:"model,omitempty"`
	Modality     *string `json:"modality,omitempty"`
}

// IsEmpty returns true if the update would not change any field
func (u SensorUpdate) IsEmpty() bool {
	return u.SerialNumber == nil && u.Manufacturer == nil &&
		u.Model == nil && u.Modality == nil
}

// NodeFilter selects nodes by exact match. Empty fields do not filter.
// Multiple filters are combined with AND. Offset skips that many
// matching rows, Limit zero means no cap.
type NodeFilter struct {
	SerialNumber    string
	FirmwareVersion string
	Offset          int
	Limit           int
}

// SensorFilter selects sensors by exact match. NodeID filters on the
// resolved current attachment.
type SensorFilter struct {
	Manufacturer string
	Model        string
	Modality     string
	NodeID       *uuid.UUID
	Offset       int
	Limit        int
}
