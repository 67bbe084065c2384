package registry

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence contract for the registry. The service
// receives a store at construction; all durable state lives here.
//
// List results are returned in insertion order. Sensors returned by any
// method always carry the resolved current node in NodeID.
type Store interface {
	// InsertNode persists a new node. The caller has already assigned
	// the node id. A non-empty serial number that is already taken
	// yields a DuplicateSerialError.
	InsertNode(ctx context.Context, node Node) (Node, error)
	// NodeByID returns the node with the given id, or a NotFoundError.
	NodeByID(ctx context.Context, nodeID uuid.UUID) (Node, error)
	// NodeBySerialNumber returns the node with the given serial number,
	// or a NotFoundError.
	NodeBySerialNumber(ctx context.Context, serialNumber string) (Node, error)
	// Nodes lists nodes matching the filter.
	Nodes(ctx context.Context, filter NodeFilter) ([]Node, error)
	// UpdateNode applies the non-nil fields of update to the stored
	// node and returns the result. Returns a NotFoundError when the id
	// does not exist and a DuplicateSerialError when the new serial
	// number is already taken.
	UpdateNode(ctx context.Context, nodeID uuid.UUID, update NodeUpdate) (Node, error)

	InsertSensor(ctx context.Context, sensor Sensor) (Sensor, error)
	SensorByID(ctx context.Context, sensorID uuid.UUID) (Sensor, error)
	SensorBySerialNumber(ctx context.Context, serialNumber string) (Sensor, error)
	Sensors(ctx context.Context, filter SensorFilter) ([]Sensor, error)
	UpdateSensor(ctx context.Context, sensorID uuid.UUID, update SensorUpdate) (Sensor, error)

	// InsertAssociation appends a new association row. Both referenced
	// entities must exist, otherwise a NotFoundError is returned. There
	// is no idempotence: attaching the same pair twice yields two rows.
	InsertAssociation(ctx context.Context, nodeID, sensorID uuid.UUID, status string) (Association, error)
	// Associations returns the attachment history of a sensor, oldest
	// first.
	Associations(ctx context.Context, sensorID uuid.UUID) ([]Association, error)
	// CurrentNode resolves the node id of the sensor's most recent
	// association, or nil if the sensor was never attached. Every read
	// path uses this one resolution.
	CurrentNode(ctx context.Context, sensorID uuid.UUID) (*uuid.UUID, error)
}
