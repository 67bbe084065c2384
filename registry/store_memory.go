package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store. It mirrors the semantics of the
// postgres store, including serial-number uniqueness and insertion
// order, and is intended for unit tests and embedding.
type MemoryStore struct {
	mu           sync.RWMutex
	nodes        map[uuid.UUID]Node
	nodeOrder    []uuid.UUID
	sensors      map[uuid.UUID]Sensor
	sensorOrder  []uuid.UUID
	associations []Association
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:   make(map[uuid.UUID]Node),
		sensors: make(map[uuid.UUID]Sensor),
	}
}

func (m *MemoryStore) nodeSerialTaken(serialNumber string, except uuid.UUID) bool {
	if serialNumber == "" {
		return false
	}
	for _, node := range m.nodes {
		if node.SerialNumber == serialNumber && node.NodeID != except {
			return true
		}
	}
	return false
}

func (m *MemoryStore) sensorSerialTaken(serialNumber string, except uuid.UUID) bool {
	if serialNumber == "" {
		return false
	}
	for _, sensor := range m.sensors {
		if sensor.SerialNumber == serialNumber && sensor.SensorID != except {
			return true
		}
	}
	return false
}

// currentNodeLocked resolves the most recent association of a sensor.
// Callers must hold the lock.
func (m *MemoryStore) currentNodeLocked(sensorID uuid.UUID) *uuid.UUID {
	for i := len(m.associations) - 1; i >= 0; i-- {
		if m.associations[i].SensorID == sensorID {
			nodeID := m.associations[i].NodeID
			return &nodeID
		}
	}
	return nil
}

func (m *MemoryStore) sensorViewLocked(sensor Sensor) Sensor {
	sensor.NodeID = m.currentNodeLocked(sensor.SensorID)
	return sensor
}

// InsertNode persists a new node.
func (m *MemoryStore) InsertNode(_ context.Context, node Node) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[node.NodeID]; ok {
		return Node{}, &DuplicateSerialError{Kind: KindNode, SerialNumber: node.SerialNumber}
	}
	if m.nodeSerialTaken(node.SerialNumber, node.NodeID) {
		return Node{}, &DuplicateSerialError{Kind: KindNode, SerialNumber: node.SerialNumber}
	}
	node.CreatedAt = time.Now().UTC()
	m.nodes[node.NodeID] = node
	m.nodeOrder = append(m.nodeOrder, node.NodeID)
	return node, nil
}

// NodeByID returns the node with the given id.
func (m *MemoryStore) NodeByID(_ context.Context, nodeID uuid.UUID) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if node, ok := m.nodes[nodeID]; ok {
		return node, nil
	}
	return Node{}, &NotFoundError{Kind: KindNode, ID: nodeID}
}

// NodeBySerialNumber returns the node with the given serial number.
func (m *MemoryStore) NodeBySerialNumber(_ context.Context, serialNumber string) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if serialNumber != "" {
		for _, id := range m.nodeOrder {
			if m.nodes[id].SerialNumber == serialNumber {
				return m.nodes[id], nil
			}
		}
	}
	return Node{}, &NotFoundError{Kind: KindNode, ID: uuid.Nil}
}

// Nodes lists nodes matching the filter in insertion order.
func (m *MemoryStore) Nodes(_ context.Context, filter NodeFilter) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matching := []Node{}
	for _, id := range m.nodeOrder {
		node := m.nodes[id]
		if filter.SerialNumber != "" && node.SerialNumber != filter.SerialNumber {
			continue
		}
		if filter.FirmwareVersion != "" && node.FirmwareVersion != filter.FirmwareVersion {
			continue
		}
		matching = append(matching, node)
	}
	return paginate(matching, filter.Offset, filter.Limit), nil
}

// UpdateNode applies the non-nil fields of update.
func (m *MemoryStore) UpdateNode(_ context.Context, nodeID uuid.UUID, update NodeUpdate) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node, ok := m.nodes[nodeID]
	if !ok {
		return Node{}, &NotFoundError{Kind: KindNode, ID: nodeID}
	}
	if update.SerialNumber != nil {
		if m.nodeSerialTaken(*update.SerialNumber, nodeID) {
			return Node{}, &DuplicateSerialError{Kind: KindNode, SerialNumber: *update.SerialNumber}
		}
		node.SerialNumber = *update.SerialNumber
	}
	if update.FirmwareVersion != nil {
		node.FirmwareVersion = *update.FirmwareVersion
	}
	m.nodes[nodeID] = node
	return node, nil
}

// InsertSensor persists a new sensor.
func (m *MemoryStore) InsertSensor(_ context.Context, sensor Sensor) (Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sensors[sensor.SensorID]; ok {
		return Sensor{}, &DuplicateSerialError{Kind: KindSensor, SerialNumber: sensor.SerialNumber}
	}
	if m.sensorSerialTaken(sensor.SerialNumber, sensor.SensorID) {
		return Sensor{}, &DuplicateSerialError{Kind: KindSensor, SerialNumber: sensor.SerialNumber}
	}
	sensor.CreatedAt = time.Now().UTC()
	sensor.NodeID = nil
	m.sensors[sensor.SensorID] = sensor
	m.sensorOrder = append(m.sensorOrder, sensor.SensorID)
	return sensor, nil
}

// SensorByID returns the sensor with the given id, including the
// resolved current node.
func (m *MemoryStore) SensorByID(_ context.Context, sensorID uuid.UUID) (Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sensor, ok := m.sensors[sensorID]; ok {
		return m.sensorViewLocked(sensor), nil
	}
	return Sensor{}, &NotFoundError{Kind: KindSensor, ID: sensorID}
}

// SensorBySerialNumber returns the sensor with the given serial number.
func (m *MemoryStore) SensorBySerialNumber(_ context.Context, serialNumber string) (Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if serialNumber != "" {
		for _, id := range m.sensorOrder {
			if m.sensors[id].SerialNumber == serialNumber {
				return m.sensorViewLocked(m.sensors[id]), nil
			}
		}
	}
	return Sensor{}, &NotFoundError{Kind: KindSensor, ID: uuid.Nil}
}

// Sensors lists sensors matching the filter in insertion order.
func (m *MemoryStore) Sensors(_ context.Context, filter SensorFilter) ([]Sensor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matching := []Sensor{}
	for _, id := range m.sensorOrder {
		sensor := m.sensorViewLocked(m.sensors[id])
		if filter.Manufacturer != "" && sensor.Manufacturer != filter.Manufacturer {
			continue
		}
		if filter.Model != "" && sensor.Model != filter.Model {
			continue
		}
		if filter.Modality != "" && sensor.Modality != filter.Modality {
			continue
		}
		if filter.NodeID != nil && (sensor.NodeID == nil || *sensor.NodeID != *filter.NodeID) {
			continue
		}
		matching = append(matching, sensor)
	}
	return paginate(matching, filter.Offset, filter.Limit), nil
}

// UpdateSensor applies the non-nil fields of update.
func (m *MemoryStore) UpdateSensor(_ context.Context, sensorID uuid.UUID, update SensorUpdate) (Sensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sensor, ok := m.sensors[sensorID]
	if !ok {
		return Sensor{}, &NotFoundError{Kind: KindSensor, ID: sensorID}
	}
	if update.SerialNumber != nil {
		if m.sensorSerialTaken(*update.SerialNumber, sensorID) {
			return Sensor{}, &DuplicateSerialError{Kind: KindSensor, SerialNumber: *update.SerialNumber}
		}
		sensor.SerialNumber = *update.SerialNumber
	}
	if update.Manufacturer != nil {
		sensor.Manufacturer = *update.Manufacturer
	}
	if update.Model != nil {
		sensor.Model = *update.Model
	}
	if update.Modality != nil {
		sensor.Modality = *update.Modality
	}
	m.sensors[sensorID] = sensor
	return m.sensorViewLocked(sensor), nil
}

// InsertAssociation appends a new association row.
func (m *MemoryStore) InsertAssociation(_ context.Context, nodeID, sensorID uuid.UUID, status string) (Association, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[nodeID]; !ok {
		return Association{}, &NotFoundError{Kind: KindNode, ID: nodeID}
	}
	if _, ok := m.sensors[sensorID]; !ok {
		return Association{}, &NotFoundError{Kind: KindSensor, ID: sensorID}
	}
	association := Association{
		AssociationID: uuid.New(),
		NodeID:        nodeID,
		SensorID:      sensorID,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	m.associations = append(m.associations, association)
	return association, nil
}

// Associations returns the attachment history of a sensor, oldest first.
func (m *MemoryStore) Associations(_ context.Context, sensorID uuid.UUID) ([]Association, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := []Association{}
	for _, association := range m.associations {
		if association.SensorID == sensorID {
			history = append(history, association)
		}
	}
	return history, nil
}

// CurrentNode resolves the node id of the sensor's most recent
// association.
func (m *MemoryStore) CurrentNode(_ context.Context, sensorID uuid.UUID) (*uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentNodeLocked(sensorID), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
