package registry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sensornet-io/sensornet/core/metrics"
	"github.com/sensornet-io/sensornet/events"
)

// Service orchestrates the registry workflows: validation, duplicate
// rejection, identifier assignment, partial-update merge and the
// attach workflow. It keeps no state between calls; everything durable
// lives in the store.
type Service struct {
	store    Store
	notifier *events.Notifier
	metrics  *metrics.Metrics
}

// Builder assembles a Service
type Builder struct {
	// Store is the persistence backend. This is mandatory.
	Store Store
	// Notifier receives lifecycle events. This is optional; without it
	// no events are published.
	Notifier *events.Notifier
	// Metrics counts operations and error classes. This is optional.
	Metrics *metrics.Metrics
}

// NewService realizes the actual registry service
func NewService(b *Builder) *Service {
	if b.Store == nil {
		panic("Store is missing")
	}
	return &Service{
		store:    b.Store,
		notifier: b.Notifier,
		metrics:  b.Metrics,
	}
}

func (s *Service) count(kind Kind, operation string, err error) {
	if s.metrics == nil {
		return
	}
	if err == nil {
		s.metrics.Operations.WithLabelValues(string(kind), operation).Inc()
		return
	}
	class := "internal"
	switch {
	case IsValidation(err):
		class = "validation"
	case IsDuplicateSerial(err):
		class = "duplicate_serial"
	case IsNotFound(err):
		class = "not_found"
	}
	s.metrics.OperationErrors.WithLabelValues(string(kind), class).Inc()
}

func (s *Service) nodeEvent(ctx context.Context, eventType events.Type, node Node) {
	s.notifier.Notify(ctx, events.TopicNodeEvents, node.NodeID.String(), events.NodeEvent{
		EventType:       eventType,
		NodeID:          node.NodeID,
		SerialNumber:    node.SerialNumber,
		FirmwareVersion: node.FirmwareVersion,
		Timestamp:       time.Now().UTC(),
	})
}

func (s *Service) sensorEvent(ctx context.Context, eventType events.Type, sensor Sensor) {
	s.notifier.Notify(ctx, events.TopicSensorEvents, sensor.SensorID.String(), events.SensorEvent{
		EventType:    eventType,
		SensorID:     sensor.SensorID,
		SerialNumber: sensor.SerialNumber,
		Modality:     sensor.Modality,
		NodeID:       sensor.NodeID,
		Timestamp:    time.Now().UTC(),
	})
}

// serialAvailable is the application-level duplicate pre-check. It only
// provides the better error message; the store's unique constraint
// remains the enforcement boundary for the check-then-write race.
func (s *Service) serialAvailable(ctx context.Context, kind Kind, serialNumber string) error {
	if serialNumber == "" {
		return nil
	}
	var err error
	if kind == KindNode {
		_, err = s.store.NodeBySerialNumber(ctx, serialNumber)
	} else {
		_, err = s.store.SensorBySerialNumber(ctx, serialNumber)
	}
	if err == nil {
		return &DuplicateSerialError{Kind: kind, SerialNumber: serialNumber}
	}
	if IsNotFound(err) {
		return nil
	}
	return err
}

// CreateNode validates and persists a new node and emits a created
// event. When the passed node carries no id, a random identifier is
// assigned; a caller-supplied id is used verbatim.
func (s *Service) CreateNode(ctx context.Context, node Node) (created Node, err error) {
	defer func() { s.count(KindNode, "create", err) }()

	if node.FirmwareVersion == "" {
		return Node{}, &ValidationError{Field: "firmware_version", Reason: "required field is empty"}
	}
	if err = s.serialAvailable(ctx, KindNode, node.SerialNumber); err != nil {
		return Node{}, err
	}
	if node.NodeID == uuid.Nil {
		node.NodeID = uuid.New()
	}
	created, err = s.store.InsertNode(ctx, node)
	if err != nil {
		return Node{}, err
	}
	s.nodeEvent(ctx, events.TypeCreated, created)
	return created, nil
}

// GetNode returns the node with the given id.
func (s *Service) GetNode(ctx context.Context, nodeID uuid.UUID) (node Node, err error) {
	defer func() { s.count(KindNode, "read", err) }()
	return s.store.NodeByID(ctx, nodeID)
}

// ListNodes returns the nodes matching the filter.
func (s *Service) ListNodes(ctx context.Context, filter NodeFilter) (nodes []Node, err error) {
	defer func() { s.count(KindNode, "list", err) }()
	return s.store.Nodes(ctx, filter)
}

// UpdateNode applies a partial update and emits an updated event. A
// changed serial number is re-validated for uniqueness. Required fields
// cannot be cleared.
func (s *Service) UpdateNode(ctx context.Context, nodeID uuid.UUID, update NodeUpdate) (node Node, err error) {
	defer func() { s.count(KindNode, "update", err) }()

	if update.FirmwareVersion != nil && *update.FirmwareVersion == "" {
		return Node{}, &ValidationError{Field: "firmware_version", Reason: "required field cannot be cleared"}
	}
	if update.SerialNumber != nil {
		if err = s.serialAvailable(ctx, KindNode, *update.SerialNumber); err != nil {
			if duplicate, ok := err.(*DuplicateSerialError); !ok || !s.ownSerial(ctx, nodeID, duplicate) {
				return Node{}, err
			}
		}
	}
	node, err = s.store.UpdateNode(ctx, nodeID, update)
	if err != nil {
		return Node{}, err
	}
	if !update.IsEmpty() {
		s.nodeEvent(ctx, events.TypeUpdated, node)
	}
	return node, nil
}

// ownSerial reports whether the duplicate found by the pre-check is the
// entity being updated itself, in which case the update is a no-op on
// the serial number and allowed.
func (s *Service) ownSerial(ctx context.Context, id uuid.UUID, duplicate *DuplicateSerialError) bool {
	if duplicate.Kind == KindNode {
		node, err := s.store.NodeBySerialNumber(ctx, duplicate.SerialNumber)
		return err == nil && node.NodeID == id
	}
	sensor, err := s.store.SensorBySerialNumber(ctx, duplicate.SerialNumber)
	return err == nil && sensor.SensorID == id
}

// CreateSensor validates and persists a new sensor and emits a created
// event.
func (s *Service) CreateSensor(ctx context.Context, sensor Sensor) (created Sensor, err error) {
	defer func() { s.count(KindSensor, "create", err) }()

	for field, value := range map[string]string{
		"manufacturer": sensor.Manufacturer,
		"model":        sensor.Model,
		"modality":     sensor.Modality,
	} {
		if value == "" {
			return Sensor{}, &ValidationError{Field: field, Reason: "required field is empty"}
		}
	}
	if err = s.serialAvailable(ctx, KindSensor, sensor.SerialNumber); err != nil {
		return Sensor{}, err
	}
	if sensor.SensorID == uuid.Nil {
		sensor.SensorID = uuid.New()
	}
	created, err = s.store.InsertSensor(ctx, sensor)
	if err != nil {
		return Sensor{}, err
	}
	s.sensorEvent(ctx, events.TypeCreated, created)
	return created, nil
}

// GetSensor returns the sensor with the given id, including the
// resolved current node.
func (s *Service) GetSensor(ctx context.Context, sensorID uuid.UUID) (sensor Sensor, err error) {
	defer func() { s.count(KindSensor, "read", err) }()
	return s.store.SensorByID(ctx, sensorID)
}

// ListSensors returns the sensors matching the filter. Filtering on a
// node id matches the resolved current attachment.
func (s *Service) ListSensors(ctx context.Context, filter SensorFilter) (sensors []Sensor, err error) {
	defer func() { s.count(KindSensor, "list", err) }()
	return s.store.Sensors(ctx, filter)
}

// UpdateSensor applies a partial update and emits an updated event.
func (s *Service) UpdateSensor(ctx context.Context, sensorID uuid.UUID, update SensorUpdate) (sensor Sensor, err error) {
	defer func() { s.count(KindSensor, "update", err) }()

	for field, value := range map[string]*string{
		"manufacturer": update.Manufacturer,
		"model":        update.Model,
		"modality":     update.Modality,
	} {
		if value != nil && *value == "" {
			return Sensor{}, &ValidationError{Field: field, Reason: "required field cannot be cleared"}
		}
	}
	if update.SerialNumber != nil {
		if err = s.serialAvailable(ctx, KindSensor, *update.SerialNumber); err != nil {
			if duplicate, ok := err.(*DuplicateSerialError); !ok || !s.ownSerial(ctx, sensorID, duplicate) {
				return Sensor{}, err
			}
		}
	}
	sensor, err = s.store.UpdateSensor(ctx, sensorID, update)
	if err != nil {
		return Sensor{}, err
	}
	if !update.IsEmpty() {
		s.sensorEvent(ctx, events.TypeUpdated, sensor)
	}
	return sensor, nil
}

// AttachSensor appends a new association between node and sensor and
// returns the sensor view with the resolved attachment. Attaching never
// mutates the node or sensor rows; history accumulates. The attached
// event is keyed by the sensor id and carries the resolved node id.
func (s *Service) AttachSensor(ctx context.Context, nodeID, sensorID uuid.UUID, status string) (sensor Sensor, err error) {
	defer func() { s.count(KindAssociation, "create", err) }()

	if _, err = s.store.InsertAssociation(ctx, nodeID, sensorID, status); err != nil {
		return Sensor{}, err
	}
	sensor, err = s.store.SensorByID(ctx, sensorID)
	if err != nil {
		return Sensor{}, err
	}
	s.sensorEvent(ctx, events.TypeAttached, sensor)
	return sensor, nil
}

// AttachmentHistory returns all associations of a sensor, oldest first.
func (s *Service) AttachmentHistory(ctx context.Context, sensorID uuid.UUID) (history []Association, err error) {
	defer func() { s.count(KindAssociation, "list", err) }()
	if _, err = s.store.SensorByID(ctx, sensorID); err != nil {
		return nil, err
	}
	return s.store.Associations(ctx, sensorID)
}

// GetNodeWithSensors returns a node together with all sensors whose
// current attachment resolves to it.
func (s *Service) GetNodeWithSensors(ctx context.Context, nodeID uuid.UUID) (result NodeWithSensors, err error) {
	defer func() { s.count(KindNode, "read", err) }()

	node, err := s.store.NodeByID(ctx, nodeID)
	if err != nil {
		return NodeWithSensors{}, err
	}
	sensors, err := s.store.Sensors(ctx, SensorFilter{NodeID: &nodeID})
	if err != nil {
		return NodeWithSensors{}, err
	}
	return NodeWithSensors{Node: node, Sensors: sensors}, nil
}
