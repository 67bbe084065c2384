package test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/sensornet-io/sensornet/events"
	"github.com/sensornet-io/sensornet/registry"
)

type RegistryTestSuite struct {
	IntegrationTestSuite
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) TestDeploymentScenario() {
	// register a node
	var node registry.Node
	status := s.request(http.MethodPost, "/nodes", map[string]string{
		"serial_number":    "GW-0042",
		"firmware_version": "3.1.0",
	}, &node)
	s.Require().Equal(http.StatusCreated, status)
	s.Require().NotEqual(uuid.Nil, node.NodeID)

	// register two sensors
	var temperature, humidity registry.Sensor
	status = s.request(http.MethodPost, "/sensors", map[string]string{
		"serial_number": "T-1001",
		"manufacturer":  "Sensirion",
		"model":         "SHT31",
		"modality":      "temperature",
	}, &temperature)
	s.Require().Equal(http.StatusCreated, status)
	s.Require().Nil(temperature.NodeID)

	status = s.request(http.MethodPost, "/sensors", map[string]string{
		"serial_number": "H-2001",
		"manufacturer":  "Sensirion",
		"model":         "SHT31",
		"modality":      "humidity",
	}, &humidity)
	s.Require().Equal(http.StatusCreated, status)

	// attach both sensors to the node
	for _, sensor := range []registry.Sensor{temperature, humidity} {
		var attached registry.Sensor
		status = s.request(http.MethodPost, "/nodes/"+node.NodeID.String()+"/sensors", map[string]string{
			"sensor_id": sensor.SensorID.String(),
			"status":    "active",
		}, &attached)
		s.Require().Equal(http.StatusOK, status)
		s.Require().NotNil(attached.NodeID)
		s.Equal(node.NodeID, *attached.NodeID)
	}

	// the node's full representation carries both sensors
	var full registry.NodeWithSensors
	status = s.request(http.MethodGet, "/nodes/"+node.NodeID.String()+"/full", nil, &full)
	s.Require().Equal(http.StatusOK, status)
	s.Len(full.Sensors, 2)

	// firmware rollout
	var updated registry.Node
	status = s.request(http.MethodPatch, "/nodes/"+node.NodeID.String(), map[string]string{
		"firmware_version": "3.2.0",
	}, &updated)
	s.Require().Equal(http.StatusOK, status)
	s.Equal("3.2.0", updated.FirmwareVersion)
	s.Equal("GW-0042", updated.SerialNumber)

	// a second node with the same serial number is rejected
	status = s.request(http.MethodPost, "/nodes", map[string]string{
		"serial_number":    "GW-0042",
		"firmware_version": "1.0.0",
	}, nil)
	s.Equal(http.StatusConflict, status)

	// move the temperature sensor to a replacement node
	var replacement registry.Node
	status = s.request(http.MethodPost, "/nodes", map[string]string{
		"serial_number":    "GW-0043",
		"firmware_version": "3.2.0",
	}, &replacement)
	s.Require().Equal(http.StatusCreated, status)

	var moved registry.Sensor
	status = s.request(http.MethodPost, "/nodes/"+replacement.NodeID.String()+"/sensors", map[string]string{
		"sensor_id": temperature.SensorID.String(),
	}, &moved)
	s.Require().Equal(http.StatusOK, status)
	s.Require().NotNil(moved.NodeID)
	s.Equal(replacement.NodeID, *moved.NodeID)

	// history keeps both attachments
	var history []registry.Association
	status = s.request(http.MethodGet, "/sensors/"+temperature.SensorID.String()+"/attachments", nil, &history)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Len(history, 2)
	s.Equal(node.NodeID, history[0].NodeID)
	s.Equal(replacement.NodeID, history[1].NodeID)

	// the old node only lists the humidity sensor now
	status = s.request(http.MethodGet, "/nodes/"+node.NodeID.String()+"/full", nil, &full)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Len(full.Sensors, 1)
	s.Equal(humidity.SensorID, full.Sensors[0].SensorID)
}

// TestUniqueIndexIsEnforcementBoundary goes to the store directly,
// bypassing the service's duplicate pre-check, so the partial unique
// index is the only guard left standing.
func (s *RegistryTestSuite) TestUniqueIndexIsEnforcementBoundary() {
	ctx := context.Background()

	_, err := s.store.InsertNode(ctx, registry.Node{
		NodeID: uuid.New(), SerialNumber: "GW-INDEX", FirmwareVersion: "1.0.0"})
	s.Require().NoError(err)
	_, err = s.store.InsertNode(ctx, registry.Node{
		NodeID: uuid.New(), SerialNumber: "GW-INDEX", FirmwareVersion: "2.0.0"})
	s.Require().Error(err)
	s.True(registry.IsDuplicateSerial(err))

	// concurrent creates of the same serial number: exactly one writer
	// wins, the loser sees the duplicate error from the constraint
	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.store.InsertNode(ctx, registry.Node{
				NodeID: uuid.New(), SerialNumber: "GW-CONTESTED", FirmwareVersion: "1.0.0"})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			s.True(registry.IsDuplicateSerial(err))
		}
	}
	s.Equal(1, winners)

	// updates run into the same index
	taken, err := s.store.InsertSensor(ctx, registry.Sensor{
		SensorID: uuid.New(), SerialNumber: "S-INDEX",
		Manufacturer: "Acme", Model: "T1", Modality: "temperature"})
	s.Require().NoError(err)
	other, err := s.store.InsertSensor(ctx, registry.Sensor{
		SensorID:     uuid.New(),
		Manufacturer: "Acme", Model: "T1", Modality: "temperature"})
	s.Require().NoError(err)

	serial := taken.SerialNumber
	_, err = s.store.UpdateSensor(ctx, other.SensorID, registry.SensorUpdate{SerialNumber: &serial})
	s.Require().Error(err)
	s.True(registry.IsDuplicateSerial(err))
}

func (s *RegistryTestSuite) TestNodeEventsReachKafka() {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{s.kafkaAddr},
		Topic:       events.TopicNodeEvents,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	var node registry.Node
	status := s.request(http.MethodPost, "/nodes", map[string]string{
		"serial_number":    "GW-EVENT",
		"firmware_version": "1.0.0",
	}, &node)
	s.Require().Equal(http.StatusCreated, status)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		message, err := reader.ReadMessage(ctx)
		s.Require().NoError(err)

		var event events.NodeEvent
		s.Require().NoError(json.Unmarshal(message.Value, &event))
		if event.NodeID != node.NodeID {
			continue
		}
		s.Equal(events.TypeCreated, event.EventType)
		s.Equal("GW-EVENT", event.SerialNumber)
		s.Equal(node.NodeID.String(), string(message.Key))
		return
	}
}
