package rest

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/suite"

	"github.com/sensornet-io/sensornet/registry"
)

type APITestSuite struct {
	suite.Suite
	router *mux.Router
}

func (s *APITestSuite) SetupTest() {
	s.router = mux.NewRouter()
	MustNewAPI(&Builder{
		Service: registry.NewService(&registry.Builder{Store: registry.NewMemoryStore()}),
		Router:  s.router,
	})
}

func TestAPITestSuite(t *testing.T) {
	suite.Run(t, new(APITestSuite))
}

// request performs one request against the router and decodes the JSON
// response into result, if result is not nil.
func (s *APITestSuite) request(method, path string, body interface{}, result interface{}) int {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	if result != nil && w.Body.Len() > 0 {
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), result))
	}
	return w.Code
}

func (s *APITestSuite) createNode(serialNumber, firmwareVersion string) registry.Node {
	var node registry.Node
	status := s.request(http.MethodPost, "/nodes", map[string]string{
		"serial_number":    serialNumber,
		"firmware_version": firmwareVersion,
	}, &node)
	s.Require().Equal(http.StatusCreated, status)
	return node
}

func (s *APITestSuite) createSensor(serialNumber, manufacturer, model, modality string) registry.Sensor {
	var sensor registry.Sensor
	status := s.request(http.MethodPost, "/sensors", map[string]string{
		"serial_number": serialNumber,
		"manufacturer":  manufacturer,
		"model":         model,
		"modality":      modality,
	}, &sensor)
	s.Require().Equal(http.StatusCreated, status)
	return sensor
}

func (s *APITestSuite) TestHealth() {
	var body map[string]string
	status := s.request(http.MethodGet, "/health", nil, &body)
	s.Equal(http.StatusOK, status)
	s.Equal("OK", body["status"])
}

func (s *APITestSuite) TestCreateAndGetNode() {
	node := s.createNode("SN1", "1.0.0")
	s.NotEqual(uuid.Nil, node.NodeID)
	s.Equal("SN1", node.SerialNumber)
	s.False(node.CreatedAt.IsZero())

	var read registry.Node
	status := s.request(http.MethodGet, "/nodes/"+node.NodeID.String(), nil, &read)
	s.Equal(http.StatusOK, status)
	s.Equal(node.NodeID, read.NodeID)
}

func (s *APITestSuite) TestCreateNodeWithSuppliedID() {
	supplied := uuid.New()
	var node registry.Node
	status := s.request(http.MethodPost, "/nodes", map[string]string{
		"node_id":          supplied.String(),
		"firmware_version": "1.0.0",
	}, &node)
	s.Equal(http.StatusCreated, status)
	s.Equal(supplied, node.NodeID)
}

func (s *APITestSuite) TestCreateNodeValidation() {
	var response errorResponse
	status := s.request(http.MethodPost, "/nodes", map[string]string{
		"serial_number": "SN1",
	}, &response)
	s.Equal(http.StatusBadRequest, status)
	s.Equal("firmware_version", response.Field)
}

func (s *APITestSuite) TestCreateNodeRejectsUnknownProperties() {
	status := s.request(http.MethodPost, "/nodes", map[string]string{
		"firmware_version": "1.0.0",
		"hostname":         "garden-7",
	}, nil)
	s.Equal(http.StatusBadRequest, status)
}

func (s *APITestSuite) TestCreateNodeRejectsInvalidJSON() {
	r := httptest.NewRequest(http.MethodPost, "/nodes", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, r)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *APITestSuite) TestDuplicateSerialConflict() {
	s.createNode("SN1", "1.0.0")
	var response errorResponse
	status := s.request(http.MethodPost, "/nodes", map[string]string{
		"serial_number":    "SN1",
		"firmware_version": "2.0.0",
	}, &response)
	s.Equal(http.StatusConflict, status)
	s.Equal("SN1", response.SerialNumber)
}

func (s *APITestSuite) TestGetNodeNotFound() {
	status := s.request(http.MethodGet, "/nodes/"+uuid.New().String(), nil, nil)
	s.Equal(http.StatusNotFound, status)
}

func (s *APITestSuite) TestGetNodeInvalidID() {
	status := s.request(http.MethodGet, "/nodes/not-a-uuid", nil, nil)
	s.Equal(http.StatusBadRequest, status)
}

func (s *APITestSuite) TestListNodesFilterAndPagination() {
	s.createNode("A", "1.0.0")
	s.createNode("B", "1.0.0")
	s.createNode("C", "2.0.0")

	var nodes []registry.Node
	status := s.request(http.MethodGet, "/nodes?firmware_version=1.0.0", nil, &nodes)
	s.Equal(http.StatusOK, status)
	s.Len(nodes, 2)

	nodes = nil
	status = s.request(http.MethodGet, "/nodes?offset=1&limit=1", nil, &nodes)
	s.Equal(http.StatusOK, status)
	s.Require().Len(nodes, 1)
	s.Equal("B", nodes[0].SerialNumber)

	status = s.request(http.MethodGet, "/nodes?limit=0", nil, nil)
	s.Equal(http.StatusBadRequest, status)
	status = s.request(http.MethodGet, "/nodes?offset=-1", nil, nil)
	s.Equal(http.StatusBadRequest, status)
}

func (s *APITestSuite) TestUpdateNode() {
	node := s.createNode("SN1", "1.0.0")

	var updated registry.Node
	status := s.request(http.MethodPatch, "/nodes/"+node.NodeID.String(), map[string]string{
		"firmware_version": "2.0.0",
	}, &updated)
	s.Equal(http.StatusOK, status)
	s.Equal("2.0.0", updated.FirmwareVersion)
	s.Equal("SN1", updated.SerialNumber)

	// required fields cannot be cleared
	status = s.request(http.MethodPut, "/nodes/"+node.NodeID.String(), map[string]string{
		"firmware_version": "",
	}, nil)
	s.Equal(http.StatusBadRequest, status)

	status = s.request(http.MethodPatch, "/nodes/"+uuid.New().String(), map[string]string{
		"firmware_version": "2.0.0",
	}, nil)
	s.Equal(http.StatusNotFound, status)
}

func (s *APITestSuite) TestSensorLifecycle() {
	sensor := s.createSensor("SENSOR1", "Acme", "T1", "temperature")
	s.Nil(sensor.NodeID)

	var response errorResponse
	status := s.request(http.MethodPost, "/sensors", map[string]string{
		"manufacturer": "Acme",
		"model":        "T2",
	}, &response)
	s.Equal(http.StatusBadRequest, status)
	s.Equal("modality", response.Field)

	var updated registry.Sensor
	status = s.request(http.MethodPatch, "/sensors/"+sensor.SensorID.String(), map[string]string{
		"model": "T1-rev2",
	}, &updated)
	s.Equal(http.StatusOK, status)
	s.Equal("T1-rev2", updated.Model)
	s.Equal("Acme", updated.Manufacturer)
}

func (s *APITestSuite) TestAttachFlow() {
	node := s.createNode("", "1.0.0")
	sensor := s.createSensor("", "Acme", "T1", "temperature")

	var attached registry.Sensor
	status := s.request(http.MethodPost, "/nodes/"+node.NodeID.String()+"/sensors", map[string]string{
		"sensor_id": sensor.SensorID.String(),
		"status":    "active",
	}, &attached)
	s.Equal(http.StatusOK, status)
	s.Require().NotNil(attached.NodeID)
	s.Equal(node.NodeID, *attached.NodeID)

	// the sensor shows up in the node's full representation
	var full registry.NodeWithSensors
	status = s.request(http.MethodGet, "/nodes/"+node.NodeID.String()+"/full", nil, &full)
	s.Equal(http.StatusOK, status)
	s.Require().Len(full.Sensors, 1)
	s.Equal(sensor.SensorID, full.Sensors[0].SensorID)

	// and in the filtered sensor list
	var sensors []registry.Sensor
	status = s.request(http.MethodGet, "/sensors?node_id="+node.NodeID.String(), nil, &sensors)
	s.Equal(http.StatusOK, status)
	s.Len(sensors, 1)

	var history []registry.Association
	status = s.request(http.MethodGet, "/sensors/"+sensor.SensorID.String()+"/attachments", nil, &history)
	s.Equal(http.StatusOK, status)
	s.Require().Len(history, 1)
	s.Equal("active", history[0].Status)
	s.Equal(node.NodeID, history[0].NodeID)
}

func (s *APITestSuite) TestAttachUnknownEntities() {
	node := s.createNode("", "1.0.0")
	sensor := s.createSensor("", "Acme", "T1", "temperature")

	status := s.request(http.MethodPost, "/nodes/"+uuid.New().String()+"/sensors", map[string]string{
		"sensor_id": sensor.SensorID.String(),
	}, nil)
	s.Equal(http.StatusNotFound, status)

	status = s.request(http.MethodPost, "/nodes/"+node.NodeID.String()+"/sensors", map[string]string{
		"sensor_id": uuid.New().String(),
	}, nil)
	s.Equal(http.StatusNotFound, status)

	// sensor_id is mandatory in the attach payload
	status = s.request(http.MethodPost, "/nodes/"+node.NodeID.String()+"/sensors", map[string]string{
		"status": "active",
	}, nil)
	s.Equal(http.StatusBadRequest, status)
}

func (s *APITestSuite) TestReattachMovesSensor() {
	first := s.createNode("", "1.0.0")
	second := s.createNode("", "1.0.0")
	sensor := s.createSensor("", "Acme", "T1", "temperature")

	status := s.request(http.MethodPost, "/nodes/"+first.NodeID.String()+"/sensors", map[string]string{
		"sensor_id": sensor.SensorID.String(),
	}, nil)
	s.Equal(http.StatusOK, status)

	var attached registry.Sensor
	status = s.request(http.MethodPost, "/nodes/"+second.NodeID.String()+"/sensors", map[string]string{
		"sensor_id": sensor.SensorID.String(),
	}, &attached)
	s.Equal(http.StatusOK, status)
	s.Require().NotNil(attached.NodeID)
	s.Equal(second.NodeID, *attached.NodeID)

	// history keeps both associations
	var history []registry.Association
	status = s.request(http.MethodGet, "/sensors/"+sensor.SensorID.String()+"/attachments", nil, &history)
	s.Equal(http.StatusOK, status)
	s.Len(history, 2)

	// the first node no longer lists the sensor
	var full registry.NodeWithSensors
	status = s.request(http.MethodGet, "/nodes/"+first.NodeID.String()+"/full", nil, &full)
	s.Equal(http.StatusOK, status)
	s.Empty(full.Sensors)
}
