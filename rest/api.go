// Package rest exposes the registry service over HTTP. It owns request
// routing, parameter parsing and the mapping of registry errors to
// status codes; all registry semantics live in the registry package.
package rest

import (
	"embed"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/sensornet-io/sensornet/core/logger"
	"github.com/sensornet-io/sensornet/core/schema"
	"github.com/sensornet-io/sensornet/registry"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// payload schema ids
const (
	nodeSchemaID       = "https://sensornet.io/schemas/node"
	sensorSchemaID     = "https://sensornet.io/schemas/sensor"
	attachmentSchemaID = "https://sensornet.io/schemas/attachment"
)

// API is the REST surface of the registry
type API struct {
	service   *registry.Service
	validator *schema.Validator
}

// Builder is a builder helper for the API
type Builder struct {
	// Service is the registry service. This is mandatory.
	Service *registry.Service
	// Router is a mux router. This is mandatory.
	Router *mux.Router
}

// MustNewAPI realizes the REST API and adds the routes to the router
func MustNewAPI(b *Builder) *API {
	if b.Service == nil {
		panic("Service is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	validator, err := schema.NewValidatorFromFS(schemaFS)
	if err != nil {
		panic(err)
	}
	a := &API{service: b.Service, validator: validator}
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	nillog := logger.Default()
	nillog.Debugln("  handle routes: /nodes GET,POST")
	nillog.Debugln("  handle routes: /nodes/{node_id} GET,PUT,PATCH")
	nillog.Debugln("  handle routes: /nodes/{node_id}/full GET")
	nillog.Debugln("  handle routes: /nodes/{node_id}/sensors POST")
	nillog.Debugln("  handle routes: /sensors GET,POST")
	nillog.Debugln("  handle routes: /sensors/{sensor_id} GET,PUT,PATCH")
	nillog.Debugln("  handle routes: /sensors/{sensor_id}/attachments GET")

	router.HandleFunc("/nodes", a.listNodes).Methods(http.MethodGet)
	router.HandleFunc("/nodes", a.createNode).Methods(http.MethodPost)
	router.HandleFunc("/nodes/{node_id}", a.getNode).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{node_id}", a.updateNode).Methods(http.MethodPut, http.MethodPatch)
	router.HandleFunc("/nodes/{node_id}/full", a.getNodeWithSensors).Methods(http.MethodGet)
	router.HandleFunc("/nodes/{node_id}/sensors", a.attachSensor).Methods(http.MethodPost)

	router.HandleFunc("/sensors", a.listSensors).Methods(http.MethodGet)
	router.HandleFunc("/sensors", a.createSensor).Methods(http.MethodPost)
	router.HandleFunc("/sensors/{sensor_id}", a.getSensor).Methods(http.MethodGet)
	router.HandleFunc("/sensors/{sensor_id}", a.updateSensor).Methods(http.MethodPut, http.MethodPatch)
	router.HandleFunc("/sensors/{sensor_id}/attachments", a.attachmentHistory).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	}).Methods(http.MethodGet)
}

// errorResponse carries enough structure for a caller to correct input
type errorResponse struct {
	Error        string `json:"error"`
	Field        string `json:"field,omitempty"`
	Reason       string `json:"reason,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps the registry error taxonomy to status codes:
// validation 400, duplicate serial 409, not found 404, everything
// else 500. All three client errors are terminal, not retryable.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *registry.ValidationError
	var duplicate *registry.DuplicateSerialError
	var notFound *registry.NotFoundError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: validation.Error(), Field: validation.Field, Reason: validation.Reason})
	case errors.As(err, &duplicate):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error: duplicate.Error(), SerialNumber: duplicate.SerialNumber})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: notFound.Error()})
	default:
		logger.FromContext(r.Context()).WithError(err).Errorln("internal error")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

// readBody decodes and validates a request body against a payload schema
func (a *API) readBody(w http.ResponseWriter, r *http.Request, schemaID string, into interface{}) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot read request body"})
		return false
	}
	if err := a.validator.ValidateBytes(body, schemaID); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	if err := json.Unmarshal(body, into); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func idFromRequest(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

// pagination parses offset and limit query parameters. Offset defaults
// to 0 and limit to "all remaining".
func pagination(w http.ResponseWriter, r *http.Request) (offset, limit int, ok bool) {
	query := r.URL.Query()
	var err error
	if value := query.Get("offset"); value != "" {
		if offset, err = strconv.Atoi(value); err != nil || offset < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "illegal parameter offset"})
			return 0, 0, false
		}
	}
	if value := query.Get("limit"); value != "" {
		if limit, err = strconv.Atoi(value); err != nil || limit < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "illegal parameter limit"})
			return 0, 0, false
		}
	}
	return offset, limit, true
}

type nodePayload struct {
	NodeID          *uuid.UUID `json:"node_id"`
	SerialNumber    *string    `json:"serial_number"`
	FirmwareVersion *string    `json:"firmware_version"`
}

func (a *API) createNode(w http.ResponseWriter, r *http.Request) {
	var payload nodePayload
	if !a.readBody(w, r, nodeSchemaID, &payload) {
		return
	}
	node := registry.Node{}
	if payload.NodeID != nil {
		node.NodeID = *payload.NodeID
	}
	if payload.SerialNumber != nil {
		node.SerialNumber = *payload.SerialNumber
	}
	if payload.FirmwareVersion != nil {
		node.FirmwareVersion = *payload.FirmwareVersion
	}
	created, err := a.service.CreateNode(r.Context(), node)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := idFromRequest(w, r, "node_id")
	if !ok {
		return
	}
	node, err := a.service.GetNode(r.Context(), nodeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) listNodes(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := pagination(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	nodes, err := a.service.ListNodes(r.Context(), registry.NodeFilter{
		SerialNumber:    query.Get("serial_number"),
		FirmwareVersion: query.Get("firmware_version"),
		Offset:          offset,
		Limit:           limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (a *API) updateNode(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := idFromRequest(w, r, "node_id")
	if !ok {
		return
	}
	var update registry.NodeUpdate
	if !a.readBody(w, r, nodeSchemaID, &update) {
		return
	}
	node, err := a.service.UpdateNode(r.Context(), nodeID, update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) getNodeWithSensors(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := idFromRequest(w, r, "node_id")
	if !ok {
		return
	}
	node, err := a.service.GetNodeWithSensors(r.Context(), nodeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (a *API) attachSensor(w http.ResponseWriter, r *http.Request) {
	nodeID, ok := idFromRequest(w, r, "node_id")
	if !ok {
		return
	}
	var payload struct {
		SensorID uuid.UUID `json:"sensor_id"`
		Status   string    `json:"status"`
	}
	if !a.readBody(w, r, attachmentSchemaID, &payload) {
		return
	}
	sensor, err := a.service.AttachSensor(r.Context(), nodeID, payload.SensorID, payload.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sensor)
}

type sensorPayload struct {
	SensorID     *uuid.UUID `json:"sensor_id"`
	SerialNumber *string    `json:"serial_number"`
	Manufacturer *string    `json:"manufacturer"`
	Model        *string    `json:"model"`
	Modality     *string    `json:"modality"`
}

func (a *API) createSensor(w http.ResponseWriter, r *http.Request) {
	var payload sensorPayload
	if !a.readBody(w, r, sensorSchemaID, &payload) {
		return
	}
	sensor := registry.Sensor{}
	if payload.SensorID != nil {
		sensor.SensorID = *payload.SensorID
	}
	if payload.SerialNumber != nil {
		sensor.SerialNumber = *payload.SerialNumber
	}
	if payload.Manufacturer != nil {
		sensor.Manufacturer = *payload.Manufacturer
	}
	if payload.Model != nil {
		sensor.Model = *payload.Model
	}
	if payload.Modality != nil {
		sensor.Modality = *payload.Modality
	}
	created, err := a.service.CreateSensor(r.Context(), sensor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getSensor(w http.ResponseWriter, r *http.Request) {
	sensorID, ok := idFromRequest(w, r, "sensor_id")
	if !ok {
		return
	}
	sensor, err := a.service.GetSensor(r.Context(), sensorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sensor)
}

func (a *API) listSensors(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := pagination(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	filter := registry.SensorFilter{
		Manufacturer: query.Get("manufacturer"),
		Model:        query.Get("model"),
		Modality:     query.Get("modality"),
		Offset:       offset,
		Limit:        limit,
	}
	if value := query.Get("node_id"); value != "" {
		nodeID, err := uuid.Parse(value)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "illegal parameter node_id"})
			return
		}
		filter.NodeID = &nodeID
	}
	sensors, err := a.service.ListSensors(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sensors)
}

func (a *API) attachmentHistory(w http.ResponseWriter, r *http.Request) {
	sensorID, ok := idFromRequest(w, r, "sensor_id")
	if !ok {
		return
	}
	history, err := a.service.AttachmentHistory(r.Context(), sensorID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *API) updateSensor(w http.ResponseWriter, r *http.Request) {
	sensorID, ok := idFromRequest(w, r, "sensor_id")
	if !ok {
		return
	}
	var update registry.SensorUpdate
	if !a.readBody(w, r, sensorSchemaID, &update) {
		return
	}
	sensor, err := a.service.UpdateSensor(r.Context(), sensorID, update)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sensor)
}
