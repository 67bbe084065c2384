package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sensornet-io/sensornet/core/csql"
	"github.com/sensornet-io/sensornet/core/logger"
	"github.com/sensornet-io/sensornet/core/settings"
)

// schemaVersion is bumped whenever the table layout changes. The
// current version is recorded in the settings store.
const schemaVersion = 1

// PostgresStore is the Store implementation on a postgres database.
//
// Serial-number uniqueness is enforced by a partial unique index
// (WHERE serial_number <> ''), so empty serial numbers never collide
// and the database remains the authoritative enforcement boundary for
// concurrent creates. Query strings are assembled once at construction.
type PostgresStore struct {
	db *csql.DB

	insertNodeQuery    string
	nodeByIDQuery      string
	nodeBySerialQuery  string
	nodesQuery         string
	insertSensorQuery  string
	sensorsQuery       string
	updateNodePrefix   string
	updateSensorPrefix string
	insertAssocQuery   string
	assocBySensorQuery string
	currentNodeQuery   string
	nodeExistsQuery    string
	sensorExistsQuery  string
}

// MustNewPostgresStore creates the registry tables if they do not exist
// yet and returns a store on them. It panics when the schema cannot be
// created, in line with the other bootstrap helpers.
func MustNewPostgresStore(db *csql.DB) *PostgresStore {
	schema := db.Schema
	rlog := logger.Default()

	createQuery := `
CREATE table IF NOT EXISTS ` + schema + `."node"
(node_id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
serial_number varchar NOT NULL DEFAULT '',
firmware_version varchar NOT NULL,
created_at timestamp NOT NULL DEFAULT now()
);
CREATE UNIQUE index IF NOT EXISTS external_index_node_serial_number
 ON ` + schema + `."node"(serial_number) WHERE serial_number <> '';
CREATE index IF NOT EXISTS sort_index_node_created_at
 ON ` + schema + `."node"(created_at);

CREATE table IF NOT EXISTS ` + schema + `."sensor"
(sensor_id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
serial_number varchar NOT NULL DEFAULT '',
manufacturer varchar NOT NULL,
model varchar NOT NULL,
modality varchar NOT NULL,
created_at timestamp NOT NULL DEFAULT now()
);
CREATE UNIQUE index IF NOT EXISTS external_index_sensor_serial_number
 ON ` + schema + `."sensor"(serial_number) WHERE serial_number <> '';
CREATE index IF NOT EXISTS sort_index_sensor_created_at
 ON ` + schema + `."sensor"(created_at);

CREATE table IF NOT EXISTS ` + schema + `."node_sensor_association"
(association_id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
serial SERIAL,
node_id uuid NOT NULL REFERENCES ` + schema + `."node"(node_id),
sensor_id uuid NOT NULL REFERENCES ` + schema + `."sensor"(sensor_id),
status varchar NOT NULL DEFAULT '',
created_at timestamp NOT NULL DEFAULT now()
);
CREATE index IF NOT EXISTS sort_index_association_sensor
 ON ` + schema + `."node_sensor_association"(sensor_id, serial);
`
	_, err := db.Exec(createQuery)
	if err != nil {
		rlog.WithError(err).Errorln("cannot create registry tables")
		panic(err)
	}

	accessor := settings.New(db).Accessor("registry")
	var version int
	if _, err := accessor.Read("schema_version", &version); err != nil {
		panic(err)
	}
	if version != schemaVersion {
		if err := accessor.Write("schema_version", schemaVersion); err != nil {
			panic(err)
		}
	}

	// a sensor's current node is the node of its most recent
	// association. The lateral join is the single resolution used by
	// every sensor read path.
	sensorColumns := `s.sensor_id, s.serial_number, s.manufacturer, s.model, s.modality, a.node_id, s.created_at`
	sensorsQuery := `SELECT ` + sensorColumns + ` FROM ` + schema + `."sensor" s
LEFT JOIN LATERAL (
 SELECT node_id FROM ` + schema + `."node_sensor_association"
 WHERE sensor_id = s.sensor_id ORDER BY serial DESC LIMIT 1
) a ON true `

	return &PostgresStore{
		db: db,
		insertNodeQuery: `INSERT INTO ` + schema + `."node" (node_id, serial_number, firmware_version, created_at)
VALUES($1,$2,$3,$4) RETURNING node_id, serial_number, firmware_version, created_at;`,
		nodeByIDQuery: `SELECT node_id, serial_number, firmware_version, created_at FROM ` + schema + `."node"
WHERE node_id = $1;`,
		nodeBySerialQuery: `SELECT node_id, serial_number, firmware_version, created_at FROM ` + schema + `."node"
WHERE serial_number = $1 AND serial_number <> '';`,
		nodesQuery: `SELECT node_id, serial_number, firmware_version, created_at FROM ` + schema + `."node" `,
		updateNodePrefix: `UPDATE ` + schema + `."node" SET `,
		insertSensorQuery: `INSERT INTO ` + schema + `."sensor" (sensor_id, serial_number, manufacturer, model, modality, created_at)
VALUES($1,$2,$3,$4,$5,$6) RETURNING sensor_id;`,
		sensorsQuery:       sensorsQuery,
		updateSensorPrefix: `UPDATE ` + schema + `."sensor" SET `,
		insertAssocQuery: `INSERT INTO ` + schema + `."node_sensor_association" (node_id, sensor_id, status, created_at)
VALUES($1,$2,$3,$4) RETURNING association_id, node_id, sensor_id, status, created_at;`,
		assocBySensorQuery: `SELECT association_id, node_id, sensor_id, status, created_at
FROM ` + schema + `."node_sensor_association" WHERE sensor_id = $1 ORDER BY serial ASC;`,
		currentNodeQuery: `SELECT node_id FROM ` + schema + `."node_sensor_association"
WHERE sensor_id = $1 ORDER BY serial DESC LIMIT 1;`,
		nodeExistsQuery:   `SELECT node_id FROM ` + schema + `."node" WHERE node_id = $1;`,
		sensorExistsQuery: `SELECT sensor_id FROM ` + schema + `."sensor" WHERE sensor_id = $1;`,
	}
}

// mapError translates postgres constraint violations into the registry
// error taxonomy. Unique violations on the serial-number indexes become
// DuplicateSerialError, so the check-then-write race surfaces exactly
// like the application pre-check.
func mapError(err error, kind Kind, id uuid.UUID, serialNumber string) error {
	if err == csql.ErrNoRows {
		return &NotFoundError{Kind: kind, ID: id}
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505":
			return &DuplicateSerialError{Kind: kind, SerialNumber: serialNumber}
		case "23503":
			return &NotFoundError{Kind: kind, ID: id}
		}
	}
	return err
}

// InsertNode persists a new node with the caller-assigned id.
func (p *PostgresStore) InsertNode(ctx context.Context, node Node) (Node, error) {
	var result Node
	err := p.db.QueryRowContext(ctx, p.insertNodeQuery,
		node.NodeID, node.SerialNumber, node.FirmwareVersion, time.Now().UTC()).
		Scan(&result.NodeID, &result.SerialNumber, &result.FirmwareVersion, &result.CreatedAt)
	if err != nil {
		return Node{}, mapError(err, KindNode, node.NodeID, node.SerialNumber)
	}
	return result, nil
}

// NodeByID returns the node with the given id.
func (p *PostgresStore) NodeByID(ctx context.Context, nodeID uuid.UUID) (Node, error) {
	var node Node
	err := p.db.QueryRowContext(ctx, p.nodeByIDQuery, nodeID).
		Scan(&node.NodeID, &node.SerialNumber, &node.FirmwareVersion, &node.CreatedAt)
	if err != nil {
		return Node{}, mapError(err, KindNode, nodeID, "")
	}
	return node, nil
}

// NodeBySerialNumber returns the node with the given serial number.
func (p *PostgresStore) NodeBySerialNumber(ctx context.Context, serialNumber string) (Node, error) {
	var node Node
	err := p.db.QueryRowContext(ctx, p.nodeBySerialQuery, serialNumber).
		Scan(&node.NodeID, &node.SerialNumber, &node.FirmwareVersion, &node.CreatedAt)
	if err != nil {
		return Node{}, mapError(err, KindNode, uuid.Nil, serialNumber)
	}
	return node, nil
}

// Nodes lists nodes matching the filter in insertion order.
func (p *PostgresStore) Nodes(ctx context.Context, filter NodeFilter) ([]Node, error) {
	var conditions []string
	var args []interface{}
	if filter.SerialNumber != "" {
		args = append(args, filter.SerialNumber)
		conditions = append(conditions, "serial_number = $"+strconv.Itoa(len(args)))
	}
	if filter.FirmwareVersion != "" {
		args = append(args, filter.FirmwareVersion)
		conditions = append(conditions, "firmware_version = $"+strconv.Itoa(len(args)))
	}
	query := p.nodesQuery
	if len(conditions) > 0 {
		query += "WHERE " + strings.Join(conditions, " AND ") + " "
	}
	query += "ORDER BY created_at ASC, node_id ASC"
	query += paginationClause(filter.Limit, filter.Offset, &args)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := []Node{}
	for rows.Next() {
		var node Node
		if err := rows.Scan(&node.NodeID, &node.SerialNumber, &node.FirmwareVersion, &node.CreatedAt); err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpdateNode applies the non-nil fields of update and returns the
// updated node.
func (p *PostgresStore) UpdateNode(ctx context.Context, nodeID uuid.UUID, update NodeUpdate) (Node, error) {
	if update.IsEmpty() {
		return p.NodeByID(ctx, nodeID)
	}
	var sets []string
	var args []interface{}
	if update.SerialNumber != nil {
		args = append(args, *update.SerialNumber)
		sets = append(sets, "serial_number = $"+strconv.Itoa(len(args)))
	}
	if update.FirmwareVersion != nil {
		args = append(args, *update.FirmwareVersion)
		sets = append(sets, "firmware_version = $"+strconv.Itoa(len(args)))
	}
	args = append(args, nodeID)
	query := p.updateNodePrefix + strings.Join(sets, ", ") +
		" WHERE node_id = $" + strconv.Itoa(len(args)) +
		" RETURNING node_id, serial_number, firmware_version, created_at;"

	var node Node
	err := p.db.QueryRowContext(ctx, query, args...).
		Scan(&node.NodeID, &node.SerialNumber, &node.FirmwareVersion, &node.CreatedAt)
	if err != nil {
		serial := ""
		if update.SerialNumber != nil {
			serial = *update.SerialNumber
		}
		return Node{}, mapError(err, KindNode, nodeID, serial)
	}
	return node, nil
}

// InsertSensor persists a new sensor with the caller-assigned id.
func (p *PostgresStore) InsertSensor(ctx context.Context, sensor Sensor) (Sensor, error) {
	var id uuid.UUID
	err := p.db.QueryRowContext(ctx, p.insertSensorQuery,
		sensor.SensorID, sensor.SerialNumber, sensor.Manufacturer, sensor.Model,
		sensor.Modality, time.Now().UTC()).Scan(&id)
	if err != nil {
		return Sensor{}, mapError(err, KindSensor, sensor.SensorID, sensor.SerialNumber)
	}
	// re-read through the canonical sensor query so the response
	// carries the resolved node id like every other read path
	return p.SensorByID(ctx, id)
}

// SensorByID returns the sensor with the given id, including the
// resolved current node.
func (p *PostgresStore) SensorByID(ctx context.Context, sensorID uuid.UUID) (Sensor, error) {
	var sensor Sensor
	var nodeID uuid.NullUUID
	err := p.db.QueryRowContext(ctx, p.sensorsQuery+"WHERE s.sensor_id = $1;", sensorID).
		Scan(&sensor.SensorID, &sensor.SerialNumber, &sensor.Manufacturer,
			&sensor.Model, &sensor.Modality, &nodeID, &sensor.CreatedAt)
	if err != nil {
		return Sensor{}, mapError(err, KindSensor, sensorID, "")
	}
	if nodeID.Valid {
		sensor.NodeID = &nodeID.UUID
	}
	return sensor, nil
}

// SensorBySerialNumber returns the sensor with the given serial number.
func (p *PostgresStore) SensorBySerialNumber(ctx context.Context, serialNumber string) (Sensor, error) {
	var sensor Sensor
	var nodeID uuid.NullUUID
	err := p.db.QueryRowContext(ctx,
		p.sensorsQuery+"WHERE s.serial_number = $1 AND s.serial_number <> '';", serialNumber).
		Scan(&sensor.SensorID, &sensor.SerialNumber, &sensor.Manufacturer,
			&sensor.Model, &sensor.Modality, &nodeID, &sensor.CreatedAt)
	if err != nil {
		return Sensor{}, mapError(err, KindSensor, uuid.Nil, serialNumber)
	}
	if nodeID.Valid {
		sensor.NodeID = &nodeID.UUID
	}
	return sensor, nil
}

// Sensors lists sensors matching the filter in insertion order. The
// node filter matches on the resolved current attachment, not on any
// column of the sensor row.
func (p *PostgresStore) Sensors(ctx context.Context, filter SensorFilter) ([]Sensor, error) {
	var conditions []string
	var args []interface{}
	if filter.Manufacturer != "" {
		args = append(args, filter.Manufacturer)
		conditions = append(conditions, "s.manufacturer = $"+strconv.Itoa(len(args)))
	}
	if filter.Model != "" {
		args = append(args, filter.Model)
		conditions = append(conditions, "s.model = $"+strconv.Itoa(len(args)))
	}
	if filter.Modality != "" {
		args = append(args, filter.Modality)
		conditions = append(conditions, "s.modality = $"+strconv.Itoa(len(args)))
	}
	if filter.NodeID != nil {
		args = append(args, *filter.NodeID)
		conditions = append(conditions, "a.node_id = $"+strconv.Itoa(len(args)))
	}
	query := p.sensorsQuery
	if len(conditions) > 0 {
		query += "WHERE " + strings.Join(conditions, " AND ") + " "
	}
	query += "ORDER BY s.created_at ASC, s.sensor_id ASC"
	query += paginationClause(filter.Limit, filter.Offset, &args)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sensors := []Sensor{}
	for rows.Next() {
		var sensor Sensor
		var nodeID uuid.NullUUID
		if err := rows.Scan(&sensor.SensorID, &sensor.SerialNumber, &sensor.Manufacturer,
			&sensor.Model, &sensor.Modality, &nodeID, &sensor.CreatedAt); err != nil {
			return nil, err
		}
		if nodeID.Valid {
			sensor.NodeID = &nodeID.UUID
		}
		sensors = append(sensors, sensor)
	}
	return sensors, rows.Err()
}

// UpdateSensor applies the non-nil fields of update and returns the
// updated sensor.
func (p *PostgresStore) UpdateSensor(ctx context.Context, sensorID uuid.UUID, update SensorUpdate) (Sensor, error) {
	if update.IsEmpty() {
		return p.SensorByID(ctx, sensorID)
	}
	var sets []string
	var args []interface{}
	if update.SerialNumber != nil {
		args = append(args, *update.SerialNumber)
		sets = append(sets, "serial_number = $"+strconv.Itoa(len(args)))
	}
	if update.Manufacturer != nil {
		args = append(args, *update.Manufacturer)
		sets = append(sets, "manufacturer = $"+strconv.Itoa(len(args)))
	}
	if update.Model != nil {
		args = append(args, *update.Model)
		sets = append(sets, "model = $"+strconv.Itoa(len(args)))
	}
	if update.Modality != nil {
		args = append(args, *update.Modality)
		sets = append(sets, "modality = $"+strconv.Itoa(len(args)))
	}
	args = append(args, sensorID)
	query := p.updateSensorPrefix + strings.Join(sets, ", ") +
		" WHERE sensor_id = $" + strconv.Itoa(len(args)) + " RETURNING sensor_id;"

	var id uuid.UUID
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err != nil {
		serial := ""
		if update.SerialNumber != nil {
			serial = *update.SerialNumber
		}
		return Sensor{}, mapError(err, KindSensor, sensorID, serial)
	}
	return p.SensorByID(ctx, id)
}

// InsertAssociation appends a new association row within one
// transaction, verifying both referenced entities first so missing
// entities report as NotFound rather than as a constraint violation.
func (p *PostgresStore) InsertAssociation(ctx context.Context, nodeID, sensorID uuid.UUID, status string) (Association, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Association{}, err
	}

	var exists uuid.UUID
	if err := tx.QueryRowContext(ctx, p.nodeExistsQuery, nodeID).Scan(&exists); err != nil {
		tx.Rollback()
		return Association{}, mapError(err, KindNode, nodeID, "")
	}
	if err := tx.QueryRowContext(ctx, p.sensorExistsQuery, sensorID).Scan(&exists); err != nil {
		tx.Rollback()
		return Association{}, mapError(err, KindSensor, sensorID, "")
	}

	var association Association
	err = tx.QueryRowContext(ctx, p.insertAssocQuery, nodeID, sensorID, status, time.Now().UTC()).
		Scan(&association.AssociationID, &association.NodeID, &association.SensorID,
			&association.Status, &association.CreatedAt)
	if err != nil {
		tx.Rollback()
		return Association{}, mapError(err, KindAssociation, nodeID, "")
	}
	if err := tx.Commit(); err != nil {
		return Association{}, err
	}
	return association, nil
}

// Associations returns the attachment history of a sensor, oldest first.
func (p *PostgresStore) Associations(ctx context.Context, sensorID uuid.UUID) ([]Association, error) {
	rows, err := p.db.QueryContext(ctx, p.assocBySensorQuery, sensorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	associations := []Association{}
	for rows.Next() {
		var association Association
		if err := rows.Scan(&association.AssociationID, &association.NodeID,
			&association.SensorID, &association.Status, &association.CreatedAt); err != nil {
			return nil, err
		}
		associations = append(associations, association)
	}
	return associations, rows.Err()
}

// CurrentNode resolves the node id of the sensor's most recent
// association.
func (p *PostgresStore) CurrentNode(ctx context.Context, sensorID uuid.UUID) (*uuid.UUID, error) {
	var nodeID uuid.UUID
	err := p.db.QueryRowContext(ctx, p.currentNodeQuery, sensorID).Scan(&nodeID)
	if err == csql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &nodeID, nil
}

// paginationClause appends LIMIT/OFFSET parameters to args and returns
// the matching SQL fragment. A limit of zero means no cap.
func paginationClause(limit, offset int, args *[]interface{}) string {
	clause := ""
	if limit > 0 {
		*args = append(*args, limit)
		clause += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		clause += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return clause + ";"
}
