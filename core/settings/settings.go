/*Package settings provides a persistent store of configuration objects
in a SQL database.

The package uses JSON to serialize the data. The registry store uses it
to record its schema version; services can use it for any bootstrap
state that must survive restarts.
*/
package settings

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/sensornet-io/sensornet/core/csql"
)

// New creates a new settings store for the specified database
func New(db *csql.DB) Settings {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_settings_"
(key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`)

	if err != nil {
		panic(err)
	}
	return Settings{db: db}
}

// Settings provides a persistent store of objects in a sql database.
type Settings struct {
	db *csql.DB
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Settings Settings
}

// Accessor returns a settings accessor with prefix
func (s Settings) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Settings: s,
	}
}

// Read reads a value from the settings store. It returns the time when
// the value was written, or a zero timestamp if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (a Accessor) Read(key string, value interface{}) (time.Time, error) {
	var (
		rawValue  json.RawMessage
		timestamp time.Time
	)
	if len(a.Prefix) > 0 {
		key = a.Prefix + ":" + key
	}

	err := a.Settings.db.QueryRow(
		`SELECT value, timestamp FROM `+a.Settings.db.Schema+`."_settings_" WHERE key=$1;`,
		key).Scan(&rawValue, &timestamp)
	if err == csql.ErrNoRows {
		return timestamp, nil
	}
	if err != nil {
		return timestamp, fmt.Errorf("cannot read key '%s': %s", key, err.Error())
	}
	err = json.Unmarshal(rawValue, &value)

	return timestamp, err
}

// Write writes a value into the settings store.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (a Accessor) Write(key string, value interface{}) error {
	if len(a.Prefix) > 0 {
		key = a.Prefix + ":" + key
	}
	rawValue, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cannot marshal value for key '%s': %s", key, err.Error())
	}
	_, err = a.Settings.db.Exec(
		`INSERT INTO `+a.Settings.db.Schema+`."_settings_" (key,value,timestamp) VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2, timestamp=$3;`,
		key, rawValue, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cannot write key '%s': %s", key, err.Error())
	}
	return nil
}

// Delete deletes a key from the settings store.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (a Accessor) Delete(key string) error {
	if len(a.Prefix) > 0 {
		key = a.Prefix + ":" + key
	}
	_, err := a.Settings.db.Exec(
		`DELETE FROM `+a.Settings.db.Schema+`."_settings_" WHERE key=$1;`, key)
	if err != nil {
		return fmt.Errorf("cannot delete key '%s': %s", key, err.Error())
	}
	return nil
}
