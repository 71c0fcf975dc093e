package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"bidcos-go-home/internal/bidcos"
)

// ConfigList names a parameter list read from a device after pairing.
type ConfigList struct {
	Channel uint8 `json:"channel"`
	List    uint8 `json:"list"`
}

// DeviceDefinition describes a HomeMatic device model.
type DeviceDefinition struct {
	// Type is the two-byte device type from the pairing request, e.g. "0x0095".
	Type        string       `json:"type"`
	Name        string       `json:"name"`
	RXModes     []string     `json:"rx_modes,omitempty"`
	ConfigLists []ConfigList `json:"config_lists,omitempty"`
}

// TypeID parses Type.
func (d *DeviceDefinition) TypeID() (uint16, error) {
	v, err := strconv.ParseUint(d.Type, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("device type %q: %w", d.Type, err)
	}
	return uint16(v), nil
}

var rxModeNames = map[string]bidcos.RXMode{
	"always":      bidcos.RXAlways,
	"burst":       bidcos.RXBurst,
	"config":      bidcos.RXConfig,
	"wakeup":      bidcos.RXWakeUp,
	"lazy_config": bidcos.RXLazyConfig,
}

// RXMode combines RXModes. A definition without modes listens always.
func (d *DeviceDefinition) RXMode() (bidcos.RXMode, error) {
	if len(d.RXModes) == 0 {
		return bidcos.RXAlways, nil
	}
	var m bidcos.RXMode
	for _, name := range d.RXModes {
		bit, ok := rxModeNames[name]
		if !ok {
			return 0, fmt.Errorf("unknown rx mode %q", name)
		}
		m |= bit
	}
	return m, nil
}

// DeviceDB holds device definitions keyed by device type.
type DeviceDB struct {
	defs map[uint16]*DeviceDefinition
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{defs: make(map[uint16]*DeviceDefinition)}
}

// Add validates def and inserts it, replacing an earlier definition of the
// same type.
func (db *DeviceDB) Add(def DeviceDefinition) error {
	id, err := def.TypeID()
	if err != nil {
		return err
	}
	if _, err := def.RXMode(); err != nil {
		return fmt.Errorf("device type %s: %w", def.Type, err)
	}
	cp := def
	db.defs[id] = &cp
	return nil
}

// Lookup finds a definition by device type.
func (db *DeviceDB) Lookup(deviceType uint16) *DeviceDefinition {
	return db.defs[deviceType]
}

func (db *DeviceDB) Len() int {
	return len(db.defs)
}

type deviceFile struct {
	Devices []DeviceDefinition `json:"devices"`
}

// LoadDeviceDir reads all *.json files from a directory into a DeviceDB.
// Returns an empty DeviceDB (not an error) if the directory doesn't exist or is empty.
func LoadDeviceDir(dir string, logger *slog.Logger) (*DeviceDB, error) {
	db := NewDeviceDB()

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return db, fmt.Errorf("glob devices dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no device definition files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := json.Unmarshal(data, &df); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}
		for _, d := range df.Devices {
			if err := db.Add(d); err != nil {
				return db, fmt.Errorf("%s: %w", path, err)
			}
		}
		logger.Info("loaded device file", "path", filepath.Base(path), "devices", len(df.Devices))
	}

	logger.Info("device database loaded", "files", len(matches), "devices", db.Len())
	return db, nil
}
