package obd

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"obd-relay/common"
)

// ErrUnknownCommand - команда с таким именем не зарегистрирована
var ErrUnknownCommand = errors.New("obd: unknown command")

type commandDef struct {
	name   string
	desc   string
	pid    string // Сервис + PID, например "010C"
	bytes  int
	decode Decoder
}

// Команды сервиса 01, которые умеет декодировать клиент
var commandDefs = []commandDef{
	{"PIDS_A", "Supported PIDs [01-20]", "0100", 4, decodePIDBitmap},
	{"STATUS", "Status since DTCs cleared", "0101", 4, decodeStatus},
	{"ENGINE_LOAD", "Calculated Engine Load", "0104", 1, quantity(decodePercent, "%")},
	{"COOLANT_TEMP", "Engine Coolant Temperature", "0105", 1, quantity(decodeTemperature, "°C")},
	{"SHORT_FUEL_TRIM_1", "Short Term Fuel Trim - Bank 1", "0106", 1, quantity(decodeFuelTrim, "%")},
	{"LONG_FUEL_TRIM_1", "Long Term Fuel Trim - Bank 1", "0107", 1, quantity(decodeFuelTrim, "%")},
	{"FUEL_PRESSURE", "Fuel Pressure", "010A", 1, quantity(decodeFuelPressure, "kPa")},
	{"INTAKE_PRESSURE", "Intake Manifold Pressure", "010B", 1, quantity(decodePressure, "kPa")},
	{"RPM", "Engine RPM", "010C", 2, quantity(decodeRPM, "rpm")},
	{"SPEED", "Vehicle Speed", "010D", 1, quantity(decodeVehicleSpeed, "km/h")},
	{"INTAKE_TEMP", "Intake Air Temp", "010F", 1, quantity(decodeTemperature, "°C")},
	{"THROTTLE_POS", "Throttle Position", "0111", 1, quantity(decodePercent, "%")},
	{"PIDS_B", "Supported PIDs [21-40]", "0120", 4, decodePIDBitmap},
	{"DISTANCE_W_MIL", "Distance Traveled with MIL on", "0121", 2, quantity(decodeDistance, "km")},
	{"FUEL_LEVEL", "Fuel Level Input", "012F", 1, quantity(decodePercent, "%")},
	{"BAROMETRIC_PRESSURE", "Barometric Pressure", "0133", 1, quantity(decodePressure, "kPa")},
	{"PIDS_C", "Supported PIDs [41-60]", "0140", 4, decodePIDBitmap},
}

// Registry - реестр команд по имени и по запросу
type Registry struct {
	byName   map[string]*common.Command
	byPID    map[string]*common.Command
	decoders map[string]Decoder
}

// Commands - глобальный реестр команд
var Commands = newRegistry(commandDefs)

func newRegistry(defs []commandDef) *Registry {
	r := &Registry{
		byName:   make(map[string]*common.Command, len(defs)),
		byPID:    make(map[string]*common.Command, len(defs)),
		decoders: make(map[string]Decoder, len(defs)),
	}
	for _, def := range defs {
		cmd := &common.Command{
			Name:    def.name,
			Desc:    def.desc,
			Command: []byte(def.pid),
			Bytes:   def.bytes,
			Fast:    true,
			ECU:     common.ECUAll,
		}
		r.byName[def.name] = cmd
		r.byPID[def.pid] = cmd
		r.decoders[def.name] = def.decode
	}
	return r
}

// Get возвращает команду по имени
func (r *Registry) Get(name string) (*common.Command, error) {
	cmd, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return cmd, nil
}

// Has проверяет, зарегистрирована ли команда. Имена только в верхнем регистре.
func (r *Registry) Has(name string) bool {
	if name != strings.ToUpper(name) {
		return false
	}
	_, ok := r.byName[name]
	return ok
}

// ByPID возвращает команду по сервису и PID, например ("01", "0C")
func (r *Registry) ByPID(mode, pid string) (*common.Command, bool) {
	cmd, ok := r.byPID[strings.ToUpper(mode+pid)]
	return cmd, ok
}

// Names возвращает имена всех команд по алфавиту
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decoder возвращает декодер команды
func (r *Registry) decoder(cmd *common.Command) (Decoder, bool) {
	d, ok := r.decoders[cmd.Name]
	return d, ok
}
