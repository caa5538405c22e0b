package obd

import (
	"fmt"

	"obd-relay/common"
)

// PIDDecoder представляет функцию для декодирования конкретного PID
type PIDDecoder func(data []byte) (float64, error)

// Decoder превращает байты данных ответа (без эха сервиса и PID) в значение
type Decoder func(data []byte) (interface{}, error)

// quantity оборачивает числовой декодер в значение с единицей измерения
func quantity(decode PIDDecoder, unit string) Decoder {
	return func(data []byte) (interface{}, error) {
		value, err := decode(data)
		if err != nil {
			return nil, err
		}
		return common.Quantity{Magnitude: value, Unit: unit}, nil
	}
}

func expectBytes(pid string, data []byte, n int) error {
	if len(data) != n {
		return fmt.Errorf("PID %s: expected %d bytes, got %d", pid, n, len(data))
	}
	return nil
}

// decodeRPM декодирует обороты двигателя (PID 0C)
// Формула: ((A * 256) + B) / 4
func decodeRPM(data []byte) (float64, error) {
	if err := expectBytes("0C", data, 2); err != nil {
		return 0, err
	}
	return (float64(data[0])*256 + float64(data[1])) / 4, nil
}

// decodeVehicleSpeed декодирует скорость автомобиля (PID 0D)
// Формула: A
func decodeVehicleSpeed(data []byte) (float64, error) {
	if err := expectBytes("0D", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]), nil
}

// decodeTemperature декодирует температуры (PID 05, 0F)
// Формула: A - 40
func decodeTemperature(data []byte) (float64, error) {
	if err := expectBytes("05/0F", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) - 40, nil
}

// decodePercent декодирует проценты (PID 04, 11, 2F)
// Формула: (A * 100) / 255
func decodePercent(data []byte) (float64, error) {
	if err := expectBytes("04/11/2F", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) * 100) / 255, nil
}

// decodeFuelPressure декодирует давление топлива (PID 0A)
// Формула: A * 3
func decodeFuelPressure(data []byte) (float64, error) {
	if err := expectBytes("0A", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]) * 3, nil
}

// decodeFuelTrim декодирует корректировку топлива (PID 06, 07)
// Формула: (A - 128) * 100 / 128
func decodeFuelTrim(data []byte) (float64, error) {
	if err := expectBytes("06/07", data, 1); err != nil {
		return 0, err
	}
	return (float64(data[0]) - 128) * 100 / 128, nil
}

// decodePressure декодирует давление в кПа (PID 0B, 33)
// Формула: A
func decodePressure(data []byte) (float64, error) {
	if err := expectBytes("0B/33", data, 1); err != nil {
		return 0, err
	}
	return float64(data[0]), nil
}

// decodeDistance декодирует расстояние (PID 21)
// Формула: (A * 256) + B
func decodeDistance(data []byte) (float64, error) {
	if err := expectBytes("21", data, 2); err != nil {
		return 0, err
	}
	return float64(data[0])*256 + float64(data[1]), nil
}

// decodePIDBitmap декодирует битовую карту поддерживаемых PID (PID 00, 20, 40).
// Элемент i соответствует PID base+i+1.
func decodePIDBitmap(data []byte) (interface{}, error) {
	if err := expectBytes("00/20/40", data, 4); err != nil {
		return nil, err
	}
	bits := make([]bool, 0, 32)
	for _, b := range data {
		for i := 7; i >= 0; i-- {
			bits = append(bits, b&(1<<uint(i)) != 0)
		}
	}
	return bits, nil
}

var baseTests = []string{
	"MISFIRE_MONITORING",
	"FUEL_SYSTEM_MONITORING",
	"COMPONENT_MONITORING",
}

// Пустое имя - зарезервированный бит
var sparkTests = []string{
	"CATALYST_MONITORING",
	"HEATED_CATALYST_MONITORING",
	"EVAPORATIVE_SYSTEM_MONITORING",
	"SECONDARY_AIR_SYSTEM_MONITORING",
	"",
	"OXYGEN_SENSOR_MONITORING",
	"OXYGEN_SENSOR_HEATER_MONITORING",
	"EGR_VVT_SYSTEM_MONITORING",
}

var compressionTests = []string{
	"NMHC_CATALYST_MONITORING",
	"NOX_SCR_AFTERTREATMENT_MONITORING",
	"",
	"BOOST_PRESSURE_MONITORING",
	"",
	"EXHAUST_GAS_SENSOR_MONITORING",
	"PM_FILTER_MONITORING",
	"EGR_VVT_SYSTEM_MONITORING",
}

// decodeStatus декодирует статус мониторов (PID 01).
// A: бит 7 - MIL, биты 0-6 - количество DTC.
// B: бит 3 - тип зажигания, биты 0-2 - доступность базовых тестов, биты 4-6 - незавершенность.
// C/D: доступность и незавершенность тестов, зависящих от типа зажигания.
func decodeStatus(data []byte) (interface{}, error) {
	if err := expectBytes("01", data, 4); err != nil {
		return nil, err
	}
	a, b, c, d := data[0], data[1], data[2], data[3]

	status := common.Status{
		MIL:      a&0x80 != 0,
		DTCCount: int(a & 0x7F),
	}

	for i, name := range baseTests {
		status.Tests = append(status.Tests, common.StatusTest{
			Name:      name,
			Available: b&(1<<uint(i)) != 0,
			Complete:  b&(1<<uint(i+4)) == 0,
		})
	}

	tests := sparkTests
	status.IgnitionType = "spark"
	if b&0x08 != 0 {
		tests = compressionTests
		status.IgnitionType = "compression"
	}

	for i, name := range tests {
		if name == "" {
			continue
		}
		status.Tests = append(status.Tests, common.StatusTest{
			Name:      name,
			Available: c&(1<<uint(i)) != 0,
			Complete:  d&(1<<uint(i)) == 0,
		})
	}

	return status, nil
}
