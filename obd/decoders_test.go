package obd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"obd-relay/common"
)

func TestDecodeRPM(t *testing.T) {
	tests := []struct {
		data     []byte
		expected float64
		hasError bool
	}{
		{[]byte{0x1A, 0xF0}, 1724, false},   // ((26 * 256) + 240) / 4 = 1724
		{[]byte{0x0F, 0xA0}, 1000, false},   // ((15 * 256) + 160) / 4 = 1000
		{[]byte{0x00, 0x00}, 0, false},      // 0 RPM
		{[]byte{0x1A}, 0, true},             // Wrong length
		{[]byte{0x1A, 0xF0, 0x00}, 0, true}, // Wrong length
	}

	for _, tt := range tests {
		result, err := decodeRPM(tt.data)

		if tt.hasError {
			if err == nil {
				t.Errorf("Expected error for data %v", tt.data)
			}
			continue
		}

		if err != nil {
			t.Errorf("Unexpected error for data %v: %v", tt.data, err)
			continue
		}

		if result != tt.expected {
			t.Errorf("Expected %.2f, got %.2f for data %v", tt.expected, result, tt.data)
		}
	}
}

func TestDecodeTemperature(t *testing.T) {
	tests := []struct {
		data     []byte
		expected float64
		hasError bool
	}{
		{[]byte{0x5A}, 50, false},     // 0x5A - 40 = 50
		{[]byte{0x00}, -40, false},    // 0x00 - 40 = -40
		{[]byte{0xFF}, 215, false},    // 0xFF - 40 = 215
		{[]byte{0x32, 0x00}, 0, true}, // Wrong length
	}

	for _, tt := range tests {
		result, err := decodeTemperature(tt.data)

		if tt.hasError {
			if err == nil {
				t.Errorf("Expected error for data %v", tt.data)
			}
			continue
		}

		if err != nil {
			t.Errorf("Unexpected error for data %v: %v", tt.data, err)
			continue
		}

		if result != tt.expected {
			t.Errorf("Expected %.2f, got %.2f for data %v", tt.expected, result, tt.data)
		}
	}
}

// Проверка всех декодеров из реестра
func TestRegistryDecoders(t *testing.T) {
	testCases := []struct {
		name     string
		data     []byte
		expected float64
		unit     string
	}{
		{"RPM", []byte{0x1A, 0xF0}, 1724, "rpm"},
		{"SPEED", []byte{0x32}, 50, "km/h"},
		{"COOLANT_TEMP", []byte{0x5A}, 50, "°C"},
		{"INTAKE_TEMP", []byte{0x00}, -40, "°C"},
		{"THROTTLE_POS", []byte{0x80}, 50.196078, "%"},
		{"ENGINE_LOAD", []byte{0x33}, 20, "%"},
		{"FUEL_LEVEL", []byte{0x66}, 40, "%"},
		{"FUEL_PRESSURE", []byte{0x1F}, 93, "kPa"},
		{"INTAKE_PRESSURE", []byte{0x64}, 100, "kPa"},
		{"BAROMETRIC_PRESSURE", []byte{0x61}, 97, "kPa"},
		{"DISTANCE_W_MIL", []byte{0x00, 0xFA}, 250, "km"},
		{"SHORT_FUEL_TRIM_1", []byte{0x80}, 0, "%"},
		{"LONG_FUEL_TRIM_1", []byte{0x00}, -100, "%"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, err := Commands.Get(tc.name)
			require.NoError(t, err)

			decode, ok := Commands.decoder(cmd)
			require.True(t, ok)

			value, err := decode(tc.data)
			require.NoError(t, err)

			q, ok := value.(common.Quantity)
			require.True(t, ok, "expected Quantity, got %T", value)
			assert.InDelta(t, tc.expected, q.Magnitude, 0.01)
			assert.Equal(t, tc.unit, q.Unit)
		})
	}
}

func TestDecodePIDBitmap(t *testing.T) {
	value, err := decodePIDBitmap([]byte{0xBE, 0x3F, 0xA8, 0x13})
	require.NoError(t, err)

	bits := value.([]bool)
	require.Len(t, bits, 32)

	// PID 01 поддерживается, PID 02 нет, PID 0C поддерживается, PID 20 поддерживается
	assert.True(t, bits[0x01-1])
	assert.False(t, bits[0x02-1])
	assert.True(t, bits[0x0C-1])
	assert.False(t, bits[0x0A-1])
	assert.True(t, bits[0x20-1])

	_, err = decodePIDBitmap([]byte{0xBE})
	assert.Error(t, err)
}

func TestDecodeStatus(t *testing.T) {
	value, err := decodeStatus([]byte{0x83, 0x07, 0x65, 0x04})
	require.NoError(t, err)

	status, ok := value.(common.Status)
	require.True(t, ok)

	assert.True(t, status.MIL)
	assert.Equal(t, 3, status.DTCCount)
	assert.Equal(t, "spark", status.IgnitionType)

	tests := make(map[string]common.StatusTest)
	for _, test := range status.Tests {
		tests[test.Name] = test
	}

	assert.Equal(t, common.StatusTest{Name: "MISFIRE_MONITORING", Available: true, Complete: true}, tests["MISFIRE_MONITORING"])
	assert.True(t, tests["CATALYST_MONITORING"].Available)
	assert.True(t, tests["CATALYST_MONITORING"].Complete)
	assert.True(t, tests["EVAPORATIVE_SYSTEM_MONITORING"].Available)
	assert.False(t, tests["EVAPORATIVE_SYSTEM_MONITORING"].Complete)
	assert.False(t, tests["HEATED_CATALYST_MONITORING"].Available)
	assert.NotContains(t, tests, "BOOST_PRESSURE_MONITORING")
}

func TestDecodeStatusCompression(t *testing.T) {
	value, err := decodeStatus([]byte{0x00, 0x08, 0x08, 0x00})
	require.NoError(t, err)

	status := value.(common.Status)
	assert.False(t, status.MIL)
	assert.Equal(t, 0, status.DTCCount)
	assert.Equal(t, "compression", status.IgnitionType)

	found := false
	for _, test := range status.Tests {
		if test.Name == "BOOST_PRESSURE_MONITORING" {
			found = true
			assert.True(t, test.Available)
		}
	}
	assert.True(t, found)
}

func TestRegistry(t *testing.T) {
	cmd, err := Commands.Get("RPM")
	require.NoError(t, err)
	assert.Equal(t, "Engine RPM", cmd.Desc)
	assert.Equal(t, "01", cmd.Mode())
	assert.Equal(t, "0C", cmd.PID())

	_, err = Commands.Get("NOT_A_COMMAND")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	assert.True(t, Commands.Has("SPEED"))
	assert.False(t, Commands.Has("speed"))
	assert.False(t, Commands.Has("NOT_A_COMMAND"))

	byPID, ok := Commands.ByPID("01", "0d")
	require.True(t, ok)
	assert.Equal(t, "SPEED", byPID.Name)

	names := Commands.Names()
	assert.Contains(t, names, "STATUS")
	assert.IsIncreasing(t, names)
}
