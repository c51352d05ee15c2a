package telemetry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrack/containerflow/pkg/telemetry"
)

func sampleReport() *telemetry.ContainerReport {
	return &telemetry.ContainerReport{
		SIMID:          "393600504823",
		ContainerID:    "LMCU1231237",
		Time:           "040625 153000.5",
		SignalStrength: 28,
		CellID:         "999-01-1-31D41",
		BLENode:        1,
		BatteryPercent: 96,
		AccelX:         -993.9239,
		AccelY:         -27.1456,
		AccelZ:         -52.0011,
		TemperatureC:   17.00,
		HumidityPct:    71.23,
		PressureHPa:    1012.4311,
		DoorStatus:     "C",
		GNSSStatus:     1,
		Latitude:       31.86,
		Longitude:      28.74,
		AltitudeM:      49.52,
		SpeedMps:       12.3,
		HeadingDeg:     270.15,
		SatelliteCount: 4,
		HDOP:           1.2,
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	original := sampleReport()

	wire := telemetry.Encode(original)
	decoded, err := telemetry.Decode(wire)
	require.NoError(t, err)

	// String fields round-trip exactly.
	assert.Equal(t, original.SIMID, decoded.SIMID)
	assert.Equal(t, original.ContainerID, decoded.ContainerID)
	assert.Equal(t, original.Time, decoded.Time)
	assert.Equal(t, original.CellID, decoded.CellID)
	assert.Equal(t, original.DoorStatus, decoded.DoorStatus)

	// Integer fields round-trip exactly.
	assert.Equal(t, original.SignalStrength, decoded.SignalStrength)
	assert.Equal(t, original.BLENode, decoded.BLENode)
	assert.Equal(t, original.BatteryPercent, decoded.BatteryPercent)
	assert.Equal(t, original.GNSSStatus, decoded.GNSSStatus)
	assert.Equal(t, original.SatelliteCount, decoded.SatelliteCount)

	// Float fields round-trip within the precision each field carries.
	assert.InDelta(t, original.AccelX, decoded.AccelX, 0.001)
	assert.InDelta(t, original.AccelY, decoded.AccelY, 0.001)
	assert.InDelta(t, original.AccelZ, decoded.AccelZ, 0.001)
	assert.InDelta(t, original.TemperatureC, decoded.TemperatureC, 0.01)
	assert.InDelta(t, original.HumidityPct, decoded.HumidityPct, 0.01)
	assert.InDelta(t, original.PressureHPa, decoded.PressureHPa, 0.001)
	assert.InDelta(t, original.Latitude, decoded.Latitude, 0.01)
	assert.InDelta(t, original.Longitude, decoded.Longitude, 0.01)
	assert.InDelta(t, original.AltitudeM, decoded.AltitudeM, 0.01)
	assert.InDelta(t, original.SpeedMps, decoded.SpeedMps, 0.1)
	assert.InDelta(t, original.HeadingDeg, decoded.HeadingDeg, 0.01)
	assert.InDelta(t, original.HDOP, decoded.HDOP, 0.1)
}

func TestCodec_WireSizeUnderBudget(t *testing.T) {
	wire := telemetry.Encode(sampleReport())
	assert.Less(t, len(wire), 158, "full record should fit the transmit budget")
}

func TestCodec_EmptyReport(t *testing.T) {
	decoded, err := telemetry.Decode(telemetry.Encode(&telemetry.ContainerReport{}))
	require.NoError(t, err)
	assert.Equal(t, &telemetry.ContainerReport{}, decoded)
}

func TestCodec_AbsentFieldsDecodeToZeroValues(t *testing.T) {
	wire := telemetry.Encode(&telemetry.ContainerReport{ContainerID: "LMCU0000001"})
	decoded, err := telemetry.Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, "LMCU0000001", decoded.ContainerID)
	assert.Empty(t, decoded.SIMID)
	assert.Zero(t, decoded.BatteryPercent)
	assert.Zero(t, decoded.TemperatureC)
}

func TestCodec_DecodeTruncated(t *testing.T) {
	wire := telemetry.Encode(sampleReport())
	for _, cut := range []int{1, len(wire) - 3, len(wire) - 1} {
		_, err := telemetry.Decode(wire[:cut])
		assert.Error(t, err, "truncation at %d bytes should fail", cut)
	}
}

func TestCodec_DecodeGarbage(t *testing.T) {
	_, err := telemetry.Decode([]byte("not a telemetry record at all"))
	require.Error(t, err)

	var decodeErr *telemetry.DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestCodec_DecodeUnknownField(t *testing.T) {
	// Field 99 does not exist in the schema: tag (99<<3 | varint), value 1.
	_, err := telemetry.Decode([]byte{0x98, 0x06, 0x01})
	require.Error(t, err)

	var decodeErr *telemetry.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.EqualValues(t, 99, decodeErr.Field)
}

func TestCodec_DecodeWrongWireType(t *testing.T) {
	// Field 1 (sim id) is length-delimited; send it as a varint instead.
	_, err := telemetry.Decode([]byte{0x08, 0x01})
	require.Error(t, err)

	var decodeErr *telemetry.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.EqualValues(t, 1, decodeErr.Field)
}
