package telemetry

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ====================================================================================
// Wire codec for container telemetry records. The wire form is a
// protobuf-compatible length-delimited message with a fixed, numbered field
// schema: strings as length-delimited bytes, integers as varints, floats
// as fixed32. A full record serializes to well under 158 bytes, the
// transmit budget of the unit's satellite modem.
// ====================================================================================

// Field numbers of the wire schema. The numbering is part of the contract
// with deployed units and must never be reordered.
const (
	fieldSIMID          = 1
	fieldContainerID    = 2
	fieldTime           = 3
	fieldSignalStrength = 4
	fieldCellID         = 5
	fieldBLENode        = 6
	fieldBatteryPercent = 7
	fieldAccelX         = 8
	fieldAccelY         = 9
	fieldAccelZ         = 10
	fieldTemperature    = 11
	fieldHumidity       = 12
	fieldPressure       = 13
	fieldDoorStatus     = 14
	fieldGNSSStatus     = 15
	fieldLatitude       = 16
	fieldLongitude      = 17
	fieldAltitude       = 18
	fieldSpeed          = 19
	fieldHeading        = 20
	fieldSatelliteCount = 21
	fieldHDOP           = 22
)

// DecodeError reports malformed, truncated or schema-mismatched wire data.
type DecodeError struct {
	Field  protowire.Number // 0 when the failure precedes field identification
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field > 0 {
		return fmt.Sprintf("telemetry: decode field %d: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("telemetry: decode: %s", e.Reason)
}

// Encode serializes a report to its wire form. Zero-valued fields are
// omitted, matching proto3 presence semantics: an absent string decodes to
// "" and an absent number to 0.
func Encode(r *ContainerReport) []byte {
	// A full record is ~140 bytes; one allocation covers it.
	b := make([]byte, 0, 160)
	b = appendStringField(b, fieldSIMID, r.SIMID)
	b = appendStringField(b, fieldContainerID, r.ContainerID)
	b = appendStringField(b, fieldTime, r.Time)
	b = appendIntField(b, fieldSignalStrength, r.SignalStrength)
	b = appendStringField(b, fieldCellID, r.CellID)
	b = appendIntField(b, fieldBLENode, r.BLENode)
	b = appendIntField(b, fieldBatteryPercent, r.BatteryPercent)
	b = appendFloatField(b, fieldAccelX, r.AccelX)
	b = appendFloatField(b, fieldAccelY, r.AccelY)
	b = appendFloatField(b, fieldAccelZ, r.AccelZ)
	b = appendFloatField(b, fieldTemperature, r.TemperatureC)
	b = appendFloatField(b, fieldHumidity, r.HumidityPct)
	b = appendFloatField(b, fieldPressure, r.PressureHPa)
	b = appendStringField(b, fieldDoorStatus, r.DoorStatus)
	b = appendIntField(b, fieldGNSSStatus, r.GNSSStatus)
	b = appendFloatField(b, fieldLatitude, r.Latitude)
	b = appendFloatField(b, fieldLongitude, r.Longitude)
	b = appendFloatField(b, fieldAltitude, r.AltitudeM)
	b = appendFloatField(b, fieldSpeed, r.SpeedMps)
	b = appendFloatField(b, fieldHeading, r.HeadingDeg)
	b = appendIntField(b, fieldSatelliteCount, r.SatelliteCount)
	b = appendFloatField(b, fieldHDOP, r.HDOP)
	return b
}

// Decode parses wire data back into a report. Unknown field numbers are a
// schema mismatch, not skippable extensions: the schema is fixed and the
// units transmit nothing else.
func Decode(data []byte) (*ContainerReport, error) {
	r := &ContainerReport{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, &DecodeError{Reason: "malformed tag"}
		}
		data = data[n:]

		switch num {
		case fieldSIMID, fieldContainerID, fieldTime, fieldCellID, fieldDoorStatus:
			s, n, err := consumeStringField(num, typ, data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			switch num {
			case fieldSIMID:
				r.SIMID = s
			case fieldContainerID:
				r.ContainerID = s
			case fieldTime:
				r.Time = s
			case fieldCellID:
				r.CellID = s
			case fieldDoorStatus:
				r.DoorStatus = s
			}

		case fieldSignalStrength, fieldBLENode, fieldBatteryPercent, fieldGNSSStatus, fieldSatelliteCount:
			v, n, err := consumeIntField(num, typ, data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			switch num {
			case fieldSignalStrength:
				r.SignalStrength = v
			case fieldBLENode:
				r.BLENode = v
			case fieldBatteryPercent:
				r.BatteryPercent = v
			case fieldGNSSStatus:
				r.GNSSStatus = v
			case fieldSatelliteCount:
				r.SatelliteCount = v
			}

		case fieldAccelX, fieldAccelY, fieldAccelZ, fieldTemperature, fieldHumidity,
			fieldPressure, fieldLatitude, fieldLongitude, fieldAltitude, fieldSpeed,
			fieldHeading, fieldHDOP:
			v, n, err := consumeFloatField(num, typ, data)
			if err != nil {
				return nil, err
			}
			data = data[n:]
			switch num {
			case fieldAccelX:
				r.AccelX = v
			case fieldAccelY:
				r.AccelY = v
			case fieldAccelZ:
				r.AccelZ = v
			case fieldTemperature:
				r.TemperatureC = v
			case fieldHumidity:
				r.HumidityPct = v
			case fieldPressure:
				r.PressureHPa = v
			case fieldLatitude:
				r.Latitude = v
			case fieldLongitude:
				r.Longitude = v
			case fieldAltitude:
				r.AltitudeM = v
			case fieldSpeed:
				r.SpeedMps = v
			case fieldHeading:
				r.HeadingDeg = v
			case fieldHDOP:
				r.HDOP = v
			}

		default:
			return nil, &DecodeError{Field: num, Reason: "unknown field number"}
		}
	}
	return r, nil
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendIntField(b []byte, num protowire.Number, v int) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(int64(v)))
}

func appendFloatField(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(float32(v)))
}

func consumeStringField(num protowire.Number, typ protowire.Type, data []byte) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, &DecodeError{Field: num, Reason: "expected length-delimited field"}
	}
	s, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", 0, &DecodeError{Field: num, Reason: "truncated string"}
	}
	return s, n, nil
}

func consumeIntField(num protowire.Number, typ protowire.Type, data []byte) (int, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, &DecodeError{Field: num, Reason: "expected varint field"}
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, &DecodeError{Field: num, Reason: "truncated varint"}
	}
	return int(int64(v)), n, nil
}

func consumeFloatField(num protowire.Number, typ protowire.Type, data []byte) (float64, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, &DecodeError{Field: num, Reason: "expected fixed32 field"}
	}
	v, n := protowire.ConsumeFixed32(data)
	if n < 0 {
		return 0, 0, &DecodeError{Field: num, Reason: "truncated fixed32"}
	}
	return float64(math.Float32frombits(v)), n, nil
}
