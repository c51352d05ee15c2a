package telemetry

import (
	"fmt"
	"strconv"
)

// ContainerReport is one decoded sensor record from a container tracking
// unit. It is immutable once decoded; downstream components copy it rather
// than mutate it.
type ContainerReport struct {
	SIMID          string  // msisdn of the unit's SIM
	ContainerID    string  // ISO 6346 owner code + serial
	Time           string  // UTC time as sent by the unit, "DDMMYY hhmmss.s"
	SignalStrength int     // RSSI, dBm
	CellID         string  // CGI of the serving cell
	BLENode        int     // BLE source node
	BatteryPercent int     // state of charge, percent
	AccelX         float64 // accelerometer, mg
	AccelY         float64
	AccelZ         float64
	TemperatureC   float64
	HumidityPct    float64
	PressureHPa    float64
	DoorStatus     string // D, O, C or T
	GNSSStatus     int
	Latitude       float64 // decimal degrees
	Longitude      float64
	AltitudeM      float64
	SpeedMps       float64
	HeadingDeg     float64
	SatelliteCount int
	HDOP           float64
}

// Document is the textual reconstruction of a report in the unit's native
// field format. String fields pass through verbatim; numeric fields carry
// the unit's fixed decimal precision. This is the shape forwarded to the
// external consumer and served to the dashboard.
type Document struct {
	SIMID          string `json:"msisdn"`
	ContainerID    string `json:"iso6346"`
	Time           string `json:"time"`
	SignalStrength string `json:"rssi"`
	CellID         string `json:"cgi"`
	BLENode        string `json:"ble_m"`
	BatteryPercent string `json:"bat_soc"`
	AccelX         string `json:"acc_x"`
	AccelY         string `json:"acc_y"`
	AccelZ         string `json:"acc_z"`
	Temperature    string `json:"temperature"`
	Humidity       string `json:"humidity"`
	Pressure       string `json:"pressure"`
	DoorStatus     string `json:"door"`
	GNSSStatus     string `json:"gnss"`
	Latitude       string `json:"latitude"`
	Longitude      string `json:"longitude"`
	Altitude       string `json:"altitude"`
	Speed          string `json:"speed"`
	Heading        string `json:"heading"`
	SatelliteCount string `json:"nsat"`
	HDOP           string `json:"hdop"`
}

// Document renders the report with the unit's native precision per field:
// accelerometer and pressure at 4 decimals, speed and HDOP at 1, everything
// else at 2. The satellite count is zero-padded to two digits.
func (r *ContainerReport) Document() Document {
	return Document{
		SIMID:          r.SIMID,
		ContainerID:    r.ContainerID,
		Time:           r.Time,
		SignalStrength: strconv.Itoa(r.SignalStrength),
		CellID:         r.CellID,
		BLENode:        strconv.Itoa(r.BLENode),
		BatteryPercent: strconv.Itoa(r.BatteryPercent),
		AccelX:         formatFloat(r.AccelX, 4),
		AccelY:         formatFloat(r.AccelY, 4),
		AccelZ:         formatFloat(r.AccelZ, 4),
		Temperature:    formatFloat(r.TemperatureC, 2),
		Humidity:       formatFloat(r.HumidityPct, 2),
		Pressure:       formatFloat(r.PressureHPa, 4),
		DoorStatus:     r.DoorStatus,
		GNSSStatus:     strconv.Itoa(r.GNSSStatus),
		Latitude:       formatFloat(r.Latitude, 2),
		Longitude:      formatFloat(r.Longitude, 2),
		Altitude:       formatFloat(r.AltitudeM, 2),
		Speed:          formatFloat(r.SpeedMps, 1),
		Heading:        formatFloat(r.HeadingDeg, 2),
		SatelliteCount: fmt.Sprintf("%02d", r.SatelliteCount),
		HDOP:           formatFloat(r.HDOP, 1),
	}
}

func formatFloat(v float64, decimals int) string {
	return strconv.FormatFloat(v, 'f', decimals, 64)
}
