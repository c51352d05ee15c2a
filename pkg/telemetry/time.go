package telemetry

import "time"

// TimeLayout is the unit's native timestamp format: day-month-year, a
// space, then hours-minutes-seconds with one fractional digit.
const TimeLayout = "020106 150405.0"

// RecordedAt parses the report's time text as UTC. Units in the field
// occasionally ship garbage timestamps; those fall back to the given time
// (normally the receive time) so the record still gets a stable row key.
func (r *ContainerReport) RecordedAt(fallback time.Time) time.Time {
	t, err := time.Parse(TimeLayout, r.Time)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
