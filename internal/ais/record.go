// Package ais models one cleaned AIS position report and validates raw CSV
// rows against the fixed 17-column layout of the ais_clean table.
package ais

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the timestamp format used in the raw message files.
const TimeLayout = "2006-01-02 15:04:05"

// Columns is the canonical ais_clean column order. Raw files carry exactly
// these fields; the Load stage copies them in this order.
var Columns = []string{
	"mmsi", "time", "message_id", "navigational_status", "sog",
	"longitude", "latitude", "cog", "heading", "imo", "draught",
	"destination", "vessel_name",
	"eta_month", "eta_day", "eta_hour", "eta_minute",
}

// Record is one validated position report. Optional fields keep their raw
// string form; static-voyage messages legitimately leave the kinematic
// fields empty.
type Record struct {
	MMSI               string
	Time               string
	MessageID          string
	NavigationalStatus string
	SOG                string
	Longitude          string
	Latitude           string
	COG                string
	Heading            string
	IMO                string
	Draught            string
	Destination        string
	VesselName         string
	ETAMonth           string
	ETADay             string
	ETAHour            string
	ETAMinute          string
}

// ParseRow validates one raw CSV row and returns the record. The row must
// have exactly len(Columns) fields, a numeric MMSI, a parseable timestamp, a
// numeric message id, and in-range coordinates when present.
func ParseRow(row []string) (Record, error) {
	if len(row) != len(Columns) {
		return Record{}, fmt.Errorf("expected %d fields, got %d", len(Columns), len(row))
	}
	for i := range row {
		row[i] = strings.TrimSpace(row[i])
	}

	r := Record{
		MMSI: row[0], Time: row[1], MessageID: row[2], NavigationalStatus: row[3],
		SOG: row[4], Longitude: row[5], Latitude: row[6], COG: row[7],
		Heading: row[8], IMO: row[9], Draught: row[10], Destination: row[11],
		VesselName: row[12], ETAMonth: row[13], ETADay: row[14],
		ETAHour: row[15], ETAMinute: row[16],
	}

	if r.MMSI == "" {
		return Record{}, fmt.Errorf("empty mmsi")
	}
	if _, err := strconv.ParseUint(r.MMSI, 10, 64); err != nil {
		return Record{}, fmt.Errorf("mmsi %q is not numeric", r.MMSI)
	}
	if _, err := time.Parse(TimeLayout, r.Time); err != nil {
		return Record{}, fmt.Errorf("time %q: %w", r.Time, err)
	}
	if _, err := strconv.Atoi(r.MessageID); err != nil {
		return Record{}, fmt.Errorf("message_id %q is not numeric", r.MessageID)
	}
	if err := checkRange(r.Longitude, -180, 180, "longitude"); err != nil {
		return Record{}, err
	}
	if err := checkRange(r.Latitude, -90, 90, "latitude"); err != nil {
		return Record{}, err
	}
	return r, nil
}

func checkRange(raw string, min, max float64, name string) error {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%s %q is not numeric", name, raw)
	}
	if v < min || v > max {
		return fmt.Errorf("%s %v out of range [%v, %v]", name, v, min, max)
	}
	return nil
}

// Row returns the record's fields in canonical column order.
func (r Record) Row() []string {
	return []string{
		r.MMSI, r.Time, r.MessageID, r.NavigationalStatus, r.SOG,
		r.Longitude, r.Latitude, r.COG, r.Heading, r.IMO, r.Draught,
		r.Destination, r.VesselName,
		r.ETAMonth, r.ETADay, r.ETAHour, r.ETAMinute,
	}
}

// NaturalKey identifies the semantic position report for deduplication and
// for the load upsert: vessel, timestamp, and reported position. Reports
// from multiple receivers with identical fixes collapse to one row.
func (r Record) NaturalKey() string {
	return strings.Join([]string{r.MMSI, r.Time, r.Longitude, r.Latitude}, "|")
}
