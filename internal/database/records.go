package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"whoop-sync/internal/metrics"
)

// Kind names one of the five synced record domains
type Kind string

const (
	KindRecovery        Kind = "recovery"
	KindCycle           Kind = "cycle"
	KindSleep           Kind = "sleep"
	KindWorkout         Kind = "workout"
	KindBodyMeasurement Kind = "body_measurement"
)

// Kinds lists every record kind in sync order
var Kinds = []Kind{KindRecovery, KindCycle, KindSleep, KindWorkout, KindBodyMeasurement}

// ParseKind accepts the singular kind name
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Score states reported by WHOOP
const (
	ScoreStateScored     = "SCORED"
	ScoreStatePending    = "PENDING_SCORE"
	ScoreStateUnscorable = "UNSCORABLE"
)

// RecordMeta holds the columns shared by every domain record
type RecordMeta struct {
	ID             string     `json:"id"`
	WhoopID        string     `json:"whoop_id"`
	ProfileID      string     `json:"profile_id"`
	ScoreState     string     `json:"score_state"`
	WhoopCreatedAt *time.Time `json:"whoop_created_at,omitempty"`
	WhoopUpdatedAt *time.Time `json:"whoop_updated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Meta gives access to the shared columns of any record
func (m *RecordMeta) Meta() *RecordMeta { return m }

// Record is a persisted domain record. The column list returned by fields is
// the single source for inserts, updates and reads of its table.
type Record interface {
	Kind() Kind
	Meta() *RecordMeta
	fields() []field
}

type field struct {
	name string
	ptr  any
}

// Cycle is a physiological day
type Cycle struct {
	RecordMeta
	Start            *time.Time `json:"start,omitempty"`
	End              *time.Time `json:"end,omitempty"`
	TimezoneOffset   *string    `json:"timezone_offset,omitempty"`
	Strain           *float64   `json:"strain"`
	Kilojoule        *float64   `json:"kilojoule"`
	AverageHeartRate *int64     `json:"average_heart_rate"`
	MaxHeartRate     *int64     `json:"max_heart_rate"`
}

func (r *Cycle) Kind() Kind { return KindCycle }

func (r *Cycle) fields() []field {
	return []field{
		{"start_time", &r.Start},
		{"end_time", &r.End},
		{"timezone_offset", &r.TimezoneOffset},
		{"strain", &r.Strain},
		{"kilojoule", &r.Kilojoule},
		{"average_heart_rate", &r.AverageHeartRate},
		{"max_heart_rate", &r.MaxHeartRate},
	}
}

// Recovery is keyed by the cycle it belongs to
type Recovery struct {
	RecordMeta
	CycleID          *int64   `json:"cycle_id"`
	SleepID          *string  `json:"sleep_id"`
	UserCalibrating  *bool    `json:"user_calibrating"`
	RecoveryScore    *float64 `json:"recovery_score"`
	RestingHeartRate *float64 `json:"resting_heart_rate"`
	HRVRmssdMilli    *float64 `json:"hrv_rmssd_milli"`
	SpO2Percentage   *float64 `json:"spo2_percentage"`
	SkinTempCelsius  *float64 `json:"skin_temp_celsius"`
}

func (r *Recovery) Kind() Kind { return KindRecovery }

func (r *Recovery) fields() []field {
	return []field{
		{"cycle_id", &r.CycleID},
		{"sleep_id", &r.SleepID},
		{"user_calibrating", &r.UserCalibrating},
		{"recovery_score", &r.RecoveryScore},
		{"resting_heart_rate", &r.RestingHeartRate},
		{"hrv_rmssd_milli", &r.HRVRmssdMilli},
		{"spo2_percentage", &r.SpO2Percentage},
		{"skin_temp_celsius", &r.SkinTempCelsius},
	}
}

// Sleep is a sleep or nap activity
type Sleep struct {
	RecordMeta
	CycleID                    *int64     `json:"cycle_id"`
	Nap                        *bool      `json:"nap"`
	Start                      *time.Time `json:"start,omitempty"`
	End                        *time.Time `json:"end,omitempty"`
	TimezoneOffset             *string    `json:"timezone_offset,omitempty"`
	TotalInBedMilli            *int64     `json:"total_in_bed_time_milli"`
	TotalAwakeMilli            *int64     `json:"total_awake_time_milli"`
	TotalNoDataMilli           *int64     `json:"total_no_data_time_milli"`
	TotalLightSleepMilli       *int64     `json:"total_light_sleep_time_milli"`
	TotalSlowWaveSleepMilli    *int64     `json:"total_slow_wave_sleep_time_milli"`
	TotalRemSleepMilli         *int64     `json:"total_rem_sleep_time_milli"`
	SleepCycleCount            *int64     `json:"sleep_cycle_count"`
	DisturbanceCount           *int64     `json:"disturbance_count"`
	SleepNeedBaselineMilli     *int64     `json:"sleep_need_baseline_milli"`
	RespiratoryRate            *float64   `json:"respiratory_rate"`
	SleepPerformancePercentage *float64   `json:"sleep_performance_percentage"`
	SleepConsistencyPercentage *float64   `json:"sleep_consistency_percentage"`
	SleepEfficiencyPercentage  *float64   `json:"sleep_efficiency_percentage"`
}

func (r *Sleep) Kind() Kind { return KindSleep }

func (r *Sleep) fields() []field {
	return []field{
		{"cycle_id", &r.CycleID},
		{"nap", &r.Nap},
		{"start_time", &r.Start},
		{"end_time", &r.End},
		{"timezone_offset", &r.TimezoneOffset},
		{"total_in_bed_milli", &r.TotalInBedMilli},
		{"total_awake_milli", &r.TotalAwakeMilli},
		{"total_no_data_milli", &r.TotalNoDataMilli},
		{"total_light_sleep_milli", &r.TotalLightSleepMilli},
		{"total_slow_wave_sleep_milli", &r.TotalSlowWaveSleepMilli},
		{"total_rem_sleep_milli", &r.TotalRemSleepMilli},
		{"sleep_cycle_count", &r.SleepCycleCount},
		{"disturbance_count", &r.DisturbanceCount},
		{"sleep_need_baseline_milli", &r.SleepNeedBaselineMilli},
		{"respiratory_rate", &r.RespiratoryRate},
		{"sleep_performance_percentage", &r.SleepPerformancePercentage},
		{"sleep_consistency_percentage", &r.SleepConsistencyPercentage},
		{"sleep_efficiency_percentage", &r.SleepEfficiencyPercentage},
	}
}

// Workout is a recorded activity
type Workout struct {
	RecordMeta
	SportName           *string    `json:"sport_name"`
	Start               *time.Time `json:"start,omitempty"`
	End                 *time.Time `json:"end,omitempty"`
	TimezoneOffset      *string    `json:"timezone_offset,omitempty"`
	Strain              *float64   `json:"strain"`
	AverageHeartRate    *int64     `json:"average_heart_rate"`
	MaxHeartRate        *int64     `json:"max_heart_rate"`
	Kilojoule           *float64   `json:"kilojoule"`
	PercentRecorded     *float64   `json:"percent_recorded"`
	DistanceMeter       *float64   `json:"distance_meter"`
	AltitudeGainMeter   *float64   `json:"altitude_gain_meter"`
	AltitudeChangeMeter *float64   `json:"altitude_change_meter"`
	ZoneZeroMilli       *int64     `json:"zone_zero_milli"`
	ZoneOneMilli        *int64     `json:"zone_one_milli"`
	ZoneTwoMilli        *int64     `json:"zone_two_milli"`
	ZoneThreeMilli      *int64     `json:"zone_three_milli"`
	ZoneFourMilli       *int64     `json:"zone_four_milli"`
	ZoneFiveMilli       *int64     `json:"zone_five_milli"`
}

func (r *Workout) Kind() Kind { return KindWorkout }

func (r *Workout) fields() []field {
	return []field{
		{"sport_name", &r.SportName},
		{"start_time", &r.Start},
		{"end_time", &r.End},
		{"timezone_offset", &r.TimezoneOffset},
		{"strain", &r.Strain},
		{"average_heart_rate", &r.AverageHeartRate},
		{"max_heart_rate", &r.MaxHeartRate},
		{"kilojoule", &r.Kilojoule},
		{"percent_recorded", &r.PercentRecorded},
		{"distance_meter", &r.DistanceMeter},
		{"altitude_gain_meter", &r.AltitudeGainMeter},
		{"altitude_change_meter", &r.AltitudeChangeMeter},
		{"zone_zero_milli", &r.ZoneZeroMilli},
		{"zone_one_milli", &r.ZoneOneMilli},
		{"zone_two_milli", &r.ZoneTwoMilli},
		{"zone_three_milli", &r.ZoneThreeMilli},
		{"zone_four_milli", &r.ZoneFourMilli},
		{"zone_five_milli", &r.ZoneFiveMilli},
	}
}

// BodyMeasurement is the account's current body snapshot
type BodyMeasurement struct {
	RecordMeta
	HeightMeter    *float64 `json:"height_meter"`
	WeightKilogram *float64 `json:"weight_kilogram"`
	MaxHeartRate   *int64   `json:"max_heart_rate"`
}

func (r *BodyMeasurement) Kind() Kind { return KindBodyMeasurement }

func (r *BodyMeasurement) fields() []field {
	return []field{
		{"height_meter", &r.HeightMeter},
		{"weight_kilogram", &r.WeightKilogram},
		{"max_heart_rate", &r.MaxHeartRate},
	}
}

// NewRecord returns an empty record of the given kind
func NewRecord(kind Kind) Record {
	switch kind {
	case KindRecovery:
		return &Recovery{}
	case KindCycle:
		return &Cycle{}
	case KindSleep:
		return &Sleep{}
	case KindWorkout:
		return &Workout{}
	case KindBodyMeasurement:
		return &BodyMeasurement{}
	}
	return nil
}

// table holds the statements generated for one record kind
type table struct {
	name    string
	columns []string
	upsert  string
	sel     string
}

var tables = buildTables()

func tableName(kind Kind) string {
	switch kind {
	case KindRecovery:
		return "recoveries"
	case KindCycle:
		return "cycles"
	case KindSleep:
		return "sleeps"
	case KindWorkout:
		return "workouts"
	case KindBodyMeasurement:
		return "body_measurements"
	}
	return ""
}

func buildTables() map[Kind]*table {
	out := make(map[Kind]*table, len(Kinds))
	for _, kind := range Kinds {
		rec := NewRecord(kind)
		cols := make([]string, 0, 16)
		for _, f := range allFields(rec) {
			cols = append(cols, f.name)
		}

		// Everything but identity, parent and local creation time is replaced
		var set []string
		for _, c := range cols {
			switch c {
			case "id", "whoop_id", "profile_id", "created_at":
				continue
			}
			set = append(set, fmt.Sprintf("%s = excluded.%s", c, c))
		}

		name := tableName(kind)
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		out[kind] = &table{
			name:    name,
			columns: cols,
			upsert: fmt.Sprintf(
				"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (whoop_id) DO UPDATE SET %s RETURNING id, profile_id, created_at",
				name, strings.Join(cols, ", "), placeholders, strings.Join(set, ", "),
			),
			sel: fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), name),
		}
	}
	return out
}

func allFields(r Record) []field {
	m := r.Meta()
	head := []field{
		{"id", &m.ID},
		{"whoop_id", &m.WhoopID},
		{"profile_id", &m.ProfileID},
		{"score_state", &m.ScoreState},
	}
	tail := []field{
		{"whoop_created_at", &m.WhoopCreatedAt},
		{"whoop_updated_at", &m.WhoopUpdatedAt},
		{"created_at", &m.CreatedAt},
		{"updated_at", &m.UpdatedAt},
	}
	out := append(head, r.fields()...)
	return append(out, tail...)
}

// UpsertRecord inserts the record or replaces every mutable column of the
// existing row with the same whoop_id. Unset optional fields overwrite stored
// values with NULL. On return the record's ID, ProfileID and CreatedAt reflect
// the stored row.
func (d *DB) UpsertRecord(ctx context.Context, r Record) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertRecord))
	defer timer.ObserveDuration()

	t, ok := tables[r.Kind()]
	if !ok {
		return fmt.Errorf("unknown record kind %q", r.Kind())
	}

	m := r.Meta()
	if m.WhoopID == "" || m.ProfileID == "" {
		return fmt.Errorf("%s record requires whoop_id and profile_id", r.Kind())
	}
	if m.ScoreState == "" {
		m.ScoreState = ScoreStateScored
	}
	now := time.Now()
	m.ID = uuid.Must(uuid.NewV7()).String()
	m.CreatedAt = now
	m.UpdatedAt = now

	fields := allFields(r)
	args := make([]any, len(fields))
	for i, f := range fields {
		args[i] = columnValue(f.ptr)
	}

	var createdAt int64
	err := d.queryRow(ctx, t.upsert, args...).Scan(&m.ID, &m.ProfileID, &createdAt)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpUpsertRecord).Inc()
		return fail("upsert "+string(r.Kind()), err)
	}
	m.CreatedAt = time.Unix(createdAt, 0)

	return nil
}

// FindRecord looks up a record by its WHOOP id. Returns nil if not found.
func (d *DB) FindRecord(ctx context.Context, kind Kind, whoopID string) (Record, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpFindRecord))
	defer timer.ObserveDuration()

	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	rec := NewRecord(kind)
	err := d.queryRow(ctx, t.sel+" WHERE whoop_id = ?", whoopID).Scan(scanTargets(rec)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpFindRecord).Inc()
		return nil, fail("find "+string(kind), err)
	}
	return rec, nil
}

// ListRecords returns a profile's records ordered by local id, starting after
// the given cursor id
func (d *DB) ListRecords(ctx context.Context, kind Kind, profileID, after string, limit int) ([]Record, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListRecords))
	defer timer.ObserveDuration()

	t, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}

	rows, err := d.query(ctx, t.sel+" WHERE profile_id = ? AND id > ? ORDER BY id ASC LIMIT ?", profileID, after, limit)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpListRecords).Inc()
		return nil, fail("list "+string(kind), err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec := NewRecord(kind)
		if err := rows.Scan(scanTargets(rec)...); err != nil {
			return nil, fail("scan "+string(kind), err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("iterate "+string(kind), err)
	}

	return out, nil
}

// CountRecords returns how many records of a kind a profile has
func (d *DB) CountRecords(ctx context.Context, kind Kind, profileID string) (int, error) {
	t, ok := tables[kind]
	if !ok {
		return 0, fmt.Errorf("unknown record kind %q", kind)
	}

	var n int
	if err := d.queryRow(ctx, "SELECT COUNT(*) FROM "+t.name+" WHERE profile_id = ?", profileID).Scan(&n); err != nil {
		return 0, fail("count "+string(kind), err)
	}
	return n, nil
}

// DeleteRecord removes a record by WHOOP id. Reports whether a row was removed.
func (d *DB) DeleteRecord(ctx context.Context, kind Kind, whoopID string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteRecord))
	defer timer.ObserveDuration()

	t, ok := tables[kind]
	if !ok {
		return false, fmt.Errorf("unknown record kind %q", kind)
	}

	res, err := d.exec(ctx, "DELETE FROM "+t.name+" WHERE whoop_id = ?", whoopID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteRecord).Inc()
		return false, fail("delete "+string(kind), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("get rows affected", err)
	}
	return n > 0, nil
}

// DeleteRecordsByProfile removes every record of a kind owned by a profile
func (d *DB) DeleteRecordsByProfile(ctx context.Context, kind Kind, profileID string) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteRecordsByProfile))
	defer timer.ObserveDuration()

	t, ok := tables[kind]
	if !ok {
		return 0, fmt.Errorf("unknown record kind %q", kind)
	}

	res, err := d.exec(ctx, "DELETE FROM "+t.name+" WHERE profile_id = ?", profileID)
	if err != nil {
		metrics.DBOperationErrorsTotal.WithLabelValues(metrics.DBOpDeleteRecordsByProfile).Inc()
		return 0, fail("delete "+string(kind)+" records", err)
	}
	return res.RowsAffected()
}

// columnValue converts a field pointer into a driver value. Times are stored
// as unix seconds and nil pointers become NULL.
func columnValue(ptr any) any {
	switch p := ptr.(type) {
	case *string:
		return *p
	case **string:
		if *p == nil {
			return nil
		}
		return **p
	case **int64:
		if *p == nil {
			return nil
		}
		return **p
	case **float64:
		if *p == nil {
			return nil
		}
		return **p
	case **bool:
		if *p == nil {
			return nil
		}
		return **p
	case *time.Time:
		return p.Unix()
	case **time.Time:
		return unixOrNil(*p)
	}
	panic(fmt.Sprintf("database: unsupported column type %T", ptr))
}

func scanTargets(r Record) []any {
	fields := allFields(r)
	out := make([]any, len(fields))
	for i, f := range fields {
		switch p := f.ptr.(type) {
		case *time.Time:
			out[i] = &unixTime{dst: p}
		case **time.Time:
			out[i] = &nullUnixTime{dst: p}
		default:
			out[i] = f.ptr
		}
	}
	return out
}

// unixTime scans a unix-seconds column into a time.Time
type unixTime struct{ dst *time.Time }

func (u *unixTime) Scan(src any) error {
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("unexpected time column type %T", src)
	}
	*u.dst = time.Unix(v, 0)
	return nil
}

// nullUnixTime scans a nullable unix-seconds column into a *time.Time
type nullUnixTime struct{ dst **time.Time }

func (u *nullUnixTime) Scan(src any) error {
	if src == nil {
		*u.dst = nil
		return nil
	}
	v, ok := src.(int64)
	if !ok {
		return fmt.Errorf("unexpected time column type %T", src)
	}
	t := time.Unix(v, 0)
	*u.dst = &t
	return nil
}
