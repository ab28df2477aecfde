// Package mapping converts WHOOP API payloads into stored records.
//
// Score fields are only copied when the payload's score state is SCORED.
// Pending and unscorable records are stored with NULL score columns so that a
// later rescore, or a downgrade back to pending, replaces them in full.
package mapping

import (
	"strconv"
	"time"

	"whoop-sync/internal/database"
	"whoop-sync/internal/whoop"
)

func scoreState(state string) string {
	if state == "" {
		return database.ScoreStateScored
	}
	return state
}

func meta(whoopID, profileID, state string, created, updated time.Time) database.RecordMeta {
	m := database.RecordMeta{
		WhoopID:    whoopID,
		ProfileID:  profileID,
		ScoreState: scoreState(state),
	}
	if !created.IsZero() {
		m.WhoopCreatedAt = &created
	}
	if !updated.IsZero() {
		m.WhoopUpdatedAt = &updated
	}
	return m
}

func ptr[T any](v T) *T { return &v }

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CycleID is the stored external id of a cycle or its recovery
func CycleID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// Cycle maps a cycle
func Cycle(profileID string, c *whoop.Cycle) *database.Cycle {
	r := &database.Cycle{
		RecordMeta:     meta(CycleID(c.ID), profileID, c.ScoreState, c.CreatedAt, c.UpdatedAt),
		Start:          timePtr(c.Start),
		End:            c.End,
		TimezoneOffset: stringPtr(c.TimezoneOffset),
	}
	if s, ok := c.Scored().Get(); ok {
		r.Strain = ptr(s.Strain)
		r.Kilojoule = ptr(s.Kilojoule)
		r.AverageHeartRate = ptr(s.AverageHeartRate)
		r.MaxHeartRate = ptr(s.MaxHeartRate)
	}
	return r
}

// Recovery maps a recovery. Recoveries are keyed by their cycle id.
func Recovery(profileID string, rec *whoop.Recovery) *database.Recovery {
	r := &database.Recovery{
		RecordMeta: meta(CycleID(rec.CycleID), profileID, rec.ScoreState, rec.CreatedAt, rec.UpdatedAt),
		CycleID:    ptr(rec.CycleID),
		SleepID:    stringPtr(rec.SleepID),
	}
	if s, ok := rec.Scored().Get(); ok {
		r.UserCalibrating = ptr(s.UserCalibrating)
		r.RecoveryScore = ptr(s.RecoveryScore)
		r.RestingHeartRate = ptr(s.RestingHeartRate)
		r.HRVRmssdMilli = ptr(s.HRVRmssdMilli)
		r.SpO2Percentage = s.SpO2Percentage
		r.SkinTempCelsius = s.SkinTempCelsius
	}
	return r
}

// Sleep maps a sleep or nap
func Sleep(profileID string, sl *whoop.Sleep) *database.Sleep {
	r := &database.Sleep{
		RecordMeta:     meta(sl.ID, profileID, sl.ScoreState, sl.CreatedAt, sl.UpdatedAt),
		Nap:            ptr(sl.Nap),
		Start:          timePtr(sl.Start),
		End:            timePtr(sl.End),
		TimezoneOffset: stringPtr(sl.TimezoneOffset),
	}
	if sl.CycleID != 0 {
		r.CycleID = ptr(sl.CycleID)
	}
	if s, ok := sl.Scored().Get(); ok {
		st := s.StageSummary
		r.TotalInBedMilli = ptr(st.TotalInBedTimeMilli)
		r.TotalAwakeMilli = ptr(st.TotalAwakeTimeMilli)
		r.TotalNoDataMilli = ptr(st.TotalNoDataTimeMilli)
		r.TotalLightSleepMilli = ptr(st.TotalLightSleepTimeMilli)
		r.TotalSlowWaveSleepMilli = ptr(st.TotalSlowWaveSleepTimeMilli)
		r.TotalRemSleepMilli = ptr(st.TotalRemSleepTimeMilli)
		r.SleepCycleCount = ptr(st.SleepCycleCount)
		r.DisturbanceCount = ptr(st.DisturbanceCount)
		r.SleepNeedBaselineMilli = ptr(s.SleepNeeded.BaselineMilli)
		r.RespiratoryRate = s.RespiratoryRate
		r.SleepPerformancePercentage = s.SleepPerformancePercentage
		r.SleepConsistencyPercentage = s.SleepConsistencyPercentage
		r.SleepEfficiencyPercentage = s.SleepEfficiencyPercentage
	}
	return r
}

// Workout maps a workout
func Workout(profileID string, w *whoop.Workout) *database.Workout {
	r := &database.Workout{
		RecordMeta:     meta(w.ID, profileID, w.ScoreState, w.CreatedAt, w.UpdatedAt),
		SportName:      stringPtr(w.SportName),
		Start:          timePtr(w.Start),
		End:            timePtr(w.End),
		TimezoneOffset: stringPtr(w.TimezoneOffset),
	}
	if s, ok := w.Scored().Get(); ok {
		r.Strain = ptr(s.Strain)
		r.AverageHeartRate = ptr(s.AverageHeartRate)
		r.MaxHeartRate = ptr(s.MaxHeartRate)
		r.Kilojoule = ptr(s.Kilojoule)
		r.PercentRecorded = ptr(s.PercentRecorded)
		r.DistanceMeter = s.DistanceMeter
		r.AltitudeGainMeter = s.AltitudeGainMeter
		r.AltitudeChangeMeter = s.AltitudeChangeMeter
		z := s.ZoneDurations
		r.ZoneZeroMilli = ptr(z.ZoneZeroMilli)
		r.ZoneOneMilli = ptr(z.ZoneOneMilli)
		r.ZoneTwoMilli = ptr(z.ZoneTwoMilli)
		r.ZoneThreeMilli = ptr(z.ZoneThreeMilli)
		r.ZoneFourMilli = ptr(z.ZoneFourMilli)
		r.ZoneFiveMilli = ptr(z.ZoneFiveMilli)
	}
	return r
}

// BodyMeasurement maps the body snapshot. There is one per WHOOP user, keyed
// by the user id.
func BodyMeasurement(profileID string, whoopUserID int64, b *whoop.BodyMeasurement) *database.BodyMeasurement {
	return &database.BodyMeasurement{
		RecordMeta:     meta(strconv.FormatInt(whoopUserID, 10), profileID, database.ScoreStateScored, time.Time{}, time.Time{}),
		HeightMeter:    ptr(b.HeightMeter),
		WeightKilogram: ptr(b.WeightKilogram),
		MaxHeartRate:   ptr(b.MaxHeartRate),
	}
}
