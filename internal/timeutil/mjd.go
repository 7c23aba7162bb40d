package timeutil

import "math"

// MJD day number of the Unix epoch: MJD 40587 is 1970-01-01 00:00:00 UTC.
const mjdUnixEpochDay = 40587

// MJD holds a Modified Julian Date split into integer day, integer second of
// day and fractional second, the encoding used in GUPPI raw headers
// (STT_IMJD, STT_SMJD, STT_OFFS).
type MJD struct {
	Day  int64
	Sec  int64
	Offs float64
}

// UnixToMJD converts a Unix timestamp (seconds, possibly fractional) to MJD.
func UnixToMJD(unixSecs float64) MJD {
	whole, frac := math.Modf(unixSecs)
	if frac < 0 {
		whole--
		frac++
	}
	secs := int64(whole)
	day := secs/86400 + mjdUnixEpochDay
	sod := secs % 86400
	if sod < 0 {
		sod += 86400
		day--
	}
	return MJD{Day: day, Sec: sod, Offs: frac}
}

// Unix converts an MJD back to Unix seconds.
func (m MJD) Unix() float64 {
	return float64((m.Day-mjdUnixEpochDay)*86400+m.Sec) + m.Offs
}
