package rproc

import (
	"fmt"
	"time"
)

// TimestampID renders the merge-table suffix: seconds-of-epoch modulo
// 10000 followed by the microsecond remainder, zero-padded.
func TimestampID(now time.Time) string {
	return fmt.Sprintf("%04d%06d", now.Unix()%10000, now.Nanosecond()/1000)
}

// MergeTableName builds the default merge-table name
// "<targetDb>.result_<timestampId>" used when the caller did not
// supply one.
func MergeTableName(targetDb string, now time.Time) string {
	return fmt.Sprintf("%s.result_%s", targetDb, TimestampID(now))
}
