package dataset

import (
	"fmt"
	"time"
)

// TemporalExprs carries the SQL fragments a temporal policy composes over:
// the staged row's merge action and duplication rank, the batch merge
// timestamp, and the matched target row's current temporal values (NULL for
// inserts).
type TemporalExprs struct {
	Action              string
	Rank                string
	MergeTS             string
	TargetEffectiveTime string
	TargetEndTime       string
}

// TemporalPolicy derives the three temporal columns of every staged row as
// SQL expressions. The engine's staging builder is policy-agnostic; swap the
// policy to change how validity intervals are stamped without touching the
// staging or merge logic.
type TemporalPolicy interface {
	EffectiveTime(e TemporalExprs) string
	EndTime(e TemporalExprs) string
	IsCurrent(e TemporalExprs) string
}

// DefaultTemporalPolicy stamps open rows with the batch timestamp and leaves
// their end time NULL. The close-old row of a UC change keeps its original
// effective time, takes the batch timestamp as its end time, and flips
// is_current off.
type DefaultTemporalPolicy struct{}

func (DefaultTemporalPolicy) EffectiveTime(e TemporalExprs) string {
	return fmt.Sprintf("CASE WHEN %s = '%s' AND %s = %d THEN %s ELSE COALESCE(%s, %s) END",
		e.Action, actionUpdateClose, e.Rank, rankOpenNew, e.MergeTS, e.TargetEffectiveTime, e.MergeTS)
}

func (DefaultTemporalPolicy) EndTime(e TemporalExprs) string {
	return fmt.Sprintf("CASE WHEN %s = '%s' AND %s = %d THEN %s ELSE %s END",
		e.Action, actionUpdateClose, e.Rank, rankCloseOld, e.MergeTS, e.TargetEndTime)
}

func (DefaultTemporalPolicy) IsCurrent(e TemporalExprs) string {
	return fmt.Sprintf("CASE WHEN %s = '%s' AND %s = %d THEN FALSE ELSE TRUE END",
		e.Action, actionUpdateClose, e.Rank, rankCloseOld)
}

// SentinelEndTimePolicy behaves like DefaultTemporalPolicy but stamps open
// rows with a fixed end-of-time sentinel instead of NULL, for targets whose
// consumers cannot range-scan over NULL end times.
type SentinelEndTimePolicy struct {
	EndOfTime time.Time
}

func (p SentinelEndTimePolicy) EffectiveTime(e TemporalExprs) string {
	return DefaultTemporalPolicy{}.EffectiveTime(e)
}

func (p SentinelEndTimePolicy) EndTime(e TemporalExprs) string {
	return fmt.Sprintf("COALESCE(%s, TIMESTAMPTZ '%s')",
		DefaultTemporalPolicy{}.EndTime(e), p.EndOfTime.UTC().Format("2006-01-02 15:04:05.999999+00"))
}

func (p SentinelEndTimePolicy) IsCurrent(e TemporalExprs) string {
	return DefaultTemporalPolicy{}.IsCurrent(e)
}
