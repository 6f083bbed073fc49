package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// JobKey identifies a job entry in the scheduler engine: "job_<jobId>".
type JobKey string

func JobKeyFor(jobID int64) JobKey { return JobKey("job_" + strconv.FormatInt(jobID, 10)) }

func (k JobKey) String() string { return string(k) }

// JobID parses the numeric id back out of the key.
func (k JobKey) JobID() (int64, error) {
	s, ok := strings.CutPrefix(string(k), "job_")
	if !ok {
		return 0, fmt.Errorf("domain: malformed job key %q", string(k))
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("domain: malformed job key %q: %w", string(k), err)
	}
	return id, nil
}

// TriggerKey identifies a trigger: name "trigger_<jobId>_<scheduleId>",
// group "<scheduleId>". Grouping by schedule lets every trigger derived from
// one schedule be addressed at once.
type TriggerKey struct {
	Name  string
	Group string
}

func TriggerKeyFor(jobID, scheduleID int64) TriggerKey {
	return TriggerKey{
		Name:  fmt.Sprintf("trigger_%d_%d", jobID, scheduleID),
		Group: ScheduleGroup(scheduleID),
	}
}

// ScheduleGroup is the trigger group shared by all triggers of a schedule.
func ScheduleGroup(scheduleID int64) string { return strconv.FormatInt(scheduleID, 10) }

func (k TriggerKey) String() string { return k.Group + "." + k.Name }
