package model

import (
	"database/sql/driver"
	"fmt"
)

type Cycle uint8

const (
	CycleInvalid Cycle = iota
	CycleMinute
	CycleHour
	CycleDay
	CycleWeek
	CycleMonth
	CycleYear
)

var cycleNames = map[Cycle]string{
	CycleMinute: "minute",
	CycleHour:   "hour",
	CycleDay:    "day",
	CycleWeek:   "week",
	CycleMonth:  "month",
	CycleYear:   "year",
}

// ParseCycle never fails: unknown names map to CycleInvalid so that the
// run date calculator can disable the batch instead of failing the scan.
func ParseCycle(s string) Cycle {
	for c, name := range cycleNames {
		if name == s {
			return c
		}
	}
	return CycleInvalid
}

func (c Cycle) String() string {
	if name, ok := cycleNames[c]; ok {
		return name
	}
	return "invalid"
}

func (c *Cycle) Scan(src any) error {
	s, err := scanString(src)
	if err != nil {
		return fmt.Errorf("failed scanning cycle: %w", err)
	}
	*c = ParseCycle(s)
	return nil
}

func (c Cycle) Value() (driver.Value, error) {
	return c.String(), nil
}

type BatchStatus uint8

const (
	BatchActive BatchStatus = iota
	BatchDisabled
)

func (s BatchStatus) String() string {
	if s == BatchDisabled {
		return "disabled"
	}
	return "active"
}

func (s *BatchStatus) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return fmt.Errorf("failed scanning batch status: %w", err)
	}
	switch str {
	case "active":
		*s = BatchActive
	case "disabled":
		*s = BatchDisabled
	default:
		return fmt.Errorf("unknown batch status %q", str)
	}
	return nil
}

func (s BatchStatus) Value() (driver.Value, error) {
	return s.String(), nil
}

type BatchInstStatus uint8

const (
	BatchInstPending BatchInstStatus = iota
	BatchInstBusy
	BatchInstCompleted
)

var batchInstStatusNames = [...]string{"pending", "busy", "completed"}

func (s BatchInstStatus) String() string {
	if int(s) < len(batchInstStatusNames) {
		return batchInstStatusNames[s]
	}
	return fmt.Sprintf("BatchInstStatus(%d)", uint8(s))
}

// Transition returns the next status or ErrorIllegalTransition.
func (s BatchInstStatus) Transition(to BatchInstStatus) (BatchInstStatus, error) {
	switch s {
	case BatchInstPending:
		switch to {
		case BatchInstBusy, BatchInstCompleted:
			return to, nil
		}
	case BatchInstBusy:
		if to == BatchInstCompleted {
			return to, nil
		}
	case BatchInstCompleted:
	}
	return s, fmt.Errorf("batch instance %s -> %s: %w", s, to, ErrorIllegalTransition)
}

func (s *BatchInstStatus) Scan(src any) error {
	str, err := scanString(src)
	if err != nil {
		return fmt.Errorf("failed scanning batch instance status: %w", err)
	}
	for i, name := range batchInstStatusNames {
		if name == str {
			*s = BatchInstStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown batch instance status %q", str)
}

func (s BatchInstStatus) Value() (driver.Value, error) {
	return s.String(), nil
}

type JobInstStatus uint8

const (
	// JobInstUnset is what a row carries when its status column is empty.
	JobInstUnset JobInstStatus = iota
	JobInstPending
	JobInstWaiting
	JobInstRunning
	JobInstCompleted
	JobInstFailed
	// JobInstForcedOkay is a failed instance an operator accepted as done.
	JobInstForcedOkay
)

var jobInstStatusNames = [...]string{"", "pending", "waiting", "running", "completed", "failed", "forced_okay"}

func (s JobInstStatus) String() string {
	if s == JobInstUnset {
		return "unset"
	}
	if int(s) < len(jobInstStatusNames) {
		return jobInstStatusNames[s]
	}
	return fmt.Sprintf("JobInstStatus(%d)", uint8(s))
}

func (s JobInstStatus) Terminal() bool {
	return s == JobInstCompleted || s == JobInstFailed || s == JobInstForcedOkay
}

// Succeeded reports whether successors of the instance may run.
func (s JobInstStatus) Succeeded() bool {
	return s == JobInstCompleted || s == JobInstForcedOkay
}

// Transition returns the next status or ErrorIllegalTransition. Any
// non-terminal status may fail; that is how the reconciler and the job
// runner abandon work. Going back to pending is a rerun.
func (s JobInstStatus) Transition(to JobInstStatus) (JobInstStatus, error) {
	if to == JobInstFailed && !s.Terminal() {
		return to, nil
	}
	switch s {
	case JobInstPending:
		if to == JobInstWaiting {
			return to, nil
		}
	case JobInstWaiting:
		if to == JobInstRunning {
			return to, nil
		}
	case JobInstRunning:
		if to == JobInstCompleted {
			return to, nil
		}
	case JobInstCompleted:
		if to == JobInstPending {
			return to, nil
		}
	case JobInstFailed:
		switch to {
		case JobInstPending, JobInstForcedOkay:
			return to, nil
		}
	case JobInstUnset, JobInstForcedOkay:
	}
	return s, fmt.Errorf("job instance %s -> %s: %w", s, to, ErrorIllegalTransition)
}

func (s *JobInstStatus) Scan(src any) error {
	if src == nil {
		*s = JobInstUnset
		return nil
	}
	str, err := scanString(src)
	if err != nil {
		return fmt.Errorf("failed scanning job instance status: %w", err)
	}
	for i, name := range jobInstStatusNames {
		if name == str {
			*s = JobInstStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown job instance status %q", str)
}

func (s JobInstStatus) Value() (driver.Value, error) {
	if s == JobInstUnset {
		return "", nil
	}
	return s.String(), nil
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported type %T", src)
	}
}
