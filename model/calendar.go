package model

import "time"

// YearCalendar is a year of months indexed 0 (January) to 11 (December).
type YearCalendar [12]CalendarMonth

// CalendarMonth is one month of a YearCalendar.
type CalendarMonth struct {
	MonthName   string        `json:"monthName"`
	DaysInMonth []CalendarDay `json:"daysInMonth"`
}

// CalendarDay is a single day cell. DayIndex is nil for grid padding cells.
type CalendarDay struct {
	DayIndex    *int                  `json:"dayIndex"`
	DayOfWeek   int                   `json:"dayOfWeek"`
	Engagements []ProcessedEngagement `json:"engagements"`
}

// ProcessedEngagement is a finished engagement projected onto a calendar day.
// EngagementDate is the local day of Finished as YYYY-MM-DD.
type ProcessedEngagement struct {
	EngagementDate     string              `json:"engagementDate"`
	Finished           time.Time           `json:"finished"`
	Collection         string              `json:"collection"`
	WorkflowsCompleted []CompletedWorkflow `json:"workflowsCompleted"`
}

// CompletedWorkflow summarises one workflow completed within an engagement.
type CompletedWorkflow struct {
	Name      string       `json:"name"`
	StepTypes []string     `json:"stepTypes"`
	Finished  *time.Time   `json:"finished"`
	StepData  []StepAnswer `json:"stepData"`
}

// StepAnswer pairs a question with the answer the user gave.
type StepAnswer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// HistoryView is the derived output handed to presentation.
type HistoryView struct {
	Calendar      YearCalendar `json:"calendar"`
	DataProcessed bool         `json:"dataProcessed"`
}
