package sink

import (
	"fmt"
	"strings"
	"time"
)

// ItemType is the kind of node an item represents on the remote service.
type ItemType string

const (
	TypeSuite        ItemType = "SUITE"
	TypeStory        ItemType = "STORY"
	TypeTest         ItemType = "TEST"
	TypeScenario     ItemType = "SCENARIO"
	TypeStep         ItemType = "STEP"
	TypeBeforeClass  ItemType = "BEFORE_CLASS"
	TypeBeforeGroups ItemType = "BEFORE_GROUPS"
	TypeBeforeMethod ItemType = "BEFORE_METHOD"
	TypeBeforeSuite  ItemType = "BEFORE_SUITE"
	TypeBeforeTest   ItemType = "BEFORE_TEST"
	TypeAfterClass   ItemType = "AFTER_CLASS"
	TypeAfterGroups  ItemType = "AFTER_GROUPS"
	TypeAfterMethod  ItemType = "AFTER_METHOD"
	TypeAfterSuite   ItemType = "AFTER_SUITE"
	TypeAfterTest    ItemType = "AFTER_TEST"
)

var itemTypes = map[ItemType]bool{
	TypeSuite: true, TypeStory: true, TypeTest: true, TypeScenario: true, TypeStep: true,
	TypeBeforeClass: true, TypeBeforeGroups: true, TypeBeforeMethod: true, TypeBeforeSuite: true, TypeBeforeTest: true,
	TypeAfterClass: true, TypeAfterGroups: true, TypeAfterMethod: true, TypeAfterSuite: true, TypeAfterTest: true,
}

// Valid reports whether t is one of the known item types.
func (t ItemType) Valid() bool {
	return itemTypes[t]
}

// IsContainer reports whether items of this type group other items rather
// than represent an executed test.
func (t ItemType) IsContainer() bool {
	switch t {
	case TypeSuite, TypeStory, TypeTest:
		return true
	}
	return false
}

// Status is the terminal state of an item or launch. The zero value means
// "still running" or "let the service compute it".
type Status string

const (
	StatusPassed      Status = "PASSED"
	StatusFailed      Status = "FAILED"
	StatusSkipped     Status = "SKIPPED"
	StatusInterrupted Status = "INTERRUPTED"
	StatusCancelled   Status = "CANCELLED"
	StatusInfo        Status = "INFO"
	StatusWarn        Status = "WARN"
)

// Level is the severity of a log entry.
type Level string

const (
	LevelTrace Level = "TRACE"
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

var levelOrder = map[Level]int{
	LevelTrace: 0,
	LevelDebug: 1,
	LevelInfo:  2,
	LevelWarn:  3,
	LevelError: 4,
	LevelFatal: 5,
}

// ParseLevel converts a case-insensitive level name into a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if l == "WARNING" {
		l = LevelWarn
	}
	if _, ok := levelOrder[l]; !ok {
		return "", fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// AtLeast reports whether l is as severe as min. Unknown levels are treated as INFO.
func (l Level) AtLeast(min Level) bool {
	lv, ok := levelOrder[l]
	if !ok {
		lv = levelOrder[LevelInfo]
	}
	mv, ok := levelOrder[min]
	if !ok {
		mv = levelOrder[LevelInfo]
	}
	return lv >= mv
}

// Mode selects the launch visibility on the remote service.
type Mode string

const (
	ModeDefault Mode = "DEFAULT"
	ModeDebug   Mode = "DEBUG"
)

type Attribute struct {
	Key    string `json:"key,omitempty"`
	Value  string `json:"value"`
	System bool   `json:"system,omitempty"`
}

// ParseAttributes turns "key:value" and bare "value" strings into attributes.
func ParseAttributes(raw []string) []Attribute {
	attrs := make([]Attribute, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		key, value, found := strings.Cut(r, ":")
		if !found {
			attrs = append(attrs, Attribute{Value: r})
			continue
		}
		attrs = append(attrs, Attribute{Key: strings.TrimSpace(key), Value: strings.TrimSpace(value)})
	}
	return attrs
}

type ExternalIssue struct {
	TicketID   string `json:"ticketId"`
	URL        string `json:"url,omitempty"`
	BTSURL     string `json:"btsUrl,omitempty"`
	BTSProject string `json:"btsProject,omitempty"`
}

// Issue classifies the defect behind a failed or skipped item.
type Issue struct {
	Type                 string          `json:"issueType"`
	Comment              string          `json:"comment,omitempty"`
	AutoAnalyzed         bool            `json:"autoAnalyzed"`
	IgnoreAnalyzer       bool            `json:"ignoreAnalyzer"`
	ExternalSystemIssues []ExternalIssue `json:"externalSystemIssues,omitempty"`
}

// Attachment is a file shipped together with a log entry.
type Attachment struct {
	Name     string
	MimeType string
	Data     []byte
}

type StartLaunchRequest struct {
	Name        string
	Description string
	StartTime   time.Time
	Attributes  []Attribute
	Mode        Mode
	Rerun       bool
	RerunOf     string
}

type FinishLaunchRequest struct {
	EndTime time.Time
	Status  Status
}

type StartItemRequest struct {
	LaunchID    string
	ParentID    string
	Name        string
	StartTime   time.Time
	Type        ItemType
	Description string
	Attributes  []Attribute
	Parameters  map[string]string
	CodeRef     string
	TestCaseID  string
	HasStats    bool
	Retry       bool
}

type FinishItemRequest struct {
	LaunchID    string
	EndTime     time.Time
	Status      Status
	Issue       *Issue
	Description string
	Attributes  []Attribute
}

// LogEntry is a single log record. An empty ItemID attaches it to the launch.
type LogEntry struct {
	LaunchID   string
	ItemID     string
	Time       time.Time
	Message    string
	Level      Level
	Attachment *Attachment
}
