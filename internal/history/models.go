package history

import (
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// RunModel maps to the "runs" table.
type RunModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Reference  string    `gorm:"not null"`
	URL        string    `gorm:"not null;index"`
	Fragment   string
	StartedAt  time.Time `gorm:"not null;index"`
	SetupNS    int64     `gorm:"not null"`
	FetchNS    int64     `gorm:"not null"`
	EvalNS     int64     `gorm:"not null"`
	FromCache  bool      `gorm:"not null;default:false"`
	ResultKind string
	Result     string
	Error      string
	CreatedAt  time.Time
}

func (RunModel) TableName() string { return "runs" }

func toModel(r Run) RunModel {
	return RunModel{
		ID:         r.ID,
		Reference:  r.Reference,
		URL:        r.URL,
		Fragment:   r.Fragment,
		StartedAt:  r.StartedAt.UTC(),
		SetupNS:    int64(r.Setup),
		FetchNS:    int64(r.Fetch),
		EvalNS:     int64(r.Eval),
		FromCache:  r.FromCache,
		ResultKind: r.ResultKind,
		Result:     truncate(r.Result),
		Error:      truncate(r.Error),
	}
}

func fromModel(m RunModel) Run {
	return Run{
		ID:         m.ID,
		Reference:  m.Reference,
		URL:        m.URL,
		Fragment:   m.Fragment,
		StartedAt:  m.StartedAt,
		Setup:      time.Duration(m.SetupNS),
		Fetch:      time.Duration(m.FetchNS),
		Eval:       time.Duration(m.EvalNS),
		FromCache:  m.FromCache,
		ResultKind: m.ResultKind,
		Result:     m.Result,
		Error:      m.Error,
	}
}

func truncate(s string) string {
	if len(s) <= maxResultLen {
		return s
	}
	// Back off to a rune boundary so the stored text stays valid UTF-8.
	n := maxResultLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
