package report

import "time"

// BuildRecord is the persisted summary of one build run.
type BuildRecord struct {
	ID         string    `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	FinalState string    `gorm:"not null;index" json:"final_state"`
	CycleCount int       `gorm:"not null;default:0" json:"cycle_count"`
	TotalCost  float64   `gorm:"not null;default:0;type:numeric(12,6)" json:"total_cost"`
	DurationMs int64     `gorm:"not null;default:0" json:"duration_ms"`
	Pivoted    bool      `gorm:"default:false" json:"pivoted"`

	Cycles []CycleRecord `gorm:"foreignKey:BuildID" json:"cycles,omitempty"`
	Spend  []SpendRecord `gorm:"foreignKey:BuildID" json:"spend,omitempty"`
}

func (BuildRecord) TableName() string { return "build_reports" }

// CycleRecord is one fix cycle of a build.
type CycleRecord struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	BuildID     string `gorm:"not null;index" json:"build_id"`
	Number      int    `gorm:"not null" json:"number"`
	Verdict     string `json:"verdict,omitempty"`
	Violations  int    `gorm:"default:0" json:"violations"`
	PatchedFile string `json:"patched_file,omitempty"`
	Abandoned   bool   `gorm:"default:false" json:"abandoned"`
	ErrorBrief  string `json:"error_brief,omitempty"`
	ExitCode    int    `gorm:"default:0" json:"exit_code"`
	TimedOut    bool   `gorm:"default:false" json:"timed_out"`
}

func (CycleRecord) TableName() string { return "build_cycles" }

// SpendRecord is the per-model cost breakdown of a build.
type SpendRecord struct {
	ID           int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	BuildID      string  `gorm:"not null;index" json:"build_id"`
	Model        string  `gorm:"not null" json:"model"`
	Calls        int     `gorm:"not null;default:0" json:"calls"`
	InputTokens  int     `gorm:"not null;default:0" json:"input_tokens"`
	OutputTokens int     `gorm:"not null;default:0" json:"output_tokens"`
	Cost         float64 `gorm:"not null;default:0;type:numeric(12,6)" json:"cost"`
}

func (SpendRecord) TableName() string { return "build_spend" }
