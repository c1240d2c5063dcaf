package domain

import "time"

// Status is the lifecycle state of a game. Completed is terminal.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusPlaying   Status = "playing"
	StatusCompleted Status = "completed"
)

const (
	// MaxPlayers caps the number of players in a game, host included.
	MaxPlayers = 4
	// MinPlayers is the minimum required to start.
	MinPlayers = 2
	// QuestionTimeMs is the fixed answer window per question.
	QuestionTimeMs = 20000
	// ResultsSeconds is the fixed results window before auto-advance.
	ResultsSeconds = 10
	// NoAnswer is the recorded option when the window expired without a
	// submitted choice. Distinct from "not yet answered" (nil option).
	NoAnswer = -1
	// CodeLength is the length of generated game codes.
	CodeLength = 6
	// OptionCount is the fixed number of options per question.
	OptionCount = 4
)

// Question is one round's content. Options always has exactly OptionCount
// entries and CorrectIndex is within it.
type Question struct {
	Prompt       string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctAnswer"`
}

// Game is the shared session record. Questions are immutable once the game
// leaves waiting. CurrentQuestion is -1 until the game starts. Version is a
// monotonic counter used for optimistic concurrency on updates.
type Game struct {
	Code            string
	Host            string
	Status          Status
	Questions       []Question
	CurrentQuestion int
	QuestionStart   time.Time
	LastActive      time.Time
	Version         int64
}

// Player belongs to exactly one game. Score only ever grows within a game.
type Player struct {
	GameCode string
	Name     string
	Score    int
	JoinedAt time.Time
}

// Answer is one (game, player, question index) row. Option is nil until the
// player answers; NoAnswer once the window expires without a choice.
type Answer struct {
	GameCode      string
	Player        string
	QuestionIndex int
	Option        *int
	TimeTakenMs   *int64
}

// Answered reports whether the row holds a terminal value, counting the
// no-answer sentinel.
func (a Answer) Answered() bool {
	return a.Option != nil
}

// PlayerAnswer is the per-player answer state exposed in snapshots.
type PlayerAnswer struct {
	Option      *int   `json:"answer"`
	TimeTakenMs *int64 `json:"time"`
}

// Snapshot is the full poll payload for one game. Players are host-first.
// PlayerAnswers covers the current question only.
type Snapshot struct {
	Code            string                  `json:"code"`
	Host            string                  `json:"host"`
	Players         []string                `json:"players"`
	Scores          map[string]int          `json:"scores"`
	Status          Status                  `json:"status"`
	Questions       []Question              `json:"questions"`
	CurrentQuestion *int                    `json:"currentQuestion,omitempty"`
	QuestionStartMs int64                   `json:"questionStartTime,omitempty"`
	PlayerAnswers   map[string]PlayerAnswer `json:"playerAnswers,omitempty"`
	LastUpdatedMs   int64                   `json:"lastUpdated"`
	Version         int64                   `json:"version"`
}
