package domain

import "errors"

var (
	// ErrGameNotFound is returned when a game code is unknown. Clients treat
	// this mid-session as the signal to exit to the lobby.
	ErrGameNotFound = errors.New("game not found")
	// ErrNotJoinable is returned when a game is not waiting or already full.
	ErrNotJoinable = errors.New("game is not joinable")
	// ErrNameTaken is returned when a display name collides within a game.
	ErrNameTaken = errors.New("name already taken")
	// ErrNotEnoughPlayers is returned by start with fewer than two players.
	ErrNotEnoughPlayers = errors.New("need at least 2 players to start")
	// ErrInvalidQuestions is returned by start with an empty question list.
	ErrInvalidQuestions = errors.New("invalid questions data")
	// ErrGameNotActive is returned when an operation requires playing status.
	ErrGameNotActive = errors.New("game not active")
	// ErrCannotRemoveHost is returned when the host is targeted for removal.
	ErrCannotRemoveHost = errors.New("cannot remove host")
	// ErrNotHost is returned when a host-only operation is invoked by
	// someone else before the failover grace period.
	ErrNotHost = errors.New("caller is not the host")
	// ErrPlayerNotFound is returned when the named player is not in the game.
	ErrPlayerNotFound = errors.New("player not found")
	// ErrInvalidAnswer is returned for option indexes outside 0..3.
	ErrInvalidAnswer = errors.New("invalid answer option")
	// ErrQuestionSetNotFound indicates the question content could not be loaded.
	ErrQuestionSetNotFound = errors.New("question set not found")
	// ErrCodeTaken is returned by the repository when a generated game code
	// collides with a live game.
	ErrCodeTaken = errors.New("game code already exists")
	// ErrVersionConflict is returned by conditional game updates when the
	// stored version no longer matches the expected one.
	ErrVersionConflict = errors.New("stale game version")
)
