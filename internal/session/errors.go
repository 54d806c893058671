package session

import "errors"

var (
	ErrEmptyJoinCode   = errors.New("join code is empty")
	ErrInvalidName     = errors.New("player name is empty or contains reserved characters")
	ErrDuplicatePlayer = errors.New("a player with this name is already in the game")
	ErrGameStarted     = errors.New("game already started")
	ErrNotInGame       = errors.New("player is not part of this game")
	ErrNotHost         = errors.New("only the host can do this")
	ErrNotAllReady     = errors.New("not every player is ready")
	ErrNotInProgress   = errors.New("game is not in progress")
	ErrNotYourTurn     = errors.New("it is not your turn")
	ErrGameNotOver     = errors.New("game is not over")
	ErrInvalidFee      = errors.New("entry fee must not be negative")
	ErrRosterChanged   = errors.New("players changed after the entry fee was collected")
)
