package models

import "github.com/google/uuid"

// Action types recorded in the action log.
const (
	ActionCreate   = "action_create"
	ActionJoin     = "action_join"
	ActionStart    = "action_start"
	ActionSubmit   = "action_submit"
	ActionGameOver = "action_game_over"
	ActionRematch  = "action_rematch"
	ActionLeave    = "action_leave"

	// ActionAbandoned is written by the historian, not by a player.
	ActionAbandoned = "action_abandoned"
)

// ActionRecord is one game event, queued for the historian.
type ActionRecord struct {
	GameID        string                 `json:"game_id"`
	Epoch         int64                  `json:"epoch"`
	ActorUserID   uuid.UUID              `json:"actor_user_id"`
	ActorName     string                 `json:"actor_name"`
	ActionType    string                 `json:"action_type"`
	ActionPayload map[string]interface{} `json:"action_payload"`
	Timestamp     int64                  `json:"timestamp"`
}
