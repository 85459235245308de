package web

import (
	"encoding/json"

	"github.com/sweeney/heating-controller/internal/engine"
	"github.com/sweeney/heating-controller/internal/history"
	"github.com/sweeney/heating-controller/internal/predict"
	"github.com/sweeney/heating-controller/internal/schedule"
	"github.com/sweeney/heating-controller/internal/status"
)

// RoomResponse is the JSON representation of one room and what was learned
// about it.
type RoomResponse struct {
	Room     status.RoomJSON `json:"room"`
	Learning *LearningJSON   `json:"learning,omitempty"`
}

// LearningJSON contains the model state and cycle statistics of a room.
type LearningJSON struct {
	Model      predict.Info        `json:"model"`
	Statistics *history.Statistics `json:"statistics,omitempty"`
}

func formatRoom(room engine.RoomStatus, learning Learning) []byte {
	resp := RoomResponse{Room: status.NewRoomJSON(room)}
	if learning != nil {
		id := schedule.CanonicalRoom(room.Room)
		lj := &LearningJSON{Model: learning.ModelInfo(id)}
		if stats, ok := learning.RoomStatistics(id); ok {
			lj.Statistics = &stats
		}
		resp.Learning = lj
	}
	data, _ := json.MarshalIndent(resp, "", "  ")
	return data
}
