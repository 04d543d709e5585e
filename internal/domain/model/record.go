package model

import "time"

// BestRecord is a leaderboard entry holding the best lap seen for a key.
type BestRecord struct {
	Rank       int       `json:"rank"`
	Key        string    `json:"key"`
	Time       int64     `json:"time"`
	SessionID  string    `json:"sessionId"`
	DriverName string    `json:"driverName"`
	KartNumber string    `json:"kartNumber"`
	RecordedAt time.Time `json:"recordedAt"`
}
