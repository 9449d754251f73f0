package dto

import "time"

// TaskStatus merges the durable task record with live transfer metrics.
type TaskStatus struct {
	ID               string     `json:"id"`
	URL              string     `json:"url"`
	Source           string     `json:"source"`
	Directory        string     `json:"directory"`
	FileName         string     `json:"file_name"`
	Status           string     `json:"status"`
	Priority         int        `json:"priority"`
	BytesTransferred int64      `json:"bytes_transferred"`
	BytesTotal       int64      `json:"bytes_total"`
	Percent          float64    `json:"percent"`
	SpeedBps         float64    `json:"speed_bps"`
	Speed            string     `json:"speed"`
	EtaSeconds       *float64   `json:"eta_seconds"`
	AttemptCount     int        `json:"attempt_count"`
	ErrorDetail      string     `json:"error_detail,omitempty"`
	Warning          string     `json:"warning,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

type SpaceStatus struct {
	Directory  string `json:"directory"`
	FreeBytes  int64  `json:"free_bytes"`
	Free       string `json:"free"`
	Sufficient bool   `json:"sufficient"`
}
