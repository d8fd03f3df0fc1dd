// Package querylog turns the daemon's query log into structured records,
// keeps a bounded history and fans records out to subscribers that may fall
// behind without ever blocking the reader.
package querylog

import "time"

// Status is how the daemon answered a query.
type Status string

// Query statuses.
const (
	StatusForwarded Status = "forwarded"
	StatusBlocked   Status = "blocked"
	StatusCached    Status = "cached"
	StatusLocal     Status = "local"
)

// LogRecord is one observed DNS query.
type LogRecord struct {
	Timestamp     time.Time     `json:"timestamp"`
	ClientAddress string        `json:"clientAddress"`
	Domain        string        `json:"domain"`
	QueryType     string        `json:"queryType"`
	Status        Status        `json:"status"`
	ReplyLatency  time.Duration `json:"replyLatency,omitempty"`
	Upstream      string        `json:"upstream,omitempty"`
	Answer        string        `json:"answer,omitempty"`
}

// QueryStats summarizes recent query traffic.
type QueryStats struct {
	TotalQueries      uint64        `json:"totalQueries"`
	BlockedQueries    uint64        `json:"blockedQueries"`
	PercentageBlocked float64       `json:"percentageBlocked"`
	ActiveClients     int           `json:"activeClients"`
	History           []MinuteStats `json:"history"`
}

// MinuteStats is one minute of the stats history.
type MinuteStats struct {
	Time    string `json:"time"`
	Queries uint64 `json:"queries"`
	Blocked uint64 `json:"blocked"`
}
