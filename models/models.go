package models

import "time"

type User struct {
	ID        int64     `json:"-"`
	Name      string    `json:"name"`
	LastLogin time.Time `json:"last_login"`
}

// ActiveUser is a user currently bound to a live connection.
type ActiveUser struct {
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Port      int       `json:"port"`
	LoginTime time.Time `json:"login_time"`
}

type LoginRecord struct {
	Name    string    `json:"name"`
	Time    time.Time `json:"time"`
	Address string    `json:"address"`
	Port    int       `json:"port"`
}

// Statistic holds per-user relay counters.
type Statistic struct {
	Name          string    `json:"name"`
	LastLogin     time.Time `json:"last_login"`
	SentCount     int64     `json:"sent_count"`
	ReceivedCount int64     `json:"received_count"`
}

// Session describes one entry of the live session table.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Address   string    `json:"address"`
	Stage     string    `json:"stage"`
	Connected time.Time `json:"connected"`
}
