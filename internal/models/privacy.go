package models

import "time"

// PrivacySummary lists how many records the server holds per category
// for one user
type PrivacySummary struct {
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	Conversations int64     `json:"conversations"`
	MemoryFacts   int64     `json:"memory_facts"`
	Datasets      int64     `json:"datasets"`
	TrainingJobs  int64     `json:"training_jobs"`
	Schedules     int64     `json:"schedules"`
	Sessions      int64     `json:"sessions"`
	UsageEvents   int64     `json:"usage_events"`
	AccountSince  time.Time `json:"account_since"`
}

// PrivacyExport is the full machine-readable data bundle for one user
type PrivacyExport struct {
	GeneratedAt   time.Time      `json:"generated_at"`
	User          UserResponse   `json:"user"`
	Conversations []Conversation `json:"conversations"`
	MemoryFacts   []MemoryFact   `json:"memory_facts"`
	Datasets      []Dataset      `json:"datasets"`
	TrainingJobs  []TrainingJob  `json:"training_jobs"`
	Sessions      []Session      `json:"sessions"`
}

// DeleteAccountRequest confirms account deletion with the current password
type DeleteAccountRequest struct {
	Password string `json:"password"`
}

// DeleteAccountResponse reports what the deletion cascade removed
type DeleteAccountResponse struct {
	Deleted       bool  `json:"deleted"`
	Conversations int64 `json:"conversations_deleted"`
	MemoryFacts   int64 `json:"memory_facts_deleted"`
	UsageEvents   int64 `json:"usage_events_deleted"`
	Sessions      int   `json:"sessions_revoked"`
}
