package domain

import "time"

// ExpiryJob: отложенная задача освобождения резерва, одна на заказ.
type ExpiryJob struct {
	OrderID  string
	RunAt    time.Time
	Attempts int
	// LeaseUntil: до этого момента задачу не может забрать другой воркер.
	LeaseUntil  time.Time
	CompletedAt time.Time
	LastError   string
	CreatedAt   time.Time
}

// ExpiryStats описывает очередь задач истечения резервов.
type ExpiryStats struct {
	PendingCount int
	OldestRunAt  time.Time
}
