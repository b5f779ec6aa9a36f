package tracker

import "time"

// MockRequests returns the demo dashboard entries relative to now.
func MockRequests(now time.Time) []Request {
	now = now.UTC()
	return []Request{
		{
			Title:       "Data pipeline migration",
			Description: "Migrating legacy ETL to new streaming architecture",
			Status:      StatusRunning,
			Progress:    65,
			CreatedAt:   now.Add(-3 * time.Minute),
			UpdatedAt:   now,
		},
		{
			Title:       "Security audit review",
			Description: "Review security audit findings and propose fixes",
			Status:      StatusHITLRequired,
			Progress:    50,
			CreatedAt:   now.Add(-5 * time.Minute),
			UpdatedAt:   now,
		},
		{
			Title:       "API endpoint generation",
			Description: "Generate REST API endpoints for user management",
			Status:      StatusRunning,
			Progress:    30,
			CreatedAt:   now.Add(-8 * time.Minute),
			UpdatedAt:   now,
		},
		{
			Title:       "Database schema update",
			Description: "Update database schema for new features",
			Status:      StatusCompleted,
			Progress:    100,
			CreatedAt:   now.Add(-15 * time.Minute),
			UpdatedAt:   now,
		},
	}
}
