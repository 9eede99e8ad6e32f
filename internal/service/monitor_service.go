package service

import (
	"context"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ActivityReader loads per-student proctor activity for a test.
type ActivityReader interface {
	ListActivity(ctx context.Context, testID int64) ([]model.StudentActivity, error)
}

// MonitorService orchestrates live proctor monitoring.
type MonitorService struct {
	repo ActivityReader
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(repo ActivityReader) *MonitorService {
	return &MonitorService{repo: repo}
}

// MonitorStats summarizes a test's attempts.
type MonitorStats struct {
	TotalJoined     int `json:"total_joined"`
	TotalInProgress int `json:"total_in_progress"`
	TotalSubmitted  int `json:"total_submitted"`
	TotalAbandoned  int `json:"total_abandoned"`
	TotalErrored    int `json:"total_errored"`
	TotalViolations int `json:"total_violations"`
	// AtLimit counts students who reached the violation limit.
	AtLimit int `json:"at_limit"`
}

// MonitorSnapshot is the first event a faculty monitor receives.
type MonitorSnapshot struct {
	TestID   int64                   `json:"test_id"`
	Stats    MonitorStats            `json:"stats"`
	Students []model.StudentActivity `json:"students"`
}

// GetSnapshot aggregates the audit trail of testID.
func (s *MonitorService) GetSnapshot(ctx context.Context, testID int64, maxViolations int) (*MonitorSnapshot, error) {
	activity, err := s.repo.ListActivity(ctx, testID)
	if err != nil {
		return nil, err
	}

	snap := &MonitorSnapshot{TestID: testID, Students: activity}
	if snap.Students == nil {
		snap.Students = []model.StudentActivity{}
	}

	for _, a := range activity {
		// Runs that ended as ALREADY_COMPLETED never joined this time.
		if a.State == model.SessionStateAlreadyCompleted {
			continue
		}
		snap.Stats.TotalJoined++
		switch a.State {
		case model.SessionStateInProgress, model.SessionStateSubmitting:
			snap.Stats.TotalInProgress++
		case model.SessionStateSubmitted:
			snap.Stats.TotalSubmitted++
		case model.SessionStateAbandoned:
			snap.Stats.TotalAbandoned++
		case model.SessionStateError:
			snap.Stats.TotalErrored++
		}
		snap.Stats.TotalViolations += a.ViolationCount
		if a.ViolationCount >= maxViolations {
			snap.Stats.AtLimit++
		}
	}
	return snap, nil
}
