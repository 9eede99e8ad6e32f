package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// RunnerLockKey returns the key guarding the single live runner of an attempt.
func (r *CacheKeyStruct) RunnerLockKey(testID int64, studentID int64) string {
	return fmt.Sprintf("proctor:test:%d:student:%d:runner", testID, studentID)
}

// TestMonitorChannel returns the Redis PubSub channel name for a test's live monitor.
func (r *CacheKeyStruct) TestMonitorChannel(testID int64) string {
	return fmt.Sprintf("test:%d:monitor", testID)
}

var CacheKey = NewCacheKeyStruct()
