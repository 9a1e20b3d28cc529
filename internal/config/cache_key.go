package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionSnapshotChannel returns the Redis PubSub channel carrying full session snapshots.
func (r *CacheKeyStruct) SessionSnapshotChannel() string {
	return "session:snapshots"
}

// StudentAnswerLimiterKey returns the in-memory limiter key for a student's autosave stream
func (r *CacheKeyStruct) StudentAnswerLimiterKey(studentID int) string {
	return fmt.Sprintf("student:%d:answers", studentID)
}

var CacheKey = NewCacheKeyStruct()
