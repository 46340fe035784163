// Package core defines the fundamental types and errors for Fledge.
package core

import "time"

// ChildID identifies a monitored child profile.
type ChildID string

// RegressionID identifies a regression event.
type RegressionID string

// Actor identifies who performed an action against the engine.
type Actor string

const (
	ActorGuardian Actor = "guardian"
	ActorChild    Actor = "child"
	ActorSystem   Actor = "system"
	ActorEngine   Actor = "engine"
)

// MonitoringLevel is the intensity of monitoring applied to a child's device.
// Lower intensity means fewer screenshots and broader autonomy.
type MonitoringLevel string

const (
	MonitoringStandard         MonitoringLevel = "standard"
	MonitoringReduced          MonitoringLevel = "reduced"
	MonitoringNotificationOnly MonitoringLevel = "notification_only"
)

// Clock supplies the current time. Production code uses RealClock; tests
// substitute a fixed clock so calendar-based transitions are deterministic.
type Clock interface {
	Now() time.Time
}

// RealClock is the wall-clock implementation of Clock.
type RealClock struct{}

// Now returns the current UTC time.
func (RealClock) Now() time.Time { return time.Now().UTC() }
