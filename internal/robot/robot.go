// Package robot holds the value types shared by every robot backend: motion
// commands, telemetry samples and the errors a backend reports.
package robot

import "errors"

// ErrNotConnected is returned by a backend that cannot currently transmit
// commands to the robot.
var ErrNotConnected = errors.New("robot not connected")

// Twist is a velocity command pair.
type Twist struct {
	LinearX  float64 `json:"linear_x"`
	AngularZ float64 `json:"angular_z"`
}

// NavGoal asks the robot to drive to a pose.
type NavGoal struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Yaw      float64 `json:"yaw"`
	Relative bool    `json:"relative"`
}

// Pose is the robot's planar position and heading.
type Pose struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// LaserScan is one range-finder sweep.
type LaserScan struct {
	Ranges         []float64 `json:"ranges"`
	AngleMin       float64   `json:"angle_min"`
	AngleMax       float64   `json:"angle_max"`
	AngleIncrement float64   `json:"angle_increment"`
}

// Battery is a power report.
type Battery struct {
	Percentage int     `json:"percentage"`
	Voltage    float64 `json:"voltage"`
	Charging   bool    `json:"charging"`
}

// Subscriber is implemented by backends that publish telemetry. Each method
// registers fn and returns a function that removes the registration.
type Subscriber interface {
	OnPose(fn func(Pose)) func()
	OnLaserScan(fn func(LaserScan)) func()
	OnBattery(fn func(Battery)) func()
}
