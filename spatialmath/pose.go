package spatialmath

import (
	"github.com/golang/geo/r3"
)

// Pose represents a 6dof pose, position and orientation, of a frame of
// reference in 3D Euclidean space.
type Pose interface {
	Point() r3.Vector
	Orientation() Orientation
}

type basicPose struct {
	point       r3.Vector
	orientation Orientation
}

// NewZeroPose returns a pose at (0,0,0) with no rotation.
func NewZeroPose() Pose {
	return &basicPose{r3.Vector{}, NewZeroOrientation()}
}

// NewPose takes in a position and orientation and returns a Pose.
func NewPose(p r3.Vector, o Orientation) Pose {
	if o == nil {
		return &basicPose{p, NewZeroOrientation()}
	}
	return &basicPose{p, o}
}

// NewPoseFromPoint takes in a cartesian (x,y,z) and stores it as a vector.
// It will have the same orientation as the frame it is in reference to.
func NewPoseFromPoint(point r3.Vector) Pose {
	return &basicPose{point, NewZeroOrientation()}
}

// NewPoseFromOrientation takes in an orientation and returns a Pose at the origin.
func NewPoseFromOrientation(o Orientation) Pose {
	if o == nil {
		return NewZeroPose()
	}
	return &basicPose{r3.Vector{}, o}
}

// Point returns the position of the pose.
func (bp *basicPose) Point() r3.Vector {
	return bp.point
}

// Orientation returns the orientation of the pose.
func (bp *basicPose) Orientation() Orientation {
	return bp.orientation
}

// PoseAlmostCoincident checks if two poses approximately agree on both
// position and orientation.
func PoseAlmostCoincident(a, b Pose, epsilon float64) bool {
	ap, bp := a.Point(), b.Point()
	if ap.Sub(bp).Norm() > epsilon {
		return false
	}
	return OrientationAlmostEqual(a.Orientation(), b.Orientation())
}
