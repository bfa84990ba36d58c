package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/sightline-robotics/calib/spatialmath"
)

// CamPose stores the 3x4 pose matrix as well as the 3D Rotation and Translation matrices.
type CamPose struct {
	PoseMat     *mat.Dense
	Rotation    *mat.Dense
	Translation *mat.Dense
}

// NewCamPoseFromMat creates a pointer to a Camera pose from a 3x4 pose dense matrix.
func NewCamPoseFromMat(pose *mat.Dense) *CamPose {
	U3 := pose.ColView(3)
	t := mat.NewDense(3, 1, []float64{U3.AtVec(0), U3.AtVec(1), U3.AtVec(2)})
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, pose.At(i, j))
		}
	}
	return &CamPose{
		PoseMat:     pose,
		Rotation:    rot,
		Translation: t,
	}
}

// Pose creates a spatialmath.Pose from a CamPose.
func (cp *CamPose) Pose() (spatialmath.Pose, error) {
	translation := r3.Vector{X: cp.Translation.At(0, 0), Y: cp.Translation.At(1, 0), Z: cp.Translation.At(2, 0)}
	rotation, err := spatialmath.NewRotationMatrix(cp.Rotation.RawMatrix().Data)
	if err != nil {
		return nil, err
	}
	return spatialmath.NewPose(translation, rotation), err
}

// TransformPoints applies a 3x4 (or the top three rows of a 4x4) pose matrix
// to world points, mapping them into the camera frame.
func TransformPoints(pose *mat.Dense, pts []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(pts))
	for i, pt := range pts {
		out[i] = r3.Vector{
			X: pose.At(0, 0)*pt.X + pose.At(0, 1)*pt.Y + pose.At(0, 2)*pt.Z + pose.At(0, 3),
			Y: pose.At(1, 0)*pt.X + pose.At(1, 1)*pt.Y + pose.At(1, 2)*pt.Z + pose.At(1, 3),
			Z: pose.At(2, 0)*pt.X + pose.At(2, 1)*pt.Y + pose.At(2, 2)*pt.Z + pose.At(2, 3),
		}
	}
	return out
}

// ProjectPointsToPixels maps world points through a 3x4 pose matrix and an
// intrinsics matrix to image points via a perspective divide.
func ProjectPointsToPixels(pose, k *mat.Dense, pts []r3.Vector) []r2.Point {
	camPts := TransformPoints(pose, pts)
	out := make([]r2.Point, len(camPts))
	for i, pt := range camPts {
		u := k.At(0, 0)*pt.X + k.At(0, 1)*pt.Y + k.At(0, 2)*pt.Z
		v := k.At(1, 0)*pt.X + k.At(1, 1)*pt.Y + k.At(1, 2)*pt.Z
		w := k.At(2, 0)*pt.X + k.At(2, 1)*pt.Y + k.At(2, 2)*pt.Z
		out[i] = r2.Point{X: u / w, Y: v / w}
	}
	return out
}

// ReprojectionError computes the mean squared distance between observed image
// points and world points projected through the given pose and intrinsics.
func ReprojectionError(pose, k *mat.Dense, worldPts []r3.Vector, imgPts []r2.Point) float64 {
	projected := ProjectPointsToPixels(pose, k, worldPts)
	total := 0.0
	for i, pt := range projected {
		d := pt.Sub(imgPts[i])
		total += d.Dot(d)
	}
	return total / float64(len(projected))
}
