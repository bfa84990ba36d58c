package transform

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/sightline-robotics/calib/spatialmath"
	"github.com/sightline-robotics/calib/utils"
)

// RefinePose improves a pose estimate by minimizing the mean squared
// reprojection error over a 6dof parameterization (R3 axis angle plus
// translation) with Nelder-Mead. It is an explicit, separate operation; the
// DLT solver never falls back to it on its own.
func RefinePose(initial *CamPose, world []r3.Vector, img []r2.Point, k *mat.Dense) (*CamPose, error) {
	if initial == nil {
		return nil, errors.New("initial pose is nil")
	}
	if len(world) != len(img) || len(world) == 0 {
		return nil, errors.Errorf("got %d world points and %d image points, need equal non-zero counts",
			len(world), len(img))
	}

	rotation, err := spatialmath.NewRotationMatrix(initial.Rotation.RawMatrix().Data)
	if err != nil {
		return nil, err
	}
	aa := rotation.AxisAngles().ToR3()
	initParams := []float64{
		aa.X, aa.Y, aa.Z,
		initial.Translation.At(0, 0), initial.Translation.At(1, 0), initial.Translation.At(2, 0),
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return ReprojectionError(poseMatFromParams(x), k, world, img)
		},
	}
	result, err := optimize.Minimize(problem, initParams, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, errors.Wrap(err, "refining pose")
	}
	if err := result.Status.Err(); err != nil {
		return nil, errors.Wrap(err, "refining pose")
	}
	return NewCamPoseFromMat(poseMatFromParams(result.X)), nil
}

// RefinePoses refines a batch of pose estimates in parallel, one per batch
// element of the correspondences.
func RefinePoses(initial []*CamPose, world [][]r3.Vector, img [][]r2.Point, intrinsics []*mat.Dense) ([]*CamPose, error) {
	if len(initial) != len(world) || len(initial) != len(img) || len(initial) != len(intrinsics) {
		return nil, errors.Errorf(
			"batch sizes must match, got %d poses, %d sets of world points, %d sets of image points and %d intrinsics",
			len(initial), len(world), len(img), len(intrinsics))
	}
	refined := make([]*CamPose, len(initial))
	fs := make([]utils.SimpleFunc, len(initial))
	for b := range initial {
		bCopy := b
		fs[bCopy] = func(ctx context.Context) error {
			pose, err := RefinePose(initial[bCopy], world[bCopy], img[bCopy], intrinsics[bCopy])
			if err != nil {
				return errors.Wrapf(err, "batch element %d", bCopy)
			}
			refined[bCopy] = pose
			return nil
		}
	}
	if err := utils.RunInParallel(context.Background(), fs); err != nil {
		return nil, err
	}
	return refined, nil
}

// poseMatFromParams builds a 3x4 pose matrix from an R3 axis angle and a translation.
func poseMatFromParams(x []float64) *mat.Dense {
	rm := spatialmath.R3ToR4(r3.Vector{X: x[0], Y: x[1], Z: x[2]}).RotationMatrix()
	pose := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pose.Set(i, j, rm.At(i, j))
		}
		pose.Set(i, 3, x[3+i])
	}
	return pose
}
