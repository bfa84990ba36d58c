package transform

import (
	"context"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/sightline-robotics/calib/utils"
)

// MinPnPCorrespondences is the smallest number of 3D-2D point pairs the DLT
// formulation can solve for: 11 unknowns up to scale, two equations per pair.
const MinPnPCorrespondences = 6

// intrinsicsDetEps is the determinant magnitude below which an intrinsics
// matrix is treated as singular.
const intrinsicsDetEps = 1e-12

var (
	// ErrInvalidIntrinsics is returned when an intrinsics matrix cannot be inverted.
	ErrInvalidIntrinsics = errors.New("intrinsics matrix is not invertible")
	// ErrNumericFailure is returned when a singular value decomposition does not
	// converge. It is fatal; rerunning the decomposition on the same input cannot succeed.
	ErrNumericFailure = errors.New("singular value decomposition did not converge")
)

// SolvePnPDLT estimates the world-to-camera pose of each batch element from
// n >= 6 correspondences between known 3D world points and their observed 2D
// image projections, given the camera intrinsics, using the Direct Linear
// Transform. Batch elements are independent and solved in parallel; the
// output pose at index b is derived only from the inputs at index b.
//
// Degenerate point configurations (near-coplanar or near-collinear world
// points) are not detected; they degrade accuracy silently.
func SolvePnPDLT(worldPoints [][]r3.Vector, imagePoints [][]r2.Point, intrinsics []*mat.Dense) ([]*CamPose, error) {
	if err := validatePnPInputs(worldPoints, imagePoints, intrinsics); err != nil {
		return nil, err
	}
	batchSize := len(worldPoints)
	poses := make([]*CamPose, batchSize)
	batchErrs := make([]error, batchSize)
	err := utils.GroupWorkParallel(
		context.Background(),
		batchSize,
		func(groupSize int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				pose, err := solvePnPDLTSingle(worldPoints[workNum], imagePoints[workNum], intrinsics[workNum])
				if err != nil {
					batchErrs[workNum] = errors.Wrapf(err, "batch element %d", workNum)
					return
				}
				poses[workNum] = pose
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}
	if err := multierr.Combine(batchErrs...); err != nil {
		return nil, err
	}
	return poses, nil
}

// validatePnPInputs surfaces shape errors before any numerical work begins.
func validatePnPInputs(worldPoints [][]r3.Vector, imagePoints [][]r2.Point, intrinsics []*mat.Dense) error {
	if len(worldPoints) != len(imagePoints) || len(worldPoints) != len(intrinsics) {
		return errors.Errorf(
			"batch sizes must match, got %d sets of world points, %d sets of image points and %d intrinsics",
			len(worldPoints), len(imagePoints), len(intrinsics))
	}
	if len(worldPoints) == 0 {
		return errors.New("batch is empty")
	}
	for b := range worldPoints {
		if len(worldPoints[b]) != len(imagePoints[b]) {
			return errors.Errorf("batch element %d has %d world points but %d image points",
				b, len(worldPoints[b]), len(imagePoints[b]))
		}
		if len(worldPoints[b]) < MinPnPCorrespondences {
			return errors.Errorf("batch element %d has %d correspondences, need at least %d",
				b, len(worldPoints[b]), MinPnPCorrespondences)
		}
		if intrinsics[b] == nil {
			return errors.Errorf("batch element %d has nil intrinsics", b)
		}
		if r, c := intrinsics[b].Dims(); r != 3 || c != 3 {
			return errors.Errorf("batch element %d has %dx%d intrinsics, need 3x3", b, r, c)
		}
	}
	return nil
}

// solvePnPDLTSingle runs the DLT pipeline for one batch element.
func solvePnPDLTSingle(world []r3.Vector, img []r2.Point, k *mat.Dense) (*CamPose, error) {
	normalized, err := normalizeImagePoints(img, k)
	if err != nil {
		return nil, err
	}
	system := buildDLTSystem(world, normalized)
	mats := performSVD(system)
	if mats == nil {
		return nil, errors.Wrap(ErrNumericFailure, "extracting DLT null space")
	}
	raw := rawSolutionFromV(mats.V)
	resolveProjectiveSign(raw, world)
	return projectToRigid(raw)
}

// normalizeImagePoints converts pixel observations to calibration-independent
// directions by applying the inverse intrinsics to each homogeneous pixel.
func normalizeImagePoints(pts []r2.Point, k *mat.Dense) ([]r2.Point, error) {
	if det := mat.Det(k); math.Abs(det) < intrinsicsDetEps {
		return nil, errors.Wrapf(ErrInvalidIntrinsics, "determinant %g", det)
	}
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		return nil, errors.Wrap(ErrInvalidIntrinsics, err.Error())
	}
	normalized := make([]r2.Point, len(pts))
	for i, pt := range pts {
		x := kInv.At(0, 0)*pt.X + kInv.At(0, 1)*pt.Y + kInv.At(0, 2)
		y := kInv.At(1, 0)*pt.X + kInv.At(1, 1)*pt.Y + kInv.At(1, 2)
		w := kInv.At(2, 0)*pt.X + kInv.At(2, 1)*pt.Y + kInv.At(2, 2)
		normalized[i] = r2.Point{X: x / w, Y: y / w}
	}
	return normalized, nil
}

// buildDLTSystem assembles the (2n x 12) homogeneous system whose null space
// encodes the projection matrix entries up to scale. Each correspondence
// contributes the two independent rows of d x (P*X) = 0, with d = (x, y, 1)
// the normalized direction.
func buildDLTSystem(world []r3.Vector, normalized []r2.Point) *mat.Dense {
	n := len(world)
	system := mat.NewDense(2*n, 12, nil)
	for i := range world {
		wp := world[i]
		d := normalized[i]
		system.SetRow(2*i, []float64{
			wp.X, wp.Y, wp.Z, 1,
			0, 0, 0, 0,
			-d.X * wp.X, -d.X * wp.Y, -d.X * wp.Z, -d.X,
		})
		system.SetRow(2*i+1, []float64{
			0, 0, 0, 0,
			wp.X, wp.Y, wp.Z, 1,
			-d.Y * wp.X, -d.Y * wp.Y, -d.Y * wp.Z, -d.Y,
		})
	}
	return system
}

// rawSolutionFromV reshapes the right singular vector of smallest singular
// value, row major, into the 3x4 raw projection matrix M' = [M | t'].
func rawSolutionFromV(v *mat.Dense) *mat.Dense {
	_, cols := v.Dims()
	data := make([]float64, 12)
	for i := range data {
		data[i] = v.At(i, cols-1)
	}
	return mat.NewDense(3, 4, data)
}

// resolveProjectiveSign fixes the global sign ambiguity of the homogeneous
// solution in place. The projective depth of each world point is the third row
// of M' applied to its homogeneous coordinates; a valid pose places points in
// front of the camera, so the raw solution is scaled by the sign of the
// majority depth vote. A tied vote leaves the candidate unchanged.
func resolveProjectiveSign(raw *mat.Dense, world []r3.Vector) {
	vote := 0.0
	for _, wp := range world {
		z := raw.At(2, 0)*wp.X + raw.At(2, 1)*wp.Y + raw.At(2, 2)*wp.Z + raw.At(2, 3)
		vote += signOf(z)
	}
	if factor := signOf(vote); factor != 0 {
		raw.Scale(factor, raw)
	}
}

// projectToRigid maps the raw 3x4 solution onto the manifold of rigid
// transforms: the 3x3 block is replaced by its nearest proper rotation and the
// translation is divided by the recovered uniform scale.
func projectToRigid(raw *mat.Dense) (*CamPose, error) {
	m := mat.DenseCopyOf(raw.Slice(0, 3, 0, 3))
	mats := performSVD(m)
	if mats == nil {
		return nil, errors.Wrap(ErrNumericFailure, "orthonormalizing rotation block")
	}

	var rot mat.Dense
	rot.Mul(mats.U, mats.VT)
	// mismatched handedness of the SVD factors yields a reflection; flipping the
	// last column of U by the determinant sign restores a proper rotation
	if handedness := math.Copysign(1, mat.Det(&rot)); handedness < 0 {
		for i := 0; i < 3; i++ {
			mats.U.Set(i, 2, handedness*mats.U.At(i, 2))
		}
		rot.Mul(mats.U, mats.VT)
	}

	// the three singular values agree on noise-free data; their mean is the
	// least squares estimate of the common scale under isotropic noise
	scale := floats.Sum(mats.Values) / float64(len(mats.Values))

	pose := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pose.Set(i, j, rot.At(i, j))
		}
		pose.Set(i, 3, raw.At(i, 3)/scale)
	}
	return NewCamPoseFromMat(pose), nil
}

// signOf is the vote primitive: +1, -1, or 0 for an exact zero.
func signOf(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
