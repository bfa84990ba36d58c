package transform

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/sightline-robotics/calib/spatialmath"
)

var testPointCounts = []int{6, 20, 200}

// testIntrinsics returns the camera matrices of the two synthetic cameras used
// throughout the solver tests.
func testIntrinsics() []*mat.Dense {
	k1 := mat.NewDense(3, 3, []float64{
		500, 0, 250,
		0, 500, 250,
		0, 0, 1,
	})
	k2 := mat.NewDense(3, 3, []float64{
		1000, 0, 550,
		0, 750, 200,
		0, 0, 1,
	})
	return []*mat.Dense{k1, k2}
}

func randomInRange(rng *rand.Rand, low, high float64) float64 {
	return low + (high-low)*rng.Float64()
}

// randomPoseMat creates a ground truth world-to-camera matrix from a random
// axis angle and translation.
func randomPoseMat(rng *rand.Rand) *mat.Dense {
	tau := 2 * math.Pi
	aa := r3.Vector{
		X: randomInRange(rng, -tau, tau),
		Y: randomInRange(rng, -tau, tau),
		Z: randomInRange(rng, -tau, tau),
	}
	rm := spatialmath.R3ToR4(aa).RotationMatrix()
	pose := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			pose.Set(i, j, rm.At(i, j))
		}
		pose.Set(i, 3, randomInRange(rng, -10, 10))
	}
	return pose
}

// worldPointsInFront samples world points whose camera-frame depths are all
// positive, by drawing camera-frame points at positive depth and mapping them
// back through the inverse of the pose. Random depths keep the configuration
// away from coplanar degeneracy.
func worldPointsInFront(pose *mat.Dense, n int, rng *rand.Rand) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		camPt := r3.Vector{
			X: randomInRange(rng, -50, 50),
			Y: randomInRange(rng, -50, 50),
			Z: randomInRange(rng, 2, 102),
		}
		dx := camPt.X - pose.At(0, 3)
		dy := camPt.Y - pose.At(1, 3)
		dz := camPt.Z - pose.At(2, 3)
		// world = R^T (cam - t)
		pts[i] = r3.Vector{
			X: pose.At(0, 0)*dx + pose.At(1, 0)*dy + pose.At(2, 0)*dz,
			Y: pose.At(0, 1)*dx + pose.At(1, 1)*dy + pose.At(2, 1)*dz,
			Z: pose.At(0, 2)*dx + pose.At(1, 2)*dy + pose.At(2, 2)*dz,
		}
	}
	return pts
}

// pnpTestData builds a batch of two cameras with exact forward-projected
// correspondences and returns the inputs alongside the ground truth poses.
func pnpTestData(n int, rng *rand.Rand) ([][]r3.Vector, [][]r2.Point, []*mat.Dense, []*mat.Dense) {
	intrinsics := testIntrinsics()
	worldPoints := make([][]r3.Vector, len(intrinsics))
	imagePoints := make([][]r2.Point, len(intrinsics))
	gtPoses := make([]*mat.Dense, len(intrinsics))
	for b := range intrinsics {
		gtPoses[b] = randomPoseMat(rng)
		worldPoints[b] = worldPointsInFront(gtPoses[b], n, rng)
		imagePoints[b] = ProjectPointsToPixels(gtPoses[b], intrinsics[b], worldPoints[b])
	}
	return worldPoints, imagePoints, intrinsics, gtPoses
}

func TestSolvePnPDLTValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(84))
	worldPoints, imagePoints, intrinsics, _ := pnpTestData(6, rng)

	// mismatched batch sizes
	_, err := SolvePnPDLT(worldPoints[:1], imagePoints, intrinsics)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "batch sizes must match")

	// empty batch
	_, err = SolvePnPDLT(nil, nil, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "batch is empty")

	// too few correspondences
	_, err = SolvePnPDLT(
		[][]r3.Vector{worldPoints[0][:5]},
		[][]r2.Point{imagePoints[0][:5]},
		intrinsics[:1],
	)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "need at least 6")

	// point count mismatch within an element
	_, err = SolvePnPDLT(
		[][]r3.Vector{worldPoints[0]},
		[][]r2.Point{imagePoints[0][:5]},
		intrinsics[:1],
	)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "world points but")

	// wrong intrinsics shape
	_, err = SolvePnPDLT(worldPoints[:1], imagePoints[:1], []*mat.Dense{mat.NewDense(2, 2, nil)})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "need 3x3")

	// singular intrinsics fail at the normalizer stage
	_, err = SolvePnPDLT(worldPoints[:1], imagePoints[:1], []*mat.Dense{mat.NewDense(3, 3, nil)})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrInvalidIntrinsics), test.ShouldBeTrue)
}

func TestSolvePnPDLTPoseAccuracy(t *testing.T) {
	rng := rand.New(rand.NewSource(84))
	for _, n := range testPointCounts {
		worldPoints, imagePoints, intrinsics, gtPoses := pnpTestData(n, rng)
		poses, err := SolvePnPDLT(worldPoints, imagePoints, intrinsics)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, len(poses), test.ShouldEqual, len(gtPoses))
		for b, pose := range poses {
			test.That(t, mat.EqualApprox(pose.PoseMat, gtPoses[b], 1e-3), test.ShouldBeTrue)
		}
	}
}

func TestSolvePnPDLTOrthonormality(t *testing.T) {
	rng := rand.New(rand.NewSource(84))
	for _, n := range testPointCounts {
		worldPoints, imagePoints, intrinsics, _ := pnpTestData(n, rng)
		poses, err := SolvePnPDLT(worldPoints, imagePoints, intrinsics)
		test.That(t, err, test.ShouldBeNil)
		for _, pose := range poses {
			var rrt mat.Dense
			rrt.Mul(pose.Rotation, transposeDense(pose.Rotation))
			var residual mat.Dense
			residual.Sub(&rrt, eye(3))
			test.That(t, mat.Norm(&residual, 2), test.ShouldBeLessThan, 1e-8)
			test.That(t, mat.Det(pose.Rotation), test.ShouldAlmostEqual, 1, 1e-8)
		}
	}
}

func TestSolvePnPDLTReprojection(t *testing.T) {
	rng := rand.New(rand.NewSource(84))
	for _, n := range testPointCounts {
		worldPoints, imagePoints, intrinsics, _ := pnpTestData(n, rng)
		poses, err := SolvePnPDLT(worldPoints, imagePoints, intrinsics)
		test.That(t, err, test.ShouldBeNil)
		for b, pose := range poses {
			reprojected := ProjectPointsToPixels(pose.PoseMat, intrinsics[b], worldPoints[b])
			for i, pt := range reprojected {
				test.That(t, pt.X, test.ShouldAlmostEqual, imagePoints[b][i].X, 1e-4)
				test.That(t, pt.Y, test.ShouldAlmostEqual, imagePoints[b][i].Y, 1e-4)
			}
		}
	}
}

func TestSolvePnPDLTDeterminism(t *testing.T) {
	rng := rand.New(rand.NewSource(84))
	worldPoints, imagePoints, intrinsics, _ := pnpTestData(20, rng)
	poses1, err := SolvePnPDLT(worldPoints, imagePoints, intrinsics)
	test.That(t, err, test.ShouldBeNil)
	poses2, err := SolvePnPDLT(worldPoints, imagePoints, intrinsics)
	test.That(t, err, test.ShouldBeNil)
	for b := range poses1 {
		test.That(t, mat.Equal(poses1[b].PoseMat, poses2[b].PoseMat), test.ShouldBeTrue)
	}
}

func TestSolvePnPDLTBatchIsolation(t *testing.T) {
	rng := rand.New(rand.NewSource(84))
	worldPoints, imagePoints, intrinsics, _ := pnpTestData(20, rng)
	poses, err := SolvePnPDLT(worldPoints, imagePoints, intrinsics)
	test.That(t, err, test.ShouldBeNil)

	// permuting the batch must permute the results and change nothing else
	revWorld := [][]r3.Vector{worldPoints[1], worldPoints[0]}
	revImage := [][]r2.Point{imagePoints[1], imagePoints[0]}
	revIntrinsics := []*mat.Dense{intrinsics[1], intrinsics[0]}
	revPoses, err := SolvePnPDLT(revWorld, revImage, revIntrinsics)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.Equal(revPoses[0].PoseMat, poses[1].PoseMat), test.ShouldBeTrue)
	test.That(t, mat.Equal(revPoses[1].PoseMat, poses[0].PoseMat), test.ShouldBeTrue)
}

func TestSolvePnPDLTMinimalCase(t *testing.T) {
	rng := rand.New(rand.NewSource(84))
	worldPoints, imagePoints, intrinsics, gtPoses := pnpTestData(6, rng)
	poses, err := SolvePnPDLT(worldPoints, imagePoints, intrinsics)
	test.That(t, err, test.ShouldBeNil)
	for b, pose := range poses {
		test.That(t, mat.EqualApprox(pose.PoseMat, gtPoses[b], 1e-3), test.ShouldBeTrue)
	}

	// generic configurations keep the system's 11th singular value bounded away
	// from the 12th, which should be numerically zero for exact data
	for b := range worldPoints {
		normalized, err := normalizeImagePoints(imagePoints[b], intrinsics[b])
		test.That(t, err, test.ShouldBeNil)
		system := buildDLTSystem(worldPoints[b], normalized)
		mats := performSVD(system)
		test.That(t, mats, test.ShouldNotBeNil)
		vals := mats.Values
		test.That(t, len(vals), test.ShouldEqual, 12)
		test.That(t, vals[11], test.ShouldBeLessThan, 1e-8*vals[0])
		test.That(t, vals[10]/vals[0], test.ShouldBeGreaterThan, 1e-8)
	}
}

// TestSolvePnPDLTSensitivity checks that the solve behaves like a smooth map:
// finite-difference steps of eps and 2*eps on a single input coordinate
// produce output changes in the same ratio.
func TestSolvePnPDLTSensitivity(t *testing.T) {
	eps := 1e-6
	for _, n := range testPointCounts {
		rng := rand.New(rand.NewSource(84))
		worldPoints, imagePoints, intrinsics, _ := pnpTestData(n, rng)

		base, err := SolvePnPDLT(worldPoints, imagePoints, intrinsics)
		test.That(t, err, test.ShouldBeNil)

		perturb := func(step float64) *CamPose {
			perturbed := make([]r3.Vector, n)
			copy(perturbed, worldPoints[0])
			perturbed[0].X += step
			poses, err := SolvePnPDLT(
				[][]r3.Vector{perturbed}, [][]r2.Point{imagePoints[0]}, []*mat.Dense{intrinsics[0]})
			test.That(t, err, test.ShouldBeNil)
			return poses[0]
		}

		var diff1, diff2 mat.Dense
		diff1.Sub(perturb(eps).PoseMat, base[0].PoseMat)
		diff2.Sub(perturb(2*eps).PoseMat, base[0].PoseMat)
		d1 := mat.Norm(&diff1, 2)
		d2 := mat.Norm(&diff2, 2)

		// small input change gives a small output change
		test.That(t, d1, test.ShouldBeLessThan, 1e-3)
		// and the response is locally linear
		if d1 > 0 {
			test.That(t, d2/(2*d1), test.ShouldAlmostEqual, 1, 1e-3)
		}
	}
}
