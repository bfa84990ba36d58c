// Given a JSON file of 3D world points, their observed 2D image projections,
// and the camera intrinsics, this command estimates the world-to-camera pose
// of each batch element with the DLT PnP solver.
//
// Example JSON input:
//
//	{
//	  "world_points": [[{"X": 1, "Y": 2, "Z": 10}, ...]],
//	  "image_points": [[{"X": 310.1, "Y": 250.7}, ...]],
//	  "intrinsics": [{"width_px": 1024, "height_px": 768, "fx": 821.3, "fy": 821.7, "ppx": 494.9, "ppy": 370.7}]
//	}
package main

import (
	"encoding/json"
	"flag"
	"io"
	"os"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/mat"

	"github.com/sightline-robotics/calib/transform"
)

// PnPCalibrationConfig holds the correspondences and the intrinsics of each
// batch element.
type PnPCalibrationConfig struct {
	WorldPoints [][]r3.Vector                       `json:"world_points"`
	ImagePoints [][]r2.Point                        `json:"image_points"`
	Intrinsics  []transform.PinholeCameraIntrinsics `json:"intrinsics"`
}

var logger = golog.NewDevelopmentLogger("pnp_calibration")

func main() {
	confPtr := flag.String("conf", "", "path of JSON configuration with the correspondences and intrinsics")
	refinePtr := flag.Bool("refine", false, "refine each DLT estimate by minimizing reprojection error")
	flag.Parse()

	poses, err := calibrate(*confPtr, *refinePtr, logger)
	if err != nil {
		logger.Fatal(err)
	}
	for b, pose := range poses {
		logger.Infof("pose %d:\n%v", b, mat.Formatted(pose.PoseMat))
	}
}

func calibrate(filePath string, refine bool, logger golog.Logger) ([]*transform.CamPose, error) {
	cfg, err := readConfig(filePath)
	if err != nil {
		return nil, err
	}
	intrinsics := make([]*mat.Dense, len(cfg.Intrinsics))
	for i := range cfg.Intrinsics {
		if err := cfg.Intrinsics[i].CheckValid(); err != nil {
			return nil, errors.Wrapf(err, "batch element %d", i)
		}
		intrinsics[i] = cfg.Intrinsics[i].GetCameraMatrix()
	}
	poses, err := transform.SolvePnPDLT(cfg.WorldPoints, cfg.ImagePoints, intrinsics)
	if err != nil {
		return nil, err
	}
	if refine {
		logger.Debug("refining DLT estimates")
		poses, err = transform.RefinePoses(poses, cfg.WorldPoints, cfg.ImagePoints, intrinsics)
		if err != nil {
			return nil, err
		}
	}
	for b, pose := range poses {
		rmse := transform.ReprojectionError(pose.PoseMat, intrinsics[b], cfg.WorldPoints[b], cfg.ImagePoints[b])
		logger.Debugf("batch element %d mean squared reprojection error: %g", b, rmse)
	}
	return poses, nil
}

func readConfig(filePath string) (*PnPCalibrationConfig, error) {
	if filePath == "" {
		return nil, errors.New("no configuration file path given, use the -conf flag")
	}
	//nolint:gosec
	jsonFile, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	cfg := &PnPCalibrationConfig{}
	if err := json.Unmarshal(byteValue, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return cfg, nil
}
