//go:build gocv && cgo

package preprocess

import (
	"fmt"
	"image"
	"image/draw"

	"gocv.io/x/gocv"
)

func newBackend() Backend {
	return gocvBackend{}
}

// gocvBackend runs hair removal and CLAHE through OpenCV. Mats are BGR.
type gocvBackend struct{}

func (gocvBackend) Name() string {
	return "gocv"
}

func (gocvBackend) RemoveHair(src *image.RGBA) (*image.RGBA, error) {
	if err := checkImage(src); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(src)
	if err != nil {
		return nil, fmt.Errorf("convert image to mat: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorBGRToGray)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(HairKernelSize, HairKernelSize))
	defer kernel.Close()

	hat := gocv.NewMat()
	defer hat.Close()
	gocv.MorphologyEx(gray, &hat, gocv.MorphBlackhat, kernel)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(hat, &mask, HairThreshold, 255, gocv.ThresholdBinary)

	painted := gocv.NewMat()
	defer painted.Close()
	gocv.Inpaint(mat, mask, &painted, InpaintRadius, gocv.Telea)

	return matToRGBA(painted, src.Rect)
}

func (gocvBackend) EqualizeContrast(src *image.RGBA) (*image.RGBA, error) {
	if err := checkImage(src); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(src)
	if err != nil {
		return nil, fmt.Errorf("convert image to mat: %w", err)
	}
	defer mat.Close()

	lab := gocv.NewMat()
	defer lab.Close()
	gocv.CvtColor(mat, &lab, gocv.ColorBGRToLab)

	channels := gocv.Split(lab)
	for i := range channels {
		defer channels[i].Close()
	}
	if len(channels) < 3 {
		return nil, fmt.Errorf("expected 3 lab channels, got %d", len(channels))
	}

	eq := gocv.NewCLAHEWithParams(CLAHEClipLimit, image.Pt(CLAHETileGrid, CLAHETileGrid))
	defer eq.Close()

	l := gocv.NewMat()
	defer l.Close()
	eq.Apply(channels[0], &l)

	merged := gocv.NewMat()
	defer merged.Close()
	gocv.Merge([]gocv.Mat{l, channels[1], channels[2]}, &merged)

	out := gocv.NewMat()
	defer out.Close()
	gocv.CvtColor(merged, &out, gocv.ColorLabToBGR)

	return matToRGBA(out, src.Rect)
}

func matToRGBA(mat gocv.Mat, rect image.Rectangle) (*image.RGBA, error) {
	img, err := mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("convert mat to image: %w", err)
	}
	dst := image.NewRGBA(rect)
	draw.Draw(dst, rect, img, img.Bounds().Min, draw.Src)
	return dst, nil
}
