package preprocess

import "image"

// goBackend is the pure-Go implementation used when OpenCV is not linked.
type goBackend struct{}

func (goBackend) Name() string {
	return "go"
}

// RemoveHair detects thin dark structures with a blackhat transform on the
// luma plane and paints over them from the surrounding skin.
func (goBackend) RemoveHair(src *image.RGBA) (*image.RGBA, error) {
	if err := checkImage(src); err != nil {
		return nil, err
	}
	gray := grayscale(src)
	mask := threshold(blackhat(gray, HairKernelSize), HairThreshold)
	return inpaintTelea(src, mask, InpaintRadius), nil
}

func (goBackend) EqualizeContrast(src *image.RGBA) (*image.RGBA, error) {
	if err := checkImage(src); err != nil {
		return nil, err
	}
	return equalizeLab(src), nil
}
