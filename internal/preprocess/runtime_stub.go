//go:build !gocv || !cgo

package preprocess

func newBackend() Backend {
	return goBackend{}
}
