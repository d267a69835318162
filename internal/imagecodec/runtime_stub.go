//go:build !govips || !cgo

package imagecodec

func Startup() error {
	return nil
}

func Shutdown() {}

func newDecoder(maxPixels int64) (Decoder, error) {
	return stdlibDecoder{maxPixels: maxPixels}, nil
}
