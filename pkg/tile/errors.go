package tile

import (
	"errors"
	"fmt"
	"image"
)

// MetadataError means a source's info.json could not be used. Fatal for that source.
type MetadataError struct {
	URL string
	Err error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata %s: %v", e.URL, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

// FetchError is a failed or timed out HTTP request
type FetchError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DecodeError is a payload that is empty or not a decodable image
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CompositingWarning reports a decoded region whose size differs from the planned one
type CompositingWarning struct {
	Coord    Coord
	Expected image.Point
	Got      image.Point
}

func (w *CompositingWarning) Error() string {
	return fmt.Sprintf("tile %s: got %dx%d, expected %dx%d",
		w.Coord, w.Got.X, w.Got.Y, w.Expected.X, w.Expected.Y)
}

// IsRetryable reports whether another attempt may succeed
func IsRetryable(err error) bool {
	var fetchErr *FetchError
	var decodeErr *DecodeError
	return errors.As(err, &fetchErr) || errors.As(err, &decodeErr)
}
