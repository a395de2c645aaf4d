package stitcher

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/kiesman99/iiif-stitch/internal/iiif/iiiftest"
	"github.com/kiesman99/iiif-stitch/pkg/tile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.TileThreshold = 200
	opts.Format = "png"
	opts.Backoff = time.Millisecond
	opts.Timeout = 5 * time.Second
	return opts
}

func parseSources(t *testing.T, urls ...string) []tile.Source {
	t.Helper()
	var sources []tile.Source
	for i, u := range urls {
		src, err := tile.ParseSource(i+1, u)
		require.NoError(t, err)
		sources = append(sources, src)
	}
	return sources
}

func TestStitch_Tiled(t *testing.T) {
	ref := iiiftest.Pattern(450, 310)
	srv := iiiftest.NewServer(ref, 100)
	defer srv.Close()

	var progress []int
	opts := testOptions()
	opts.Progress = func(src tile.Source, done, total int) {
		assert.Equal(t, 20, total)
		progress = append(progress, done)
	}

	result := New(opts, nil).Stitch(context.Background(), parseSources(t, srv.InfoURL())[0])

	require.Equal(t, StatusCompleted, result.Status, "err: %v", result.Err)
	assert.Empty(t, result.Missing)
	assert.Equal(t, 20, result.Tiles)
	assert.Equal(t, 20, result.Fetched)
	assert.Equal(t, 20, srv.RegionRequests())
	require.NotNil(t, result.Image)
	assert.Equal(t, ref.Bounds(), result.Image.Bounds())
	assert.Equal(t, ref.Pix, result.Image.Pix)
	assert.Len(t, progress, 20)
	assert.Equal(t, 20, progress[len(progress)-1])
}

func TestStitch_PartialFailure(t *testing.T) {
	ref := iiiftest.Pattern(500, 400)
	srv := iiiftest.NewServer(ref, 100)
	defer srv.Close()

	srv.Fail("200,300,100,100", -1)

	opts := testOptions()
	opts.Retries = 2
	result := New(opts, nil).Stitch(context.Background(), parseSources(t, srv.InfoURL())[0])

	require.Equal(t, StatusCompletedWithGaps, result.Status)
	assert.Equal(t, []tile.Coord{{Col: 2, Row: 3}}, result.Missing)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, 3, result.Failures[0].Attempts)
	assert.Equal(t, 3, srv.Requests("200,300,100,100"))

	gap := image.Rect(200, 300, 300, 400)
	white := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	for y := 0; y < 400; y++ {
		for x := 0; x < 500; x++ {
			got := result.Image.NRGBAAt(x, y)
			if (image.Point{X: x, Y: y}).In(gap) {
				require.Equal(t, white, got, "gap pixel (%d,%d)", x, y)
				continue
			}
			require.Equal(t, ref.NRGBAAt(x, y), got, "pixel (%d,%d)", x, y)
		}
	}
}

func TestStitch_TransientFailureRecovers(t *testing.T) {
	ref := iiiftest.Pattern(300, 300)
	srv := iiiftest.NewServer(ref, 100)
	defer srv.Close()

	srv.Fail("100,100,100,100", 2)

	result := New(testOptions(), nil).Stitch(context.Background(), parseSources(t, srv.InfoURL())[0])
	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, ref.Pix, result.Image.Pix)
	assert.Equal(t, 3, srv.Requests("100,100,100,100"))
}

func TestStitch_ConcurrencyBound(t *testing.T) {
	srv := iiiftest.NewServer(iiiftest.Pattern(400, 300), 100)
	defer srv.Close()

	opts := testOptions()
	opts.Workers = 3
	result := New(opts, nil).Stitch(context.Background(), parseSources(t, srv.InfoURL())[0])

	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 12, result.Tiles)
	assert.LessOrEqual(t, srv.MaxInFlight(), 3)
}

func TestStitch_SmallImageSingleRequest(t *testing.T) {
	ref := iiiftest.Pattern(150, 180)
	srv := iiiftest.NewServer(ref, 64)
	defer srv.Close()

	opts := testOptions()
	opts.TileThreshold = 2000
	result := New(opts, nil).Stitch(context.Background(), parseSources(t, srv.InfoURL())[0])

	require.Equal(t, StatusCompleted, result.Status)
	assert.False(t, result.Geometry.Tiled)
	assert.Equal(t, 1, result.Tiles)
	assert.Equal(t, 1, srv.Requests("full"))
	assert.Equal(t, 1, srv.RegionRequests())
	assert.Equal(t, ref.Pix, result.Image.Pix)
}

func TestStitch_DirectImage(t *testing.T) {
	ref := iiiftest.Pattern(40, 30)
	srv := iiiftest.NewServer(ref, 0)
	defer srv.Close()

	src := parseSources(t, srv.DirectURL())[0]
	require.Equal(t, tile.KindDirectImage, src.Kind)

	result := New(testOptions(), nil).Stitch(context.Background(), src)
	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 40, result.Geometry.Width)
	assert.Equal(t, 30, result.Geometry.Height)
	assert.Equal(t, ref.Pix, result.Image.Pix)
}

func TestStitch_AllTilesFailed(t *testing.T) {
	srv := iiiftest.NewServer(iiiftest.Pattern(100, 100), 0)
	defer srv.Close()

	srv.Fail("full", -1)

	opts := testOptions()
	opts.Retries = 0
	result := New(opts, nil).Stitch(context.Background(), parseSources(t, srv.InfoURL())[0])

	assert.Equal(t, StatusFailed, result.Status)
	assert.Nil(t, result.Image)
	assert.NotEmpty(t, result.Reason())
}

func TestStitch_EveryTileFailedKeepsCanvas(t *testing.T) {
	srv := iiiftest.NewServer(iiiftest.Pattern(200, 200), 100)
	defer srv.Close()

	for _, region := range []string{"0,0,100,100", "100,0,100,100", "0,100,100,100", "100,100,100,100"} {
		srv.Fail(region, -1)
	}

	opts := testOptions()
	opts.Retries = 0
	result := New(opts, nil).Stitch(context.Background(), parseSources(t, srv.InfoURL())[0])

	require.Equal(t, StatusCompletedWithGaps, result.Status)
	assert.Equal(t, []tile.Coord{{Col: 0, Row: 0}, {Col: 1, Row: 0}, {Col: 0, Row: 1}, {Col: 1, Row: 1}}, result.Missing)
	assert.Equal(t, 0, result.Fetched)
	assert.Empty(t, result.Reason())
	require.NotNil(t, result.Image)
	assert.Equal(t, image.Rect(0, 0, 200, 200), result.Image.Bounds())
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, result.Image.NRGBAAt(150, 150))
}

func TestStitch_CountsClippedTiles(t *testing.T) {
	srv := iiiftest.NewServer(iiiftest.Pattern(230, 230), 100)
	defer srv.Close()

	// the served image is smaller than advertised, so the last column and
	// row come back short
	srv.SetInfo([]byte(`{"width":250,"height":250,"tiles":[{"width":100}]}`))

	result := New(testOptions(), nil).Stitch(context.Background(), parseSources(t, srv.InfoURL())[0])

	require.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 9, result.Fetched)
	assert.Equal(t, 5, result.Warnings)
}

func TestStitchAll_MetadataFailureIsolated(t *testing.T) {
	ref := iiiftest.Pattern(120, 80)
	good := iiiftest.NewServer(ref, 0)
	defer good.Close()

	bad := iiiftest.NewServer(ref, 0)
	defer bad.Close()
	bad.SetInfo([]byte(`<html>not json</html>`))

	results := New(testOptions(), nil).StitchAll(context.Background(),
		parseSources(t, bad.InfoURL(), good.InfoURL(), good.DirectURL()))
	require.Len(t, results, 3)

	assert.Equal(t, StatusFailed, results[0].Status)
	var metaErr *tile.MetadataError
	assert.True(t, errors.As(results[0].Err, &metaErr))
	assert.Equal(t, 0, bad.RegionRequests(), "no tile work for a failed source")

	assert.Equal(t, StatusCompleted, results[1].Status)
	assert.Equal(t, ref.Pix, results[1].Image.Pix)
	assert.Equal(t, StatusCompleted, results[2].Status)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "completed", StatusCompleted.String())
	assert.Equal(t, "completed_with_gaps", StatusCompletedWithGaps.String())
	assert.Equal(t, "failed", StatusFailed.String())
}

func TestStitchAll_OversizedMetadataIsolated(t *testing.T) {
	ref := iiiftest.Pattern(120, 80)
	good := iiiftest.NewServer(ref, 0)
	defer good.Close()

	huge := iiiftest.NewServer(ref, 0)
	defer huge.Close()
	huge.SetInfo([]byte(`{"width":4000000000,"height":4000000000,"tiles":[{"width":1024}]}`))

	tiny := iiiftest.NewServer(ref, 0)
	defer tiny.Close()
	tiny.SetInfo([]byte(`{"width":5000,"height":5000,"tiles":[{"width":1}]}`))

	results := New(testOptions(), nil).StitchAll(context.Background(),
		parseSources(t, huge.InfoURL(), tiny.InfoURL(), good.InfoURL()))
	require.Len(t, results, 3)

	for _, result := range results[:2] {
		assert.Equal(t, StatusFailed, result.Status)
		var metaErr *tile.MetadataError
		assert.True(t, errors.As(result.Err, &metaErr), "got %v", result.Err)
	}
	assert.Equal(t, 0, huge.RegionRequests())
	assert.Equal(t, 0, tiny.RegionRequests())

	require.Equal(t, StatusCompleted, results[2].Status)
	assert.Equal(t, ref.Pix, results[2].Image.Pix)
}
