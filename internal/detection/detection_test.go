package detection

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"findmyspot-backend/internal/occupancy"
)

const recording = `frame,x1,y1,x2,y2,confidence,label
1,10,10,50,40,0.91,car
1,100,10,140,40,0.35,car
3,12,11,49,41,0.88,car
bad,0,0,1,1,0.9,car
3,60,60,70,70,0.7,person
`

func TestCSVSource_GroupsRowsByFrame(t *testing.T) {
	src, err := NewCSVSource(strings.NewReader(recording))
	require.NoError(t, err)
	assert.Equal(t, 3, src.Len())

	ctx := context.Background()
	var got []Frame
	for {
		f, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, f)
	}

	want := []Frame{
		{Seq: 1, Boxes: []occupancy.DetectionBox{
			{X1: 10, Y1: 10, X2: 50, Y2: 40, Confidence: 0.91, Label: "car"},
			{X1: 100, Y1: 10, X2: 140, Y2: 40, Confidence: 0.35, Label: "car"},
		}},
		{Seq: 2},
		{Seq: 3, Boxes: []occupancy.DetectionBox{
			{X1: 12, Y1: 11, X2: 49, Y2: 41, Confidence: 0.88, Label: "car"},
			{X1: 60, Y1: 60, X2: 70, Y2: 70, Confidence: 0.7, Label: "person"},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVSource_Rewind(t *testing.T) {
	src, err := NewCSVSource(strings.NewReader(recording))
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := src.Next(ctx)
		require.NoError(t, err)
	}
	_, err = src.Next(ctx)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, src.Rewind())
	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Seq)

	require.NoError(t, src.Close())
	_, err = src.Next(ctx)
	assert.Equal(t, io.EOF, err)
	assert.Error(t, src.Rewind())
}

func TestCSVSource_OutlierFrameNumber(t *testing.T) {
	src, err := NewCSVSource(strings.NewReader(`frame,x1,y1,x2,y2,confidence,label
0,10,10,50,40,0.9,car
2,10,10,50,40,0.9,car
2147483647,1,1,2,2,0.9,car
`))
	require.NoError(t, err)
	assert.Equal(t, 4, src.Len(), "the long gap is not replayed")

	ctx := context.Background()
	var seqs []int
	for {
		f, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seqs = append(seqs, f.Seq)
	}
	assert.Equal(t, []int{0, 1, 2, 2147483647}, seqs)

	require.NoError(t, src.Rewind())
	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, f.Seq)
}

func TestCSVSource_RejectsMissingColumns(t *testing.T) {
	_, err := NewCSVSource(strings.NewReader("frame,x1,y1,x2,y2\n1,0,0,1,1\n"))
	assert.ErrorContains(t, err, "confidence")
}

func TestOpenCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detections.csv")
	require.NoError(t, os.WriteFile(path, []byte(recording), 0o600))

	src, err := OpenCSV(path)
	require.NoError(t, err)
	assert.Equal(t, 3, src.Len())

	_, err = OpenCSV(filepath.Join(t.TempDir(), "missing.csv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFeed_LatestFrameWins(t *testing.T) {
	feed := NewFeed()
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	feed.now = func() time.Time { return fixed }
	ctx := context.Background()

	_, err := feed.Next(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)

	require.NoError(t, feed.Publish(Frame{Boxes: []occupancy.DetectionBox{{Label: "car"}}}))
	require.NoError(t, feed.Publish(Frame{Boxes: []occupancy.DetectionBox{{Label: "truck"}}}))

	f, err := feed.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Seq)
	assert.Equal(t, "truck", f.Boxes[0].Label)
	assert.Equal(t, fixed, f.CapturedAt)

	_, err = feed.Next(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)

	require.NoError(t, feed.Close())
	assert.ErrorIs(t, feed.Publish(Frame{}), ErrFeedClosed)
	_, err = feed.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestFeed_CancelledContext(t *testing.T) {
	feed := NewFeed()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := feed.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
