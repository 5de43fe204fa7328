package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nugget/kinect-relay/internal/rawlog"
	"github.com/nugget/kinect-relay/internal/sensor"
	"github.com/nugget/kinect-relay/internal/skeleton"
)

// dumpBody is one body slot in dump output. Joints use the same
// encoding as the published messages.
type dumpBody struct {
	Slot       int                    `json:"slot"`
	TrackingID uint64                 `json:"tracking_id"`
	Tracked    bool                   `json:"tracked"`
	Joints     skeleton.SkeletonFrame `json:"joints,omitempty"`
}

type dumpFrame struct {
	Recorded     time.Time  `json:"recorded"`
	RelativeTime float64    `json:"relative_time_s"`
	Bodies       []dumpBody `json:"bodies"`
}

// runDump prints every frame of a rawlog recording: one JSON object per
// line with -o json, otherwise a one-line summary per frame.
func runDump(w io.Writer, path string, outputFmt string) error {
	rd, err := rawlog.Open(path)
	if err != nil {
		return fmt.Errorf("open recording %s: %w", path, err)
	}
	defer rd.Close()

	enc := json.NewEncoder(w)
	n := 0
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read recording %s: %w", path, err)
		}
		frame, err := sensor.UnmarshalFrame(rec.Payload)
		if err != nil {
			return fmt.Errorf("frame %d: %w", n, err)
		}

		df := dumpFrame{
			Recorded:     rec.Time.UTC(),
			RelativeTime: frame.RelativeTime.Seconds(),
			Bodies:       make([]dumpBody, 0, len(frame.Bodies)),
		}
		tracked := 0
		for slot, b := range frame.Bodies {
			db := dumpBody{Slot: slot, TrackingID: b.TrackingID, Tracked: b.Tracked}
			if b.Tracked {
				tracked++
				db.Joints = skeleton.NewSkeletonFrame(b.Positions())
			}
			df.Bodies = append(df.Bodies, db)
		}

		if outputFmt == "json" {
			if err := enc.Encode(df); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(w, "%s  t=%.3fs  bodies=%d  tracked=%d\n",
				df.Recorded.Format(time.RFC3339Nano), df.RelativeTime, len(df.Bodies), tracked)
		}
		n++
	}

	if outputFmt != "json" {
		fmt.Fprintf(w, "%d frames\n", n)
	}
	return nil
}
