// Command scan-video runs the delivery scan against a local file and
// prints what it finds, without starting the server or the analysis
// queue. Useful for tuning chunking and dedup settings against known
// footage.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kanarupandev/bowlingMate/internal/clipper"
	"github.com/kanarupandev/bowlingMate/internal/config"
	"github.com/kanarupandev/bowlingMate/internal/detector"
	"github.com/kanarupandev/bowlingMate/internal/logging"
	"github.com/kanarupandev/bowlingMate/internal/models"
	"github.com/kanarupandev/bowlingMate/internal/scanner"
	"github.com/kanarupandev/bowlingMate/internal/session"
)

// noQueue satisfies the scheduler's enqueuer without dispatching
// anything; clips stay queued on disk for inspection.
type noQueue struct{}

func (noQueue) Request(id string) error { return nil }

func main() {
	videoPath := flag.String("video", "", "Path to the video file to scan")
	flag.Parse()

	if *videoPath == "" {
		fmt.Fprintln(os.Stderr, "Please provide a video path with -video")
		os.Exit(1)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{Level: cfg.Log.Level, Format: "console", Output: os.Stderr})
	log := logging.Component("scan-video")

	clips, err := clipper.New(cfg.Storage.ClipDir, cfg.Clip)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize clip extractor")
	}
	scout := detector.NewClient(cfg.Backend)

	sess := session.New(cfg.Scan.DedupThreshold)
	sched := scanner.New(clips, scout, noQueue{}, nil, cfg.Scan, cfg.Clip)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	summary, err := sched.Scan(ctx, sess, *videoPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Scan failed")
	}

	waitForClips(ctx, sess)

	fmt.Printf("Scanned %d windows, found %d deliveries\n\n", summary.Windows, summary.Found)
	for _, d := range sess.Deliveries() {
		fmt.Printf("#%d  t=%.2fs  status=%s", d.Sequence, d.EventTimestamp, d.Status)
		if d.ClipLocation != "" {
			fmt.Printf("  clip=%s", d.ClipLocation)
		}
		fmt.Println()
	}
}

// waitForClips blocks until every discovered delivery has either a clip
// or a failure, with a hard cap so a wedged extraction cannot hang the
// tool.
func waitForClips(ctx context.Context, sess *session.Session) {
	deadline := time.After(2 * time.Minute)
	for {
		settled := true
		for _, d := range sess.Deliveries() {
			if d.Status == models.StatusDetecting || d.Status == models.StatusClipping {
				settled = false
				break
			}
		}
		if settled {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}
