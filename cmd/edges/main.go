// Command edges runs edge detection once on an image file and saves the
// result as a JPEG in the downloads folder of a snapshot directory.
//
//	edges -in photo.jpg                 → ./captures/downloads/edges_output.jpg
//	edges -in photo.png -dir /data -backend software -low 60 -high 140
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"time"

	"github.com/e7canasta/orion-lens/snapshot"
	"github.com/e7canasta/orion-lens/transform"
)

const defaultOutputName = "edges_output.jpg"

type options struct {
	Input   string
	Dir     string
	Name    string
	Low     int
	High    int
	Quality int
	Debug   bool
}

func main() {
	opts := parseFlags()

	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path, err := run(ctx, opts, logger)
	if err != nil {
		logger.Error("edge detection failed", "error", err)
		os.Exit(1)
	}
	fmt.Println(path)
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.Input, "in", "", "Input image (JPEG or PNG, required)")
	flag.StringVar(&o.Dir, "dir", "./captures", "Snapshot directory; output goes to <dir>/downloads")
	flag.StringVar(&o.Name, "name", defaultOutputName, "Output file name")
	flag.IntVar(&o.Low, "low", transform.DefaultLowThreshold, "Low hysteresis threshold")
	flag.IntVar(&o.High, "high", transform.DefaultHighThreshold, "High hysteresis threshold")
	flag.IntVar(&o.Quality, "quality", snapshot.DefaultQuality, "JPEG quality (1-100)")
	flag.BoolVar(&o.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if o.Input == "" {
		fmt.Fprintf(os.Stderr, "Error: -in is required\n")
		flag.Usage()
		os.Exit(2)
	}
	if o.Quality < 1 || o.Quality > 100 {
		fmt.Fprintf(os.Stderr, "Error: invalid JPEG quality %d (must be 1-100)\n", o.Quality)
		os.Exit(2)
	}
	return o
}

func run(ctx context.Context, o options, logger *slog.Logger) (string, error) {
	f, err := os.Open(o.Input)
	if err != nil {
		return "", err
	}
	img, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", o.Input, err)
	}
	logger.Info("image loaded", "path", o.Input, "format", format, "size", img.Bounds().Size().String())

	gw := transform.NewSoftware(
		transform.WithThresholds(o.Low, o.High),
		transform.WithLogger(logger),
	)
	out, ok := gw.Transform(transform.RawFromImage(img), transform.ModeEdges)
	if !ok {
		return "", fmt.Errorf("edge transform failed")
	}

	data, err := snapshot.Encode(out, o.Quality)
	if err != nil {
		return "", err
	}

	store, err := snapshot.NewDirStore(o.Dir, logger)
	if err != nil {
		return "", err
	}
	return store.Save(ctx, snapshot.Item{
		Data:     data,
		Filename: o.Name,
		MIMEType: snapshot.MIMETypeJPEG,
		Category: snapshot.CategoryDownloads,
	})
}
