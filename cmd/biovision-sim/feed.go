package main

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"
)

const (
	frameWidth  = 320
	frameHeight = 240
	jpegQuality = 70
)

// channelTint is the background of each feed, so the two are told apart.
var channelTint = map[int]color.RGBA{
	1: {R: 24, G: 48, B: 96, A: 255},
	2: {R: 24, G: 80, B: 48, A: 255},
}

// serveFeed streams generated JPEGs as multipart/x-mixed-replace while
// processing runs. Idle feeds answer 503, like a server with no camera open.
func (s *simulator) serveFeed(channel int, interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.Running() {
			http.Error(w, "feed unavailable: not processing", http.StatusServiceUnavailable)
			return
		}

		mw := multipart.NewWriter(w)
		if err := mw.SetBoundary("frame"); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		flusher, _ := w.(http.Flusher)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for n := 0; s.Running(); n++ {
			frame, err := renderFrame(channel, n)
			if err != nil {
				s.logger.Error("render frame", "channel", channel, "error", err)
				return
			}
			part, err := mw.CreatePart(textproto.MIMEHeader{
				"Content-Type":   {"image/jpeg"},
				"Content-Length": {strconv.Itoa(len(frame))},
			})
			if err != nil {
				return
			}
			if _, err := part.Write(frame); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}

			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// renderFrame draws a tinted frame with a sweeping bar at position n.
func renderFrame(channel, n int) ([]byte, error) {
	tint, ok := channelTint[channel]
	if !ok {
		return nil, fmt.Errorf("no feed for channel %d", channel)
	}

	img := image.NewRGBA(image.Rect(0, 0, frameWidth, frameHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{tint}, image.Point{}, draw.Src)

	x := (n * 8) % frameWidth
	bar := image.Rect(x, 0, min(x+16, frameWidth), frameHeight)
	draw.Draw(img, bar, &image.Uniform{color.RGBA{R: 230, G: 230, B: 230, A: 255}}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
