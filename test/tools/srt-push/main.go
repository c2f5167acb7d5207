// Command srt-push publishes an MPEG-TS file to an SRT listener at its
// natural rate, looping with rewritten timestamps so the receiver sees one
// continuous stream.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	srt "github.com/zsiec/srtgo"

	"github.com/zsiec/avcmux/internal/mpegts"
)

func main() {
	file := flag.String("file", "", "TS file to push")
	key := flag.String("key", "", "stream key (default: file name without extension)")
	addr := flag.String("addr", "127.0.0.1:6000", "SRT listener address")
	duration := flag.Float64("duration", 0, "file duration in seconds (default: from video PTS)")
	once := flag.Bool("once", false, "stop after one pass instead of looping")
	flag.Parse()

	if *file == "" && flag.NArg() > 0 {
		*file = flag.Arg(0)
	}
	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: srt-push [-key k] [-addr host:port] [-once] file.ts")
		os.Exit(2)
	}
	if *key == "" {
		base := filepath.Base(*file)
		*key = strings.TrimSuffix(base, filepath.Ext(base))
	}

	data, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading %s: %v\n", *file, err)
		os.Exit(1)
	}
	if len(data)%mpegts.PacketSize != 0 {
		fmt.Fprintf(os.Stderr, "warning: file size not a multiple of %d\n", mpegts.PacketSize)
	}

	entries, first, last := scanTimestamps(data)
	d := selectDuration(*duration, first, last)
	fmt.Printf("%s: %d packets, %.2fs, %d timestamps\n", *file, len(data)/mpegts.PacketSize, d, len(entries))

	p := &pusher{
		data:        data,
		entries:     entries,
		loopTicks:   int64(d * 90000),
		bytesPerSec: float64(len(data)) / d,
		streamID:    "live/" + *key,
		once:        *once,
	}
	p.run(*addr)
}

// selectDuration prefers an explicit override, then the video PTS span
// plus one nominal frame, then 60 seconds.
func selectDuration(override float64, firstPTS, lastPTS int64) float64 {
	if override > 0 {
		return override
	}
	if firstPTS >= 0 && lastPTS > firstPTS {
		span := float64(lastPTS-firstPTS) / 90000
		return span + 1.0/30
	}
	return 60
}

type pusher struct {
	data        []byte
	entries     []stampEntry
	loopTicks   int64
	bytesPerSec float64
	streamID    string
	once        bool
}

func (p *pusher) run(addr string) {
	for {
		fmt.Printf("[%s] connecting to %s\n", p.streamID, addr)

		cfg := srt.DefaultConfig()
		cfg.StreamID = p.streamID
		conn, err := srt.Dial(addr, cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] connect failed: %v, retrying\n", p.streamID, err)
			time.Sleep(time.Second)
			continue
		}

		err = p.stream(conn)
		conn.Close()
		if err == nil {
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] connection lost: %v, reconnecting\n", p.streamID, err)
		time.Sleep(time.Second)
	}
}

// stream writes the file in seven-packet chunks, pacing against a global
// clock so there is no burst at the loop seam.
func (p *pusher) stream(conn *srt.Conn) error {
	const chunk = mpegts.PacketSize * 7
	start := time.Now()
	var sent int64

	for loop := 1; ; loop++ {
		for i := 0; i < len(p.data); i += chunk {
			end := min(i+chunk, len(p.data))
			if _, err := conn.Write(p.data[i:end]); err != nil {
				return err
			}
			sent += int64(end - i)

			due := time.Duration(float64(sent) / p.bytesPerSec * float64(time.Second))
			if wait := due - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}
		}
		if p.once {
			return nil
		}
		addTimestampOffset(p.data, p.entries, p.loopTicks)
		fmt.Printf("[%s] loop %d done, %.1f MB sent\n", p.streamID, loop, float64(sent)/(1<<20))
	}
}
