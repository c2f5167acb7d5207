// Command avclient exercises an avcmux server from the outside: push posts
// an H.264 elementary stream as access units, dump reads the access-unit
// endpoint and prints one line per record.
package main

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/avcmux/internal/distribution"
	"github.com/zsiec/avcmux/internal/h264"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "push":
		err = push(ctx, args)
	case "dump":
		err = dump(ctx, args)
	default:
		usage()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: avclient push [-server url] [-key k] [-fps n] [-loop] file.h264")
	fmt.Fprintln(os.Stderr, "       avclient dump [-server url] [-key k] [-n records]")
	os.Exit(2)
}

// newClient returns a client that trusts the server's self-signed
// certificate, over HTTP/3 when h3 is set.
func newClient(h3 bool) *http.Client {
	tlsConf := &tls.Config{InsecureSkipVerify: true}
	if h3 {
		return &http.Client{Transport: &http3.Transport{TLSClientConfig: tlsConf}}
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConf}}
}

func push(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("push", flag.ExitOnError)
	server := fs.String("server", "https://localhost:4444", "server base URL")
	key := fs.String("key", "test", "stream key")
	fps := fs.Float64("fps", 30, "posting rate")
	loop := fs.Bool("loop", false, "repeat the file until interrupted")
	h3 := fs.Bool("h3", false, "use HTTP/3")
	fs.Parse(args)
	if fs.NArg() != 1 {
		usage()
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}
	aus, err := splitAccessUnits(data)
	if err != nil {
		return err
	}
	fmt.Printf("%d access units\n", len(aus))

	client := newClient(*h3)
	url := fmt.Sprintf("%s/api/streams/%s/frames", *server, *key)
	tick := time.NewTicker(time.Duration(float64(time.Second) / *fps))
	defer tick.Stop()

	for {
		for i, au := range aus {
			select {
			case <-tick.C:
			case <-ctx.Done():
				return endStream(client, *server, *key)
			}
			if err := postFrame(ctx, client, url, au); err != nil {
				return fmt.Errorf("frame %d: %w", i, err)
			}
		}
		if !*loop {
			return endStream(client, *server, *key)
		}
	}
}

func postFrame(ctx context.Context, client *http.Client, url string, au []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(au))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return nil
}

func endStream(client *http.Client, server, key string) error {
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/streams/%s", server, key), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func dump(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	server := fs.String("server", "https://localhost:4444", "server base URL")
	key := fs.String("key", "test", "stream key")
	limit := fs.Int("n", 0, "stop after n records (0 = until the stream ends)")
	h3 := fs.Bool("h3", false, "use HTTP/3")
	fs.Parse(args)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/streams/%s/au", *server, *key), nil)
	if err != nil {
		return err
	}
	resp, err := newClient(*h3).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET au: %s", resp.Status)
	}
	return printRecords(bufio.NewReader(resp.Body), os.Stdout, *limit)
}

// printRecords writes one line per record read from r.
func printRecords(r *bufio.Reader, w io.Writer, limit int) error {
	for n := 0; limit == 0 || n < limit; n++ {
		rec, err := distribution.ReadAURecord(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch {
		case rec.IsDecoderConfig():
			var dc h264.DecoderConfig
			if err := json.Unmarshal(rec.Payload, &dc); err != nil {
				return fmt.Errorf("decoder config: %w", err)
			}
			fmt.Fprintf(w, "config  %s %dx%d description=%dB\n", dc.Codec, dc.CodedWidth, dc.CodedHeight, len(dc.Description))
		case rec.IsKeyframe():
			fmt.Fprintf(w, "key     ts=%d %dB\n", rec.Timestamp, len(rec.Payload))
		default:
			fmt.Fprintf(w, "delta   ts=%d %dB\n", rec.Timestamp, len(rec.Payload))
		}
	}
	return nil
}
