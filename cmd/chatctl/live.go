package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/chatcore/pkg/attachment"
	"github.com/lrhodin/chatcore/pkg/store"
)

var recordCommand = &cli.Command{
	Name:      "record",
	Aliases:   []string{"voice"},
	Usage:     "Record a voice message from an audio stream and send it",
	ArgsUsage: "CONVERSATION [FILE]",
	Description: "Reads encoded audio from FILE, or stdin if no file is given, until the\n" +
		"stream ends, --duration passes or the command is interrupted.",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "duration",
			Usage: "Stop recording after this long",
		},
	},
	Before: requiresConversation,
	After:  disconnectClient,
	Action: cmdRecord,
}

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "Follow a conversation, sending every line typed on stdin",
	ArgsUsage: "CONVERSATION",
	Before:    requiresConversation,
	After:     disconnectClient,
	Action:    cmdWatch,
}

// streamDevice is a recording device backed by a file or stdin, e.g.
// `arecord -f cd | lame - - | chatctl record CONV`.
type streamDevice struct {
	path string
}

func (d *streamDevice) Open(_ context.Context) (io.ReadCloser, error) {
	if d.path == "" || d.path == "-" {
		return os.Stdin, nil
	}
	return os.Open(d.path)
}

func cmdRecord(ctx *cli.Context) error {
	client := getClient(ctx)
	rec := attachment.NewRecorder(&streamDevice{path: ctx.Args().Get(1)}, getLogger(ctx))

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rec.Start(sigCtx); err != nil {
		return err
	}
	var timeout <-chan time.Time
	if d := ctx.Duration("duration"); d > 0 {
		timeout = time.After(d)
	}
	fmt.Fprintln(os.Stderr, "Recording, press Ctrl+C to stop")
	select {
	case <-rec.Done():
	case <-timeout:
	case <-sigCtx.Done():
	}
	payload, err := rec.Stop()
	if err != nil {
		return err
	}
	// The interrupt only ends the recording, the upload gets the parent context.
	if err = client.Engine.SendVoice(ctx.Context, payload); err != nil {
		return err
	}
	fmt.Printf("Sent voice message %s (%d bytes)\n", payload.Name, len(payload.Data))
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Warning: metrics listener failed: %v\n", err)
		}
	}()
	return srv
}

func cmdWatch(ctx *cli.Context) error {
	client := getClient(ctx)
	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if reg, ok := getRegistry(ctx).(*prometheus.Registry); ok {
		srv := serveMetrics(getConfig(ctx).Metrics.Listen, reg)
		defer func() {
			_ = srv.Close()
		}()
	}

	seen := make(map[string]struct{})
	printNew := func(snap store.Snapshot) {
		for _, msg := range snap.Messages {
			if msg.IsPending() {
				continue
			}
			if _, ok := seen[msg.ID]; ok {
				continue
			}
			seen[msg.ID] = struct{}{}
			fmt.Println(formatMessage(msg, client.Viewer.Username))
		}
	}
	// Only the latest snapshot matters.
	snaps := make(chan store.Snapshot, 1)
	client.Store.OnChange(func(snap store.Snapshot) {
		select {
		case <-snaps:
		default:
		}
		select {
		case snaps <- snap:
		default:
		}
	})
	printNew(client.Store.Snapshot())
	client.StartSyncController()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigCtx.Done():
			return nil
		case snap := <-snaps:
			printNew(snap)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			client.Engine.SetDraft(line)
			if err := client.Engine.Send(sigCtx); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				client.Engine.ClearError()
			}
		}
	}
}
