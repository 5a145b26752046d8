package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exmime"

	"github.com/lrhodin/chatcore/pkg/chat"
)

// VoiceMIME is the type voice recordings are tagged with.
const VoiceMIME = "audio/mp3"

const recordChunkSize = 4096

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrEmptyRecording   = errors.New("recording is empty")
)

// Device hands out an audio stream. Capture itself lives outside the core.
type Device interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Recorder accumulates chunks from a Device into one voice payload.
type Recorder struct {
	device Device
	log    zerolog.Logger
	now    func() time.Time

	lock     sync.Mutex
	stream   io.ReadCloser
	buf      bytes.Buffer
	stopping bool
	readErr  error
	done     chan struct{}
}

func NewRecorder(device Device, log zerolog.Logger) *Recorder {
	return &Recorder{
		device: device,
		log:    log.With().Str("component", "recorder").Logger(),
		now:    time.Now,
	}
}

// Start acquires the device. Failure to acquire it is a *chat.DeviceError.
func (r *Recorder) Start(ctx context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stream != nil {
		return ErrAlreadyRecording
	}
	stream, err := r.device.Open(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to open recording device")
		return &chat.DeviceError{Err: err}
	}
	r.stream = stream
	r.buf.Reset()
	r.stopping = false
	r.readErr = nil
	r.done = make(chan struct{})
	go r.collect(stream, r.done)
	r.log.Debug().Msg("Recording started")
	return nil
}

func (r *Recorder) collect(stream io.Reader, done chan struct{}) {
	defer close(done)
	chunk := make([]byte, recordChunkSize)
	for {
		n, err := stream.Read(chunk)
		r.lock.Lock()
		if n > 0 {
			r.buf.Write(chunk[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !r.stopping {
				r.readErr = err
			}
			r.lock.Unlock()
			return
		}
		r.lock.Unlock()
	}
}

// Done is closed when the device stream of the current recording ends on
// its own. It's nil when nothing is being recorded.
func (r *Recorder) Done() <-chan struct{} {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stream == nil {
		return nil
	}
	return r.done
}

func (r *Recorder) Recording() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.stream != nil
}

// Stop releases the device and packages everything captured so far.
func (r *Recorder) Stop() (Payload, error) {
	r.lock.Lock()
	stream, done := r.stream, r.done
	if stream == nil {
		r.lock.Unlock()
		return Payload{}, ErrNotRecording
	}
	r.stopping = true
	r.lock.Unlock()

	closeErr := stream.Close()
	<-done

	r.lock.Lock()
	defer r.lock.Unlock()
	r.stream = nil
	data := bytes.Clone(r.buf.Bytes())
	r.buf.Reset()
	if r.readErr != nil {
		return Payload{}, &chat.DeviceError{Err: r.readErr}
	} else if closeErr != nil {
		r.log.Debug().Err(closeErr).Msg("Error closing recording stream")
	}
	if len(data) == 0 {
		return Payload{}, ErrEmptyRecording
	}
	payload := Payload{
		Name: fmt.Sprintf("voice_message_%d%s", r.now().UnixMilli(), exmime.ExtensionFromMimetype("audio/mpeg")),
		MIME: VoiceMIME,
		Data: data,
	}
	r.log.Debug().Int("size", len(data)).Str("file_name", payload.Name).Msg("Recording stopped")
	return payload, nil
}
