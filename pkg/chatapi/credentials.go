package chatapi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/lrhodin/chatcore/pkg/chat"
)

// Credentials supplies the bearer token for every request. Session teardown
// after a 401 belongs to the implementation, not to the client.
type Credentials interface {
	BearerToken(ctx context.Context) (string, error)
	Unauthorized()
}

type StaticToken struct {
	Token          string
	OnUnauthorized func()
}

var _ Credentials = (*StaticToken)(nil)

func (s *StaticToken) BearerToken(_ context.Context) (string, error) {
	if s.Token == "" {
		return "", chat.ErrUnauthenticated
	}
	return s.Token, nil
}

func (s *StaticToken) Unauthorized() {
	if s.OnUnauthorized != nil {
		s.OnUnauthorized()
	}
}

// TokenFile reads the token from a file and picks up changes made by
// whatever process manages the session.
type TokenFile struct {
	path string
	log  zerolog.Logger

	lock  sync.RWMutex
	token string

	watcher *fsnotify.Watcher
	done    chan struct{}

	// OnUnauthorized, if set, is called after the server rejected the token.
	OnUnauthorized func()
}

var _ Credentials = (*TokenFile)(nil)

func OpenTokenFile(path string, log zerolog.Logger) (*TokenFile, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token file path: %w", err)
	}
	tf := &TokenFile{
		path: path,
		log:  log.With().Str("component", "token_file").Logger(),
		done: make(chan struct{}),
	}
	if err = tf.reload(); err != nil {
		return nil, err
	}
	tf.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create token file watcher: %w", err)
	}
	// Watch the directory: editors and session managers usually replace the
	// file instead of writing it in place.
	if err = tf.watcher.Add(filepath.Dir(path)); err != nil {
		_ = tf.watcher.Close()
		return nil, fmt.Errorf("failed to watch token file directory: %w", err)
	}
	go tf.watch()
	return tf, nil
}

func (tf *TokenFile) reload() error {
	data, err := os.ReadFile(tf.path)
	if err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}
	tf.lock.Lock()
	tf.token = strings.TrimSpace(string(data))
	tf.lock.Unlock()
	return nil
}

func (tf *TokenFile) watch() {
	for {
		select {
		case evt, ok := <-tf.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(evt.Name) != tf.path {
				continue
			}
			if evt.Has(fsnotify.Remove) || evt.Has(fsnotify.Rename) {
				tf.lock.Lock()
				tf.token = ""
				tf.lock.Unlock()
				tf.log.Info().Msg("Token file removed")
				continue
			}
			if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) {
				if err := tf.reload(); err != nil {
					tf.log.Warn().Err(err).Msg("Failed to reload token file")
				} else {
					tf.log.Debug().Msg("Reloaded token file")
				}
			}
		case err, ok := <-tf.watcher.Errors:
			if !ok {
				return
			}
			tf.log.Warn().Err(err).Msg("Token file watcher error")
		case <-tf.done:
			return
		}
	}
}

func (tf *TokenFile) BearerToken(_ context.Context) (string, error) {
	tf.lock.RLock()
	defer tf.lock.RUnlock()
	if tf.token == "" {
		return "", chat.ErrUnauthenticated
	}
	return tf.token, nil
}

// Unauthorized drops the cached token until the file changes again.
func (tf *TokenFile) Unauthorized() {
	tf.lock.Lock()
	tf.token = ""
	tf.lock.Unlock()
	tf.log.Warn().Str("path", tf.path).Msg("Server rejected the token, waiting for token file to change")
	if tf.OnUnauthorized != nil {
		tf.OnUnauthorized()
	}
}

func (tf *TokenFile) Close() error {
	select {
	case <-tf.done:
		return nil
	default:
		close(tf.done)
	}
	return tf.watcher.Close()
}
