// Package filetopic implements a JSON-lines file-backed topic.Topic,
// the way the original's FileTopic round-trips messages through a
// plain text file in read or write mode. Optional gzip compression
// is available via klauspost/compress, mirroring the
// EnableCompression knob in the teacher's repository cache manager.
package filetopic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/corepipe/corepipe/src/core"
	"github.com/corepipe/corepipe/src/worker/topic"
)

// Mode selects whether the topic is opened for reading or writing.
type Mode string

const (
	ModeRead  Mode = "r"
	ModeWrite Mode = "w"
)

// Options configures a FileTopic.
type Options struct {
	Path     string `mapstructure:"path"`
	Mode     Mode   `mapstructure:"mode"`
	Compress bool   `mapstructure:"compress"`
}

// FileTopic is a JSON-lines file, opened exclusively for reading or
// writing for its lifetime.
type FileTopic struct {
	opts Options

	mu     sync.Mutex
	file   *os.File
	writer io.WriteCloser
	closed bool
}

// New returns a FileTopic for the given options. It does nothing
// until Open is called.
func New(opts Options) *FileTopic {
	if opts.Mode == "" {
		opts.Mode = ModeRead
	}
	return &FileTopic{opts: opts}
}

func (t *FileTopic) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file != nil {
		return nil // idempotent
	}

	var flags int
	switch t.opts.Mode {
	case ModeWrite:
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	default:
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(t.opts.Path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("filetopic: open %s: %w", t.opts.Path, err)
	}
	t.file = f

	if t.opts.Mode == ModeWrite && t.opts.Compress {
		t.writer = gzip.NewWriter(f)
	}

	return nil
}

func (t *FileTopic) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var err error
	if t.writer != nil {
		err = t.writer.Close()
	}
	if t.file != nil {
		if cerr := t.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (t *FileTopic) Publish(ctx context.Context, message core.TopicMessage, wait bool) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, &topic.TopicClosedError{Topic: t.opts.Path}
	}
	if t.opts.Mode != ModeWrite {
		return false, fmt.Errorf("filetopic: topic opened for reading, cannot publish")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return false, fmt.Errorf("filetopic: marshal message: %w", err)
	}
	data = append(data, '\n')

	var w io.Writer = t.file
	if t.writer != nil {
		w = t.writer
	}
	if _, err := w.Write(data); err != nil {
		return false, fmt.Errorf("filetopic: write message: %w", err)
	}

	return true, nil
}

// fileDelivery is a no-op-ack delivery: a read-only file topic has no
// consumer group to acknowledge against.
type fileDelivery struct {
	message core.TopicMessage
}

func (d *fileDelivery) Message() core.TopicMessage             { return d.message }
func (d *fileDelivery) Ack(ctx context.Context) error           { return nil }
func (d *fileDelivery) Nack(ctx context.Context, err error) error { return nil }

func (t *FileTopic) Run(ctx context.Context) (<-chan topic.Delivery, error) {
	if t.opts.Mode != ModeRead {
		return nil, fmt.Errorf("filetopic: topic opened for writing, cannot run")
	}

	var reader io.Reader = t.file
	if t.opts.Compress {
		gz, err := gzip.NewReader(t.file)
		if err != nil {
			return nil, fmt.Errorf("filetopic: gzip reader: %w", err)
		}
		reader = gz
	}

	ch := make(chan topic.Delivery)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var message core.TopicMessage
			if err := json.Unmarshal(line, &message); err != nil {
				continue
			}
			select {
			case ch <- &fileDelivery{message: message}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var _ topic.Topic = (*FileTopic)(nil)
