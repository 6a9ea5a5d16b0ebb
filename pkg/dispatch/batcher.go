package dispatch

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rocketship-ai/rpreport/pkg/sink"
)

// SizePolicy decides what counts towards a batch's payload size.
type SizePolicy int

const (
	// SizeFull counts message text, attachment bytes and a fixed envelope
	// per entry.
	SizeFull SizePolicy = iota
	// SizeMessage counts message text only.
	SizeMessage
)

// entryEnvelope approximates the JSON framing of one entry in a batch.
const entryEnvelope = 128

func ParseSizePolicy(s string) (SizePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full":
		return SizeFull, nil
	case "message":
		return SizeMessage, nil
	}
	return 0, fmt.Errorf("unknown log size policy %q (want full or message)", s)
}

func (p SizePolicy) String() string {
	if p == SizeMessage {
		return "message"
	}
	return "full"
}

// Batcher accumulates log entries and ships them in one LogBatch call. It is
// owned by the dispatcher's worker and is not safe for concurrent use.
type Batcher struct {
	sink     sink.Sink
	maxCount int
	maxSize  int64
	policy   SizePolicy

	pending []sink.LogEntry
	size    int64
	names   map[string]struct{}
}

// NewBatcher returns a batcher that flushes once maxCount entries or maxSize
// accounted bytes are pending. Zero disables the respective threshold.
func NewBatcher(s sink.Sink, maxCount int, maxSize int64, policy SizePolicy) *Batcher {
	return &Batcher{
		sink:     s,
		maxCount: maxCount,
		maxSize:  maxSize,
		policy:   policy,
		names:    make(map[string]struct{}),
	}
}

// Len returns the number of pending entries.
func (b *Batcher) Len() int {
	return len(b.pending)
}

// Size returns the accounted size of the pending entries.
func (b *Batcher) Size() int64 {
	return b.size
}

func (b *Batcher) entrySize(e sink.LogEntry) int64 {
	n := int64(len(e.Message))
	if b.policy == SizeMessage {
		return n
	}
	n += entryEnvelope
	if e.Attachment != nil {
		n += int64(len(e.Attachment.Data)) + int64(len(e.Attachment.Name)) + int64(len(e.Attachment.MimeType))
	}
	return n
}

func (b *Batcher) thresholdReached() bool {
	if b.maxCount > 0 && len(b.pending) >= b.maxCount {
		return true
	}
	return b.maxSize > 0 && b.size >= b.maxSize
}

// Add appends an entry. If the entry would push the batch past the payload
// limit, the pending batch goes out first. The add that reaches a threshold
// flushes immediately.
func (b *Batcher) Add(ctx context.Context, e sink.LogEntry) error {
	e.Attachment = b.prepareAttachment(e.Attachment)
	sz := b.entrySize(e)

	var preErr error
	if len(b.pending) > 0 && b.maxSize > 0 && b.size+sz > b.maxSize {
		preErr = b.flush(ctx)
		if e.Attachment != nil {
			e.Attachment = b.prepareAttachment(e.Attachment)
		}
	}

	b.pending = append(b.pending, e)
	b.size += sz

	if b.thresholdReached() {
		if err := b.flush(ctx); err != nil {
			return err
		}
	}
	return preErr
}

// Flush sends the pending batch. Without force it only does so once a
// threshold is reached.
func (b *Batcher) Flush(ctx context.Context, force bool) error {
	if len(b.pending) == 0 {
		return nil
	}
	if !force && !b.thresholdReached() {
		return nil
	}
	return b.flush(ctx)
}

// flush hands the batch to the sink. The batch is cleared whatever the
// outcome; a failed batch is not retried.
func (b *Batcher) flush(ctx context.Context) error {
	batch := b.pending
	b.pending = nil
	b.size = 0
	b.names = make(map[string]struct{})
	if err := b.sink.LogBatch(ctx, batch); err != nil {
		return fmt.Errorf("flush %d log entries: %w", len(batch), err)
	}
	return nil
}

// prepareAttachment fills in the mime type and a batch-unique file name. The
// caller's attachment is never modified.
func (b *Batcher) prepareAttachment(a *sink.Attachment) *sink.Attachment {
	if a == nil {
		return nil
	}
	att := *a
	if att.MimeType == "" {
		att.MimeType = http.DetectContentType(att.Data)
	}
	if att.Name == "" {
		att.Name = uuid.NewString() + extensionFor(att.MimeType)
	}
	if _, taken := b.names[att.Name]; taken {
		att.Name = uuid.NewString() + "-" + att.Name
	}
	b.names[att.Name] = struct{}{}
	return &att
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	exts, err := mime.ExtensionsByType(strings.TrimSpace(base))
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
