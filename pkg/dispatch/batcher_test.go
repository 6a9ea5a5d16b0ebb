package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/rpreport/pkg/sink"
)

// MockSink is a mock implementation of the sink.Sink interface
type MockSink struct {
	mock.Mock
}

func (m *MockSink) StartLaunch(ctx context.Context, req sink.StartLaunchRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockSink) FinishLaunch(ctx context.Context, id string, req sink.FinishLaunchRequest) error {
	return m.Called(ctx, id, req).Error(0)
}

func (m *MockSink) StartItem(ctx context.Context, req sink.StartItemRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockSink) FinishItem(ctx context.Context, id string, req sink.FinishItemRequest) error {
	return m.Called(ctx, id, req).Error(0)
}

func (m *MockSink) Log(ctx context.Context, entry sink.LogEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockSink) LogBatch(ctx context.Context, entries []sink.LogEntry) error {
	return m.Called(ctx, entries).Error(0)
}

func entry(msg string) sink.LogEntry {
	return sink.LogEntry{Message: msg, Level: sink.LevelInfo}
}

func TestBatcherFlushesOnThresholdAdd(t *testing.T) {
	ctx := context.Background()
	mem := sink.NewMemory()
	b := NewBatcher(mem, 3, 0, SizeFull)

	require.NoError(t, b.Add(ctx, entry("one")))
	require.NoError(t, b.Add(ctx, entry("two")))
	assert.Empty(t, mem.Batches(), "below threshold nothing is sent")

	require.NoError(t, b.Add(ctx, entry("three")))
	batches := mem.Batches()
	require.Len(t, batches, 1, "the threshold-reaching add flushes at once")
	assert.Len(t, batches[0], 3)
	assert.Equal(t, 0, b.Len())

	require.NoError(t, b.Add(ctx, entry("four")))
	assert.Len(t, mem.Batches(), 1)
}

func TestBatcherFlushForce(t *testing.T) {
	ctx := context.Background()
	mem := sink.NewMemory()
	b := NewBatcher(mem, 10, 0, SizeFull)

	require.NoError(t, b.Flush(ctx, true), "empty flush is a no-op")
	assert.Equal(t, 0, mem.CallCount(sink.OpLogBatch))

	require.NoError(t, b.Add(ctx, entry("a")))
	require.NoError(t, b.Flush(ctx, false))
	assert.Empty(t, mem.Batches(), "unforced flush waits for a threshold")

	require.NoError(t, b.Flush(ctx, true))
	require.Len(t, mem.Batches(), 1)
}

func TestBatcherPayloadLimit(t *testing.T) {
	tests := []struct {
		name        string
		policy      SizePolicy
		limit       int64
		attachments int
		wantBatches []int
	}{
		{
			name:        "message policy ignores attachment bytes",
			policy:      SizeMessage,
			limit:       1000,
			attachments: 4096,
			wantBatches: nil,
		},
		{
			name:        "full policy counts attachment bytes",
			policy:      SizeFull,
			limit:       5000,
			attachments: 4096,
			wantBatches: []int{1, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem := sink.NewMemory()
			b := NewBatcher(mem, 100, tt.limit, tt.policy)
			for i := 0; i < 3; i++ {
				e := entry("with file")
				e.Attachment = &sink.Attachment{Name: "dump.bin", Data: make([]byte, tt.attachments)}
				require.NoError(t, b.Add(ctx, e))
			}
			var sizes []int
			for _, batch := range mem.Batches() {
				sizes = append(sizes, len(batch))
			}
			assert.Equal(t, tt.wantBatches, sizes)
		})
	}
}

func TestBatcherMessageSizeThreshold(t *testing.T) {
	ctx := context.Background()
	mem := sink.NewMemory()
	b := NewBatcher(mem, 0, 10, SizeMessage)

	require.NoError(t, b.Add(ctx, entry("12345")))
	assert.Empty(t, mem.Batches())
	require.NoError(t, b.Add(ctx, entry("67890")))
	require.Len(t, mem.Batches(), 1, "reaching the payload limit exactly flushes")
	assert.Equal(t, int64(0), b.Size())
}

func TestBatcherAttachmentNames(t *testing.T) {
	ctx := context.Background()
	mem := sink.NewMemory()
	b := NewBatcher(mem, 10, 0, SizeFull)

	original := &sink.Attachment{Data: []byte("plain text body")}
	for i := 0; i < 2; i++ {
		e := entry("unnamed")
		e.Attachment = original
		require.NoError(t, b.Add(ctx, e))
	}
	for i := 0; i < 2; i++ {
		e := entry("named")
		e.Attachment = &sink.Attachment{Name: "shot.png", MimeType: "image/png", Data: []byte{1}}
		require.NoError(t, b.Add(ctx, e))
	}
	require.NoError(t, b.Flush(ctx, true))

	assert.Empty(t, original.Name, "caller's attachment is left alone")

	seen := map[string]bool{}
	for _, e := range mem.BatchedLogs() {
		require.NotNil(t, e.Attachment)
		assert.NotEmpty(t, e.Attachment.Name)
		assert.False(t, seen[e.Attachment.Name], "duplicate name %s", e.Attachment.Name)
		seen[e.Attachment.Name] = true
	}
	first := mem.BatchedLogs()[0].Attachment
	assert.True(t, strings.HasPrefix(first.MimeType, "text/plain"))
}

func TestBatcherDropsFailedBatch(t *testing.T) {
	ctx := context.Background()
	m := new(MockSink)
	boom := errors.New("503 service unavailable")
	m.On("LogBatch", mock.Anything, mock.MatchedBy(func(es []sink.LogEntry) bool { return len(es) == 2 })).Return(boom).Once()
	m.On("LogBatch", mock.Anything, mock.MatchedBy(func(es []sink.LogEntry) bool { return len(es) == 1 })).Return(nil).Once()

	b := NewBatcher(m, 2, 0, SizeFull)
	require.NoError(t, b.Add(ctx, entry("a")))
	err := b.Add(ctx, entry("b"))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, b.Len(), "failed batch is not kept for retry")

	require.NoError(t, b.Add(ctx, entry("c")))
	require.NoError(t, b.Flush(ctx, true))
	m.AssertExpectations(t)
}

func TestParseSizePolicy(t *testing.T) {
	p, err := ParseSizePolicy("")
	require.NoError(t, err)
	assert.Equal(t, SizeFull, p)

	p, err = ParseSizePolicy("Message")
	require.NoError(t, err)
	assert.Equal(t, SizeMessage, p)
	assert.Equal(t, "message", p.String())

	_, err = ParseSizePolicy("bytes")
	assert.Error(t, err)
}
