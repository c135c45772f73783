package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalisai/pkg/commons"
	"github.com/vocalisai/pkg/configs"
	"github.com/vocalisai/pkg/media"
)

func newTestLogger(t *testing.T) commons.Logger {
	t.Helper()
	logger, err := commons.NewApplicationLogger()
	require.NoError(t, err)
	return logger
}

func TestMemoryAdapter_PublishSubscribe(t *testing.T) {
	adapter := NewMemoryAdapter(newTestLogger(t))
	defer adapter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 10)
	require.NoError(t, adapter.Subscribe(ctx, media.AudioTopic, "asr-worker", func(_ context.Context, msg Message) error {
		received <- msg
		return nil
	}))

	require.NoError(t, adapter.Publish(ctx, media.AudioTopic, "CA1", []byte(`{"seq":1}`)))

	select {
	case msg := <-received:
		assert.Equal(t, "CA1", msg.Key)
		assert.JSONEq(t, `{"seq":1}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestMemoryAdapter_PerKeyOrderPreserved(t *testing.T) {
	adapter := NewMemoryAdapter(newTestLogger(t))
	defer adapter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seqs []uint64
	done := make(chan struct{})

	require.NoError(t, adapter.Subscribe(ctx, media.AudioTopic, "asr-worker", func(_ context.Context, msg Message) error {
		var frame media.AudioFrame
		if err := json.Unmarshal(msg.Payload, &frame); err != nil {
			return err
		}
		mu.Lock()
		seqs = append(seqs, frame.Seq)
		if len(seqs) == 50 {
			close(done)
		}
		mu.Unlock()
		return nil
	}))

	for seq := uint64(1); seq <= 50; seq++ {
		frame, err := media.NewAudioFrame("t1", "CA1", seq, 0, media.SampleRateNarrowband, make([]byte, 320))
		require.NoError(t, err)
		payload, err := json.Marshal(frame)
		require.NoError(t, err)
		require.NoError(t, adapter.Publish(ctx, media.AudioTopic, frame.InteractionID, payload))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected all 50 frames")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq, "seq values must arrive dense and strictly increasing")
	}
}

func TestMemoryAdapter_DuplicatePublishTolerated(t *testing.T) {
	adapter := NewMemoryAdapter(newTestLogger(t))
	defer adapter.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 4)
	require.NoError(t, adapter.Subscribe(ctx, media.AudioTopic, "asr-worker", func(_ context.Context, msg Message) error {
		received <- msg
		return nil
	}))

	payload := []byte(`{"seq":1}`)
	require.NoError(t, adapter.Publish(ctx, media.AudioTopic, "CA1", payload))
	require.NoError(t, adapter.Publish(ctx, media.AudioTopic, "CA1", payload))

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("at-least-once delivery must pass duplicates through")
		}
	}
}

func TestMemoryAdapter_ForcedPublishFailure(t *testing.T) {
	adapter := NewMemoryAdapter(newTestLogger(t))
	defer adapter.Close()

	adapter.SetFailPublishes(true)
	err := adapter.Publish(context.Background(), media.AudioTopic, "CA1", []byte("x"))
	assert.Error(t, err)
	assert.False(t, adapter.Healthy(context.Background()))

	adapter.SetFailPublishes(false)
	assert.NoError(t, adapter.Publish(context.Background(), media.AudioTopic, "CA1", []byte("x")))
}

func TestMemoryAdapter_CloseIsIdempotent(t *testing.T) {
	adapter := NewMemoryAdapter(newTestLogger(t))
	require.NoError(t, adapter.Close())
	require.NoError(t, adapter.Close())
	assert.Error(t, adapter.Publish(context.Background(), media.AudioTopic, "CA1", []byte("x")))
}

func TestNewAdapter_Selection(t *testing.T) {
	logger := newTestLogger(t)

	tests := []struct {
		name    string
		cfg     configs.PubSubConfig
		wantErr bool
	}{
		{"in-memory ok", configs.PubSubConfig{Adapter: AdapterInMemory}, false},
		{"durable-log without url", configs.PubSubConfig{Adapter: AdapterDurableLog}, true},
		{"broker without url", configs.PubSubConfig{Adapter: AdapterBroker}, true},
		{"unknown backend", configs.PubSubConfig{Adapter: "zeromq"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter, err := NewAdapter(tt.cfg, logger)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, adapter)
			_ = adapter.Close()
		})
	}
}
