package tts

import (
	"context"
	"sync"
	"time"
)

type mockEngine struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

// NewMockEngine returns an engine that produces a short silent clip for any
// text after delay.
func NewMockEngine(sampleRate, channels int, delay time.Duration) Engine {
	return &mockEngine{sampleRate: sampleRate, channels: channels, delay: delay}
}

func (m *mockEngine) Ready() bool { return true }

func (m *mockEngine) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(m.delay):
	}
	// 100ms of silence
	pcm := make([]byte, m.sampleRate/10*m.channels*2)
	data, err := EncodePCM16(pcm, m.sampleRate, m.channels)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Format: formatWAV, Data: data}, nil
}

// MockPlayer counts what it was asked to play and holds each clip for
// Duration, or until the context is cancelled. Only the latest clip is kept.
type MockPlayer struct {
	Duration time.Duration

	mu     sync.Mutex
	played int
	last   Audio
}

func (p *MockPlayer) Play(ctx context.Context, clip Audio) error {
	p.mu.Lock()
	p.played++
	p.last = clip
	p.mu.Unlock()
	if p.Duration <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.Duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Played returns the number of clips handed to the player.
func (p *MockPlayer) Played() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.played
}

// Last returns the most recent clip, or the zero Audio if nothing played.
func (p *MockPlayer) Last() Audio {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
