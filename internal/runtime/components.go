package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/livevoice/internal/config"
	"github.com/loqalabs/livevoice/internal/live"
	"github.com/loqalabs/livevoice/internal/tts"
)

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func liveOptions(cfg config.GatewayConfig) live.Options {
	return live.Options{
		URL:               cfg.URL,
		UID:               cfg.UID,
		Token:             cfg.Token,
		Buvid:             cfg.Buvid,
		Cookie:            cfg.Cookie,
		UserAgent:         cfg.UserAgent,
		ProtoVer:          cfg.ProtoVer,
		Platform:          cfg.Platform,
		AuthType:          cfg.AuthType,
		DialTimeout:       ms(cfg.DialTimeoutMS),
		AuthTimeout:       ms(cfg.AuthTimeoutMS),
		HeartbeatInterval: ms(cfg.HeartbeatIntervalMS),
		BackoffInitial:    ms(cfg.BackoffInitialMS),
		BackoffMax:        ms(cfg.BackoffMaxMS),
		MaxFrameSize:      cfg.MaxFrameBytes,
	}
}

func ttsSettings(cfg config.TTSConfig) tts.Settings {
	policy, err := tts.ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		policy = tts.OverflowReject
	}
	return tts.Settings{
		Enabled:      cfg.Enabled,
		Capacity:     cfg.Capacity,
		Overflow:     policy,
		GainDB:       cfg.GainDB,
		Voice:        tts.Voice{Name: cfg.Voice, Speed: cfg.Speed},
		SynthTimeout: ms(cfg.SynthTimeoutMS),
	}
}

func gradioOptions(cfg config.GradioConfig) tts.GradioOptions {
	return tts.GradioOptions{
		URL:               cfg.URL,
		SovitsModel:       cfg.SovitsModel,
		GPTModel:          cfg.GPTModel,
		TextLang:          cfg.TextLang,
		RefAudioPath:      cfg.RefAudioPath,
		RefTextPath:       cfg.RefTextPath,
		TopK:              cfg.TopK,
		TopP:              cfg.TopP,
		Temperature:       cfg.Temperature,
		TextSplitMethod:   cfg.TextSplitMethod,
		BatchSize:         cfg.BatchSize,
		SpeedFactor:       cfg.SpeedFactor,
		RefTextFree:       cfg.RefTextFree,
		SplitBucket:       cfg.SplitBucket,
		FragmentInterval:  cfg.FragmentInterval,
		Seed:              cfg.Seed,
		KeepRandom:        cfg.KeepRandom,
		ParallelInfer:     cfg.ParallelInfer,
		RepetitionPenalty: cfg.RepetitionPenalty,
		SampleSteps:       cfg.SampleSteps,
		SuperSampling:     cfg.SuperSampling,
		RequestTimeout:    ms(cfg.RequestTimeoutMS),
	}
}

// newEngine returns the configured engine. The gradio engine is also
// returned on its own so the runtime can run its readiness probe.
func newEngine(cfg config.TTSConfig, logger *slog.Logger) (tts.Engine, *tts.GradioEngine, error) {
	switch cfg.Engine {
	case "exec":
		engine, err := tts.NewExecEngine(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, nil, fmt.Errorf("exec engine: %w", err)
		}
		return engine, nil, nil
	case "gradio":
		g := tts.NewGradioEngine(gradioOptions(cfg.Gradio), logger)
		return g, g, nil
	case "", "mock":
		return tts.NewMockEngine(cfg.SampleRate, cfg.Channels, 0), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown tts engine %q", cfg.Engine)
	}
}

func newPlayer(cfg config.TTSConfig) (tts.Player, error) {
	switch cfg.Playback.Mode {
	case "exec":
		return tts.NewExecPlayer(cfg.Playback.Command)
	case "speaker":
		return tts.NewSpeakerPlayer(cfg.SampleRate, cfg.Channels)
	case "", "mock":
		return &tts.MockPlayer{}, nil
	default:
		return nil, fmt.Errorf("unknown playback mode %q", cfg.Playback.Mode)
	}
}
