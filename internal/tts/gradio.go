package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/bytedance/sonic/ast"
)

// GradioOptions configures a GPT-SoVITS WebUI backend.
type GradioOptions struct {
	URL               string
	SovitsModel       string
	GPTModel          string
	TextLang          string
	RefAudioPath      string
	RefTextPath       string
	TopK              int
	TopP              float64
	Temperature       float64
	TextSplitMethod   string
	BatchSize         int
	SpeedFactor       float64
	RefTextFree       bool
	SplitBucket       bool
	FragmentInterval  float64
	Seed              int
	KeepRandom        bool
	ParallelInfer     bool
	RepetitionPenalty float64
	SampleSteps       string
	SuperSampling     bool
	RequestTimeout    time.Duration
}

func (o GradioOptions) baseURL() string {
	base := strings.TrimSpace(o.URL)
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

// weightKey identifies the model selection applied to the server.
func (o GradioOptions) weightKey() string {
	return strings.Join([]string{o.baseURL(), o.SovitsModel, o.GPTModel, o.TextLang}, "\x00")
}

// GradioEngine synthesizes through the WebUI predict API. Ready turns true
// once the server config was fetched and the model weights selected.
type GradioEngine struct {
	client *http.Client
	logger *slog.Logger

	opts atomic.Pointer[GradioOptions]

	mu       sync.Mutex
	fnIndex  map[string]int
	fnBase   string
	selected string

	ready atomic.Bool
}

func NewGradioEngine(opts GradioOptions, log *slog.Logger) *GradioEngine {
	e := &GradioEngine{
		client: &http.Client{},
		logger: log.With(slog.String("component", "tts-gradio")),
	}
	e.opts.Store(&opts)
	return e
}

// Update installs new options. Model weights are reselected on the next
// request when they changed.
func (e *GradioEngine) Update(opts GradioOptions) {
	prev := e.opts.Swap(&opts)
	if prev == nil || prev.weightKey() != opts.weightKey() {
		e.ready.Store(false)
	}
}

func (e *GradioEngine) Ready() bool { return e.ready.Load() }

// Watch probes the server every interval until ctx ends, keeping Ready
// current.
func (e *GradioEngine) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := e.Probe(ctx); err != nil && ctx.Err() == nil {
			e.logger.Debug("gradio probe failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe loads the server config and selects model weights when needed.
func (e *GradioEngine) Probe(ctx context.Context) error {
	opts := *e.opts.Load()
	if err := e.prepare(ctx, opts); err != nil {
		if e.ready.Swap(false) {
			e.logger.Warn("gradio backend unavailable", slog.String("error", err.Error()))
		}
		return err
	}
	if !e.ready.Swap(true) {
		e.logger.Info("gradio backend ready", slog.String("url", opts.baseURL()))
	}
	return nil
}

func (e *GradioEngine) prepare(ctx context.Context, opts GradioOptions) error {
	base := opts.baseURL()
	if base == "" {
		return errors.New("gradio url not set")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fnBase != base {
		fns, err := e.loadConfig(ctx, base)
		if err != nil {
			e.fnIndex, e.fnBase, e.selected = nil, "", ""
			return err
		}
		e.fnIndex, e.fnBase, e.selected = fns, base, ""
	}
	if e.selected == opts.weightKey() {
		return nil
	}
	if opts.SovitsModel != "" {
		if _, err := e.predict(ctx, base, "change_sovits_weights", opts.SovitsModel, opts.TextLang, opts.TextLang); err != nil {
			e.fnBase = ""
			return fmt.Errorf("select sovits weights: %w", err)
		}
	}
	if opts.GPTModel != "" {
		if _, err := e.predict(ctx, base, "change_gpt_weights", opts.GPTModel); err != nil {
			e.fnBase = ""
			return fmt.Errorf("select gpt weights: %w", err)
		}
	}
	e.selected = opts.weightKey()
	return nil
}

type gradioConfig struct {
	Dependencies []struct {
		ID      *int   `json:"id"`
		APIName string `json:"api_name"`
	} `json:"dependencies"`
}

func (e *GradioEngine) loadConfig(ctx context.Context, base string) (map[string]int, error) {
	body, err := e.get(ctx, base+"config")
	if err != nil {
		return nil, fmt.Errorf("load gradio config: %w", err)
	}
	var cfg gradioConfig
	if err := sonic.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("decode gradio config: %w", err)
	}
	fns := make(map[string]int, len(cfg.Dependencies))
	for i, dep := range cfg.Dependencies {
		name := strings.TrimPrefix(strings.TrimSpace(dep.APIName), "/")
		if name == "" {
			continue
		}
		idx := i
		if dep.ID != nil {
			idx = *dep.ID
		}
		fns[name] = idx
	}
	return fns, nil
}

// fileData is the WebUI's file reference argument.
type fileData struct {
	Path     string            `json:"path"`
	OrigName string            `json:"orig_name"`
	Meta     map[string]string `json:"meta"`
}

type predictRequest struct {
	Data        []any  `json:"data"`
	FnIndex     int    `json:"fn_index"`
	SessionHash string `json:"session_hash"`
}

// predict calls a named endpoint and returns the raw "data" member. Callers
// hold e.mu.
func (e *GradioEngine) predict(ctx context.Context, base, api string, args ...any) ([]byte, error) {
	fn, ok := e.fnIndex[api]
	if !ok {
		return nil, fmt.Errorf("api %q not found in gradio config", api)
	}
	payload, err := sonic.Marshal(predictRequest{
		Data:        args,
		FnIndex:     fn,
		SessionHash: strconv.FormatInt(time.Now().UnixMilli(), 10),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"api/predict/", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := e.do(req)
	if err != nil {
		return nil, err
	}
	root, err := sonic.Get(body)
	if err != nil {
		return nil, fmt.Errorf("decode predict response: %w", err)
	}
	switch msg := root.Get("error"); msg.TypeSafe() {
	case ast.V_STRING, ast.V_OBJECT, ast.V_ARRAY:
		text, _ := msg.Raw()
		return nil, fmt.Errorf("gradio api error: %s", text)
	}
	data, err := root.Get("data").Raw()
	if err != nil {
		return nil, fmt.Errorf("predict response without data: %w", err)
	}
	return []byte(data), nil
}

func (e *GradioEngine) upload(ctx context.Context, base, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"upload", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := e.do(req)
	if err != nil {
		return "", fmt.Errorf("upload reference audio: %w", err)
	}
	var paths []string
	if err := sonic.Unmarshal(resp, &paths); err != nil || len(paths) == 0 {
		return "", fmt.Errorf("unexpected upload response %.200s", resp)
	}
	return paths[0], nil
}

func (e *GradioEngine) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	opts := *e.opts.Load()
	if opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RequestTimeout)
		defer cancel()
	}
	if err := e.prepare(ctx, opts); err != nil {
		e.ready.Store(false)
		return Audio{}, err
	}
	base := opts.baseURL()

	var refAudio any
	if p := strings.TrimSpace(opts.RefAudioPath); p != "" {
		ref := fileData{Path: p, OrigName: filepath.Base(p), Meta: map[string]string{"_type": "gradio.FileData"}}
		if !strings.HasPrefix(p, "http://") && !strings.HasPrefix(p, "https://") {
			uploaded, err := e.upload(ctx, base, p)
			if err != nil {
				return Audio{}, err
			}
			ref.Path = uploaded
		}
		refAudio = ref
	}
	refText := ""
	if p := strings.TrimSpace(opts.RefTextPath); p != "" {
		if b, err := os.ReadFile(p); err == nil {
			refText = strings.TrimSpace(string(b))
		} else {
			e.logger.Warn("reference text unreadable", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
	speed := opts.SpeedFactor
	if req.Voice.Speed > 0 {
		speed = req.Voice.Speed
	}

	e.mu.Lock()
	data, err := e.predict(ctx, base, "inference",
		req.Text,
		opts.TextLang,
		refAudio,
		[]any{},
		refText,
		opts.TextLang,
		opts.TopK,
		opts.TopP,
		opts.Temperature,
		opts.TextSplitMethod,
		opts.BatchSize,
		speed,
		opts.RefTextFree,
		opts.SplitBucket,
		opts.FragmentInterval,
		opts.Seed,
		opts.KeepRandom,
		opts.ParallelInfer,
		opts.RepetitionPenalty,
		opts.SampleSteps,
		opts.SuperSampling,
	)
	e.mu.Unlock()
	if err != nil {
		return Audio{}, fmt.Errorf("inference: %w", err)
	}

	url, err := audioURL(base, data)
	if err != nil {
		return Audio{}, err
	}
	body, err := e.get(ctx, url)
	if err != nil {
		return Audio{}, fmt.Errorf("download audio: %w", err)
	}
	return Audio{Format: sniffFormat(url, body), Data: body}, nil
}

// audioURL finds the generated file in an inference result. The WebUI
// answers either with a file object first or with a list of update tuples
// such as ["replace", ["url"], "http://..."].
func audioURL(base string, data []byte) (string, error) {
	root, err := sonic.Get(data)
	if err != nil {
		return "", fmt.Errorf("decode inference result: %w", err)
	}
	first := root.Index(0)
	if first.TypeSafe() == ast.V_OBJECT {
		if u, err := first.Get("url").String(); err == nil && u != "" {
			return u, nil
		}
		if p, err := first.Get("path").String(); err == nil && p != "" {
			return base + "file=" + p, nil
		}
	}
	if first.TypeSafe() == ast.V_ARRAY {
		n, _ := first.Len()
		for i := 0; i < n; i++ {
			tuple := first.Index(i)
			if key, err := tuple.Index(1).Index(0).String(); err != nil || key != "url" {
				continue
			}
			if u, err := tuple.Index(2).String(); err == nil && u != "" {
				return u, nil
			}
		}
	}
	return "", fmt.Errorf("unexpected inference result %.200s", data)
}

func sniffFormat(url string, data []byte) string {
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		return formatWAV
	}
	ext := strings.TrimPrefix(filepath.Ext(strings.SplitN(url, "?", 2)[0]), ".")
	if ext == "" {
		return "bin"
	}
	return strings.ToLower(ext)
}

func (e *GradioEngine) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return e.do(req)
}

func (e *GradioEngine) do(req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", "livevoice")
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gradio returned status %s: %.200s", resp.Status, body)
	}
	return body, nil
}
