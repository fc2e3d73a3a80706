package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iabetor/pispeak/internal/api"
	"github.com/iabetor/pispeak/internal/audio"
	"github.com/iabetor/pispeak/internal/config"
	"github.com/iabetor/pispeak/internal/events"
	"github.com/iabetor/pispeak/internal/history"
	"github.com/iabetor/pispeak/internal/llm"
	"github.com/iabetor/pispeak/internal/logger"
	"github.com/iabetor/pispeak/internal/pipeline"
	"github.com/iabetor/pispeak/internal/stream"
	"github.com/iabetor/pispeak/internal/telemetry"
	"github.com/iabetor/pispeak/internal/tts"
	"github.com/iabetor/pispeak/internal/wake"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "configs/pispeak.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Errorf("[main] %v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("[main] PiSpeak 已停止")
}

func run(cfg *config.Config) error {
	logger.Infof("[main] PiSpeak 启动中 (log_level=%s, tts=%s)", cfg.Log.Level, cfg.TTS.Engine)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, closeDev, err := openDevice(cfg.Audio)
	if err != nil {
		return err
	}
	defer closeDev()

	engine, err := tts.New(cfg.TTS)
	if err != nil {
		return fmt.Errorf("创建 TTS 引擎失败: %w", err)
	}

	var (
		observers pipeline.Observers
		metrics   http.Handler
		store     *history.Store
	)
	if cfg.Metrics.Enabled {
		tel, err := telemetry.New()
		if err != nil {
			return fmt.Errorf("初始化指标失败: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := tel.Shutdown(sctx); err != nil {
				logger.Warnf("[main] 关闭指标失败: %v", err)
			}
		}()
		observers = append(observers, tel)
		metrics = tel.Handler()
	}
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("打开历史数据库失败: %w", err)
		}
		defer store.Close()
		observers = append(observers, history.NewObserver(store))
	}
	if cfg.Events.URL != "" {
		pub, err := events.Connect(cfg.Events)
		if err != nil {
			return err
		}
		defer pub.Close()
		observers = append(observers, pub)
	}

	reg := stream.NewRegistry(time.Duration(cfg.Stream.GraceMs) * time.Millisecond)
	mgr := pipeline.NewManager(pipeline.OptionsFromConfig(cfg), dev, reg, observers)
	defer mgr.Close()
	mgr.SetEngine(engine)
	if err := registerSources(ctx, mgr, cfg.LLM); err != nil {
		return err
	}
	if len(mgr.Sources()) == 0 {
		logger.Warn("[main] 没有可用的生成来源，请检查 llm 配置中的 API Key")
	}

	if cfg.Wake.Enabled {
		closeWake, err := startWake(ctx, cfg.Wake, mgr)
		if err != nil {
			return err
		}
		defer closeWake()
	}

	var hist api.HistoryStore
	if store != nil {
		hist = store
	}
	router := api.NewRouter(api.NewHandler(mgr, hist, metrics), api.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		MetricsPath: cfg.Metrics.Path,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[main] HTTP 服务监听 %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("[main] 收到退出信号，正在关闭...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP 服务出错: %w", err)
		}
	}

	// 先停止播放，再关闭 HTTP 服务
	if n := mgr.StopAll(); n > 0 {
		logger.Infof("[main] 已停止 %d 个活跃流", n)
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warnf("[main] 关闭 HTTP 服务失败: %v", err)
	}
	return nil
}

// openDevice 按配置打开播放设备，返回设备及其释放函数。
func openDevice(cfg config.AudioConfig) (audio.Device, func(), error) {
	if cfg.Device == "null" {
		logger.Info("[main] 使用空播放设备，音频将被丢弃")
		return audio.Discard(), func() {}, nil
	}
	dev, err := audio.NewMalgoDevice(audio.DeviceConfig{
		PeriodFrames: cfg.PeriodFrames,
		Buffer:       time.Duration(cfg.BufferMs) * time.Millisecond,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("打开播放设备失败: %w", err)
	}
	return dev, dev.Close, nil
}

// registerSources 按配置登记生成来源。没有 API Key 的来源会被跳过。
func registerSources(ctx context.Context, mgr *pipeline.Manager, cfg config.LLMConfig) error {
	openaiOpts := func(name string, c config.OpenAIConfig) llm.OpenAIOptions {
		return llm.OpenAIOptions{
			Name:        name,
			BaseURL:     c.BaseURL,
			APIKey:      c.APIKey,
			Model:       c.Model,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			MaxTokens:   cfg.MaxTokens,
		}
	}

	if cfg.OpenAI.APIKey != "" {
		mgr.RegisterSource("openai", llm.NewOpenAIProvider(openaiOpts("openai", cfg.OpenAI)))
	}
	if cfg.Gemini.APIKey != "" {
		p, err := llm.NewGeminiProvider(ctx, llm.GeminiOptions{
			APIKey:      cfg.Gemini.APIKey,
			Model:       cfg.Gemini.Model,
			Temperature: cfg.Temperature,
			TopP:        cfg.TopP,
			MaxTokens:   cfg.MaxTokens,
		})
		if err != nil {
			return err
		}
		mgr.RegisterSource("gemini", p)
	}
	for name, c := range cfg.Compatible {
		if c.BaseURL == "" || c.Model == "" {
			logger.Warnf("[main] 兼容来源 %s 缺少 base_url 或 model，已跳过", name)
			continue
		}
		mgr.RegisterSource(name, llm.NewOpenAIProvider(openaiOpts(name, c)))
	}

	if len(cfg.Fallback) > 0 {
		var entries []llm.Named
		for _, name := range cfg.Fallback {
			p, ok := mgr.Source(name)
			if !ok {
				logger.Warnf("[main] 降级列表中的来源 %s 未登记，已跳过", name)
				continue
			}
			entries = append(entries, llm.Named{Name: name, Provider: p})
		}
		if len(entries) > 0 {
			p, err := llm.NewFallbackProvider(entries)
			if err != nil {
				return err
			}
			mgr.RegisterSource("auto", p)
		}
	}
	return nil
}

// startWake 打开麦克风并在后台监听打断词，听到后停止所有流。
func startWake(ctx context.Context, cfg config.WakeConfig, mgr *pipeline.Manager) (func(), error) {
	det, err := wake.NewDetector(cfg)
	if err != nil {
		return nil, err
	}
	capture, err := audio.NewCapture(audio.CaptureConfig{
		SampleRate: cfg.SampleRate,
		Channels:   1,
		FrameSize:  cfg.FrameSize,
	})
	if err != nil {
		det.Close()
		return nil, err
	}
	if err := capture.Start(); err != nil {
		capture.Close()
		det.Close()
		return nil, err
	}

	listener := wake.NewListener(det, capture.C(), time.Duration(cfg.CooldownMs)*time.Millisecond, func() {
		if n := mgr.StopAll(); n > 0 {
			logger.Infof("[main] 检测到打断词，已停止 %d 个流", n)
		}
	})
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		listener.Run(wctx)
	}()

	return func() {
		cancel()
		<-done
		capture.Close()
		det.Close()
	}, nil
}
