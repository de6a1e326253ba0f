// Command capture records one utterance from the default microphone and
// prints its transcript. Recording ends on detected silence or Ctrl-C.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/siderealchat/voice-capture/internal/arbiter"
	"github.com/siderealchat/voice-capture/internal/audio"
	"github.com/siderealchat/voice-capture/internal/config"
	"github.com/siderealchat/voice-capture/internal/observability"
	"github.com/siderealchat/voice-capture/internal/recorder"
	"github.com/siderealchat/voice-capture/internal/stt"
)

func main() {
	chatID := flag.String("chat", "", "chat identifier sent with the transcript")
	userID := flag.String("user", "", "user identifier sent with the transcript")
	userName := flag.String("name", "", "display name sent with the transcript")
	language := flag.String("language", "", "transcription language (default from config)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	source := audio.NewPortAudioSource(cfg.SampleRate, cfg.FramesPerBuffer)
	client := stt.NewClient(cfg)

	done := make(chan int, 1)
	rec := recorder.New(arbiter.New(), source, client, recorder.Options{
		Meta: stt.SessionMeta{
			ChatID:   *chatID,
			UserID:   *userID,
			UserName: *userName,
			Language: *language,
		},
		Level: audio.LevelConfig{
			TargetFPS:       cfg.LevelTargetFPS,
			SmoothingFactor: cfg.LevelSmoothing,
		},
		Silence: audio.SilenceConfig{
			BaselineCaptureDuration: cfg.BaselineCaptureDuration(),
			SilenceMargin:           cfg.SilenceMargin,
			SilenceHangover:         cfg.SilenceHangover(),
		},
		MaxUtteranceSeconds: cfg.MaxUtteranceSeconds,
		OnProcessingStart: func() {
			fmt.Fprintln(os.Stderr, "Transcribing...")
		},
		OnTranscript: func(transcript string) {
			fmt.Println(transcript)
			done <- 0
		},
		OnError: func(err error) {
			if audio.CodeOf(err) != "" {
				fmt.Fprintln(os.Stderr, audio.UserMessage(err))
			} else {
				fmt.Fprintln(os.Stderr, err.Error())
			}
			done <- 1
		},
	})
	defer rec.Dispose()

	if err := rec.Start(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Could not start capture")
		fmt.Fprintln(os.Stderr, audio.UserMessage(err))
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "Listening... speak, then pause to finish (Ctrl-C to stop early)")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-quit:
			// First signal finalizes the utterance; a second aborts
			rec.Stop()
			signal.Stop(quit)
		case code := <-done:
			os.Exit(code)
		}
	}
}
