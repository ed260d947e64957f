package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/orbit/internal/audio"
	"github.com/loqalabs/orbit/internal/bus"
	"github.com/loqalabs/orbit/internal/caption"
	"github.com/loqalabs/orbit/internal/changefeed"
	"github.com/loqalabs/orbit/internal/capture"
	"github.com/loqalabs/orbit/internal/config"
	"github.com/loqalabs/orbit/internal/floor"
	"github.com/loqalabs/orbit/internal/natsserver"
	"github.com/loqalabs/orbit/internal/pipeline"
	"github.com/loqalabs/orbit/internal/store"
	"github.com/loqalabs/orbit/internal/store/kvlease"
	"github.com/loqalabs/orbit/internal/store/pgstore"
	"github.com/loqalabs/orbit/internal/stt"
	"github.com/loqalabs/orbit/internal/transcript"
	"github.com/loqalabs/orbit/internal/translate"
	"github.com/loqalabs/orbit/internal/tts"
)

// storage is the lease and segment backend selected by store.driver.
type storage struct {
	leases   floor.LeaseStore
	segments pipeline.SegmentStore
	prune    func(context.Context) error
	close    func() error
}

func openStorage(ctx context.Context, cfg config.StoreConfig, busClient *bus.Client, log *slog.Logger) (storage, error) {
	switch cfg.Driver {
	case "memory":
		return storage{
			leases:   floor.NewMemoryStore(),
			segments: store.NewMemory(),
			close:    func() error { return nil },
		}, nil
	case "postgres":
		pg, err := pgstore.Open(ctx, cfg.DSN)
		if err != nil {
			return storage{}, err
		}
		return storage{leases: pg, segments: pg, close: pg.Close}, nil
	case "natskv":
		// Leases live in the bus key-value bucket; segments stay in sqlite.
		leases, err := kvlease.New(busClient, cfg.Bucket)
		if err != nil {
			return storage{}, fmt.Errorf("open lease bucket: %w", err)
		}
		db, err := store.Open(ctx, cfg, log)
		if err != nil {
			return storage{}, err
		}
		return storage{leases: leases, segments: db, prune: db.Prune, close: db.Close}, nil
	default:
		db, err := store.Open(ctx, cfg, log)
		if err != nil {
			return storage{}, err
		}
		return storage{leases: db, segments: db, prune: db.Prune, close: db.Close}, nil
	}
}

// connectBus starts the embedded server when configured and dials it, or
// dials the configured servers otherwise.
func connectBus(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*natsserver.EmbeddedServer, *bus.Client, error) {
	embedded, err := natsserver.Start(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if embedded != nil {
		cfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, cfg, log)
	if err != nil {
		embedded.Shutdown()
		return nil, nil, err
	}
	return embedded, client, nil
}

func newRecognizer(cfg config.STTConfig) (stt.Recognizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Mode) {
	case "deepgram":
		opts := []stt.DeepgramOption{stt.WithEndpointing(cfg.EndpointingMS)}
		if cfg.Endpoint != "" {
			opts = append(opts, stt.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Model != "" {
			opts = append(opts, stt.WithModel(cfg.Model))
		}
		return stt.NewDeepgram(cfg.APIKey, opts...)
	default:
		return stt.NewMockRecognizer(cfg.SampleRate, cfg.PartialEveryMS), nil
	}
}

// pipelineDeps binds the room pipeline to bus-backed capture, playback and
// caption transports.
func pipelineDeps(cfg config.Config, busClient *bus.Client, st storage, floorCtl *floor.Controller, feed changefeed.Feed, log *slog.Logger) (pipeline.Deps, error) {
	recognizer, err := newRecognizer(cfg.STT)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("init recognizer: %w", err)
	}
	translator, err := translate.New(cfg.Translate)
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("init translator: %w", err)
	}
	var synth tts.Synthesizer
	if cfg.TTS.Enabled {
		synth, err = tts.New(cfg.TTS)
		if err != nil {
			return pipeline.Deps{}, fmt.Errorf("init synthesizer: %w", err)
		}
	}

	return pipeline.Deps{
		Floor:      floorCtl,
		Segments:   st.segments,
		Feed:       feed,
		Bus:        busClient,
		Recognizer: recognizer,
		Translator: translator,
		Synth:      synth,
		Capture: func(roomID string) transcript.CaptureSource {
			return capture.NewBusSource(busClient, roomID, log)
		},
		NewSink: func(roomID string) audio.Sink {
			return audio.NewBusSink(busClient, roomID, cfg.Playback.SampleRate, log)
		},
		NewClock: func() audio.Clock { return audio.NewSystemClock() },
		Captions: func(roomID, track string) func(caption.Frame) {
			return caption.BusPublisher(busClient, roomID, track, log)
		},
	}, nil
}

// pruneLoop applies segment retention periodically until ctx ends.
func pruneLoop(ctx context.Context, prune func(context.Context) error, interval time.Duration, log *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := prune(ctx); err != nil && ctx.Err() == nil {
				log.Warn("failed to prune segments", slogError(err))
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
