package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Perceptus-Labs/perceptus-guide/classifier"
	"github.com/Perceptus-Labs/perceptus-guide/config"
	"github.com/Perceptus-Labs/perceptus-guide/fallback"
	"github.com/Perceptus-Labs/perceptus-guide/handlers"
	"github.com/Perceptus-Labs/perceptus-guide/knowledge"
	"github.com/Perceptus-Labs/perceptus-guide/matcher"
	"github.com/Perceptus-Labs/perceptus-guide/state"
	"github.com/Perceptus-Labs/perceptus-guide/utils"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var errQuit = errors.New("quit")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track the camera and answer questions typed on stdin",
	Long: `run starts the observation loop and reads questions from stdin.

Lines starting with ":obs " are submitted as scene descriptions.
":state" and ":stats" print the tracked state and memory usage; ":quit" exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runGuide(ctx, cfg, logger, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// stack holds the external collaborators selected by configuration.
type stack struct {
	cfg    *config.Config
	logger *zap.Logger

	embedder matcher.Embedder
	index    matcher.Index
	openai   *utils.OpenAIClient
	ws       *utils.WSVisionModel
	rdb      *redis.Client
}

func newStack(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stack, error) {
	st := &stack{cfg: cfg, logger: logger}

	switch cfg.Embedder {
	case "openai":
		c, err := st.openAI()
		if err != nil {
			return nil, err
		}
		st.embedder = c
	default:
		st.embedder = matcher.NewHashEmbedder(0)
	}

	switch cfg.Index {
	case "pinecone":
		idx, err := utils.NewPineconeIndex(ctx, utils.PineconeConfig{
			APIKey:    cfg.PineconeAPIKey,
			IndexName: cfg.PineconeIndex,
			Namespace: cfg.PineconeNamespace,
		}, logger)
		if err != nil {
			return nil, err
		}
		st.index = idx
	default:
		st.index = matcher.NewMemoryIndex()
	}
	return st, nil
}

// openAI returns the shared client used for embeddings and vision.
func (st *stack) openAI() (*utils.OpenAIClient, error) {
	if st.openai != nil {
		return st.openai, nil
	}
	c, err := utils.NewOpenAIClient(utils.OpenAIConfig{
		APIKey:      st.cfg.OpenAIAPIKey,
		BaseURL:     st.cfg.OpenAIBaseURL,
		VisionModel: st.cfg.OpenAIVisionModel,
		EmbedModel:  st.cfg.OpenAIEmbedModel,
	}, st.logger)
	if err != nil {
		return nil, err
	}
	st.openai = c
	return c, nil
}

// visionModel connects the configured vision backend.
func (st *stack) visionModel() (fallback.VisionModel, error) {
	if st.cfg.VLMBackend == "ws" {
		if st.ws == nil {
			st.ws = utils.NewWSVisionModel(st.cfg.VLMWSURL, nil, st.logger)
		}
		return st.ws, nil
	}
	c, err := st.openAI()
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (st *stack) Close() {
	if st.ws != nil {
		_ = st.ws.Close()
	}
	if st.rdb != nil {
		_ = st.rdb.Close()
	}
}

func matcherConfig(cfg *config.Config) matcher.Config {
	return matcher.Config{
		TopK:       cfg.TopK,
		Thresholds: matcher.Thresholds{High: cfg.TierHigh, Medium: cfg.TierMedium, Low: cfg.TierLow},
		TieEpsilon: cfg.TieEpsilon,
	}
}

func runGuide(ctx context.Context, cfg *config.Config, logger *zap.Logger, in io.Reader, out io.Writer) error {
	sessionID := uuid.New().String()
	logger = logger.With(zap.String("session_id", sessionID))

	kb, err := knowledge.LoadPath(cfg.KnowledgePath, logger)
	if err != nil {
		return err
	}
	st, err := newStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	model, err := st.visionModel()
	if err != nil {
		return err
	}
	m, err := matcher.New(st.embedder, st.index, matcherConfig(cfg), logger)
	if err != nil {
		return err
	}

	var camera *utils.CameraCapture
	var coordOpts []fallback.Option
	if cfg.Camera != "" {
		camera = utils.NewCameraCapture(cfg.Camera, logger)
		coordOpts = append(coordOpts, fallback.WithFrameSource(camera))
	}
	coord := fallback.NewCoordinator(model, fallback.Config{
		QueryTimeout:   cfg.VLMTimeout,
		RestoreTimeout: cfg.RestoreTimeout,
	}, logger, coordOpts...)

	deps := handlers.Deps{
		Store:       state.NewStore(cfg.HistorySize, logger),
		Matcher:     m,
		Classifier:  classifier.Default(),
		Policy:      &fallback.Policy{ConfidenceThreshold: cfg.EscalationThreshold},
		Coordinator: coord,
		Knowledge:   kb,
		Logger:      logger,
	}
	if cfg.RedisHost != "" {
		rdb, err := utils.NewRedisClient(ctx, cfg.RedisHost, cfg.RedisPassword)
		if err != nil {
			return err
		}
		st.rdb = rdb
		deps.Journal = utils.NewRedisJournal(rdb, sessionID, cfg.HistorySize, logger)
		logger.Info("Journaling history to Redis", zap.String("addr", cfg.RedisHost))
	}

	guide, err := handlers.NewGuide(ctx, deps, handlers.Config{
		SessionID:     sessionID,
		QueueSize:     cfg.QueueSize,
		ProbeInterval: cfg.ProbeInterval,
	})
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return guide.Run(ctx) })
	if cfg.KnowledgeWatch {
		w, err := knowledge.NewWatcher(cfg.KnowledgePath, func(kb *knowledge.Base) {
			if err := guide.LoadKnowledge(ctx, kb); err != nil {
				logger.Error("Failed to apply reloaded knowledge base", zap.Error(err))
			}
		}, logger)
		if err != nil {
			return err
		}
		eg.Go(func() error { return w.Run(ctx) })
	}
	if camera != nil {
		obs := handlers.NewFrameObserver(guide, camera, model, cfg.CaptureInterval, cfg.VLMTimeout)
		eg.Go(func() error { return obs.Run(ctx) })
	}
	eg.Go(func() error { return repl(ctx, guide, in, out) })

	if err := eg.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

// repl reads one command or question per line until EOF or ":quit".
func repl(ctx context.Context, guide *handlers.Guide, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	fmt.Fprintln(out, "Ask a question, or :obs <description>, :state, :stats, :quit")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == ":quit":
				return errQuit
			case line == ":state":
				_ = enc.Encode(guide.CurrentState())
			case line == ":stats":
				_ = enc.Encode(guide.MemoryStats())
			case strings.HasPrefix(line, ":obs "):
				if !guide.SubmitObservation(strings.TrimPrefix(line, ":obs ")) {
					fmt.Fprintln(out, "observation dropped: queue full")
				}
			default:
				_ = enc.Encode(guide.Query(ctx, line))
			}
		}
	}
}
