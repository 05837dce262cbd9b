// receives dispatch requests over HTTP and queues them in Kafka

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/andrej220/saltdispatch/internal/serverutil"
	"github.com/andrej220/saltdispatch/pkg/config"
	dm "github.com/andrej220/saltdispatch/pkg/shared-models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"golang.org/x/crypto/bcrypt"
)

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
}

type Handler struct {
	producer *Producer
	timeout  time.Duration
	lg       lg.Logger
}

func newKafkaProducer(brokers []string, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: topic,
	}
}

func (h *Handler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	request, ok := serverutil.RequestFromContext[dm.DispatchRequest](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	request.ExecutionUID = uuid.New()
	logger := h.lg.With(lg.String("exuid", request.ExecutionUID.String()), lg.String("node", request.Target))

	message, err := json.Marshal(request)
	if err != nil {
		logger.Error("Failed to marshal request", lg.Err(err))
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	err = h.producer.writer.WriteMessages(ctx, kafka.Message{
		Key:   request.ExecutionUID[:],
		Value: message,
		Time:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			logger.Error("Kafka topic does not exist",
				lg.String("topic", h.producer.topic),
				lg.String("action", "Create the topic manually or enable auto-creation"))
		}
		logger.Error("Failed to queue request", lg.Err(err))
		http.Error(rw, "Failed to process request", http.StatusInternalServerError)
		return
	}
	logger.Info("Request queued")
	if err := serverutil.WriteJSON(rw, http.StatusAccepted, dm.Response{ExecutionUID: request.ExecutionUID}); err != nil {
		logger.Warn("Failed to write response", lg.Err(err))
	}
}

// bearerAuth admits requests whose bearer token matches the bcrypt hash.
func bearerAuth(hash []byte, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			rw.Header().Set("WWW-Authenticate", `Bearer realm="`+SERVICENAME+`"`)
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func newMux(cfg *DispatchProducerConfig, producer *Producer, logger lg.Logger) http.Handler {
	handler := &Handler{producer: producer, timeout: cfg.Service.Timeout, lg: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(serverutil.LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	r.Method(http.MethodPost, cfg.Service.HTTPpath, bearerAuth([]byte(cfg.Service.TokenHash),
		serverutil.NewValidationHandler[dm.DispatchRequest](handler)))
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	return r
}

// hashToken reads a token from in and prints its bcrypt hash for the config file.
func hashToken(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return errors.New("empty token")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(hash))
	return err
}

func main() {
	fs := flag.NewFlagSet(SERVICENAME, flag.ExitOnError)
	logCfg := lg.RegisterFlags(fs, SERVICENAME)
	configPath := fs.String("config", CONFIGFILENAME, "path to the YAML configuration")
	genHash := fs.Bool("hash-token", false, "read a token from stdin, print its bcrypt hash and exit")
	_ = fs.Parse(os.Args[1:])

	if *genHash {
		if err := hashToken(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger := lg.New(logCfg)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := config.NewStore(ctx, config.FileStore, &config.FileConfig{Path: *configPath})
	if err != nil {
		logger.Error("Failed to open configuration", lg.Err(err))
		os.Exit(1)
	}
	cfg := NewDispatchProducerConfig()
	if err := config.Load(store, cfg); err != nil {
		logger.Error("Failed to load configuration", lg.Err(err))
		os.Exit(1)
	}

	producer := newKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer producer.writer.Close()

	logger.Info("starting service", lg.String("service", SERVICENAME), lg.String("port", cfg.Service.Port))
	srvCfg := serverutil.DefaultServerConfig()
	srvCfg.Logger = logger
	srvCfg.Port = cfg.Service.Port
	if err := serverutil.RunServer(ctx, newMux(cfg, producer, logger), srvCfg); err != nil {
		logger.Error("Fatal error. Failed to run server", lg.Err(err))
		os.Exit(1)
	}
}
