package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/savaki/chatbot-deployer/internal/constants"
	"github.com/savaki/chatbot-deployer/internal/dao/querylogdao"
	"github.com/savaki/chatbot-deployer/internal/di"
	"github.com/savaki/chatbot-deployer/internal/dispatch"
	"github.com/savaki/chatbot-deployer/internal/models"
	"github.com/savaki/chatbot-deployer/internal/services"
	"github.com/urfave/cli/v2"
)

// maxBodyBytes caps the request body read from API Gateway
const maxBodyBytes = 64 << 10

// Processor answers a query
type Processor interface {
	Process(ctx context.Context, query string) models.Response
}

// QueryLogger records each interaction
type QueryLogger interface {
	Log(ctx context.Context, query string, response any) (*querylogdao.Record, error)
}

type Handler struct {
	processor Processor
	queryLog  QueryLogger
}

func NewHandler(container di.Container) *Handler {
	return &Handler{
		processor: di.MustGet[*dispatch.Dispatcher](container),
		queryLog:  di.MustGet[*querylogdao.DAO](container),
	}
}

// loggingMiddleware logs details about each request and response
func loggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Inject logger into request context
			ctx := logger.WithContext(r.Context())
			r = r.WithContext(ctx)

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			zerolog.Ctx(ctx).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status_code", rw.statusCode).
				Dur("duration", time.Since(start)).
				Msg("Request completed")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func setupContainer(ctx context.Context, env string) (di.Container, error) {
	return di.New(env,
		di.WithContext(ctx),
		di.WithProviders(
			di.ProvideHTTPClient,
			di.ProvideWeatherService,
			di.ProvideJokeService,
			di.ProvideDispatcher,
			di.ProvideQueryLogDAO,
		),
	)
}

// extractQuery reads the query from a JSON body. The query string is only
// consulted when there is no body. An unreadable body yields "".
func extractQuery(r *http.Request) string {
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			zerolog.Ctx(r.Context()).Error().Err(err).Msg("Error reading request body")
			return ""
		}
		if len(body) > 0 {
			var req models.Request
			if err := json.Unmarshal(body, &req); err != nil {
				zerolog.Ctx(r.Context()).Error().Err(err).Msg("Error extracting query")
				return ""
			}
			return req.Query
		}
	}
	return r.URL.Query().Get("query")
}

// handleChatbot answers a single query
func (h *Handler) handleChatbot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	query := extractQuery(r)
	if query == "" {
		logger.Error().Msg("Missing query")
		h.errorResponse(w, http.StatusBadRequest, "Missing query")
		return
	}

	response := h.processor.Process(ctx, query)

	if _, err := h.queryLog.Log(ctx, query, response); err != nil {
		logger.Error().Err(err).Msg("DynamoDB logging error")
	} else {
		logger.Info().Msg("Query logged to DynamoDB")
	}

	h.jsonResponse(w, http.StatusOK, response)
}

// jsonResponse writes a JSON response
func (h *Handler) jsonResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// errorResponse writes an error JSON response
func (h *Handler) errorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.jsonResponse(w, statusCode, models.ErrorResponse{Error: message})
}

// setupRouter configures all HTTP routes
func (h *Handler) setupRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		h.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	for _, path := range []string{"/", "/chatbot"} {
		r.Get(path, h.handleChatbot)
		r.Post(path, h.handleChatbot)
	}
	return r
}

// serveAction starts a local HTTP server for testing
func serveAction(c *cli.Context) error {
	addr := fmt.Sprintf(":%s", c.String("port"))
	if c.Bool("disable-ssm") {
		if err := os.Setenv("DISABLE_SSM", "true"); err != nil {
			return err
		}
	}

	logger := di.ProvideLogger().With().Str("lambda", "chatbot").Logger()
	ctx := logger.WithContext(c.Context)

	container, err := setupContainer(ctx, c.String("env"))
	if err != nil {
		return fmt.Errorf("failed to setup DI container: %w", err)
	}

	router := NewHandler(container).setupRouter()

	logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(logger)(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return server.ListenAndServe()
}

// listLogsAction prints the recorded interactions
func listLogsAction(c *cli.Context) error {
	logger := di.ProvideLogger()
	ctx := logger.WithContext(c.Context)

	container, err := setupContainer(ctx, c.String("env"))
	if err != nil {
		return fmt.Errorf("failed to create DI container: %w", err)
	}

	records, err := di.MustGet[*querylogdao.DAO](container).FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list query logs: %w", err)
	}

	jsonData, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal query logs: %w", err)
	}

	fmt.Println(string(jsonData))
	return nil
}

func main() {
	logger := di.ProvideLogger().With().Str("lambda", "chatbot").Logger()

	// Check if running in Lambda environment
	if os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		ctx := logger.WithContext(context.Background())

		loaded, err := services.LoadLayerConfig(constants.LayerConfigPath)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to load layer config")
			os.Exit(1)
		}
		logger.Info().Bool("loaded", loaded).Str("path", constants.LayerConfigPath).Msg("Layer config")

		container, err := setupContainer(ctx, os.Getenv("ENV"))
		if err != nil {
			logger.Error().Err(err).Msg("Failed to setup DI container")
			os.Exit(1)
		}

		router := NewHandler(container).setupRouter()

		// Use AWS Lambda HTTP adapter for API Gateway V2
		lambda.Start(httpadapter.NewV2(loggingMiddleware(logger)(router)).ProxyWithContext)
		return
	}

	// CLI mode for local testing
	app := &cli.App{
		Name:  "chatbot",
		Usage: "Weather and joke chatbot",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env",
				Usage:   "Environment name",
				EnvVars: []string{"ENV", "ENVIRONMENT"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start local HTTP server for testing",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "port",
						Usage: "Port to listen on",
						Value: "8080",
					},
					&cli.BoolFlag{
						Name:    "disable-ssm",
						Usage:   "Disable AWS Systems Manager Parameter Store (use environment variables)",
						EnvVars: []string{"DISABLE_SSM"},
					},
				},
				Action: serveAction,
			},
			{
				Name:   "list-logs",
				Usage:  "List recorded queries",
				Action: listLogsAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error().Err(err).Msg("Application error")
		os.Exit(1)
	}
}
