package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/internal/handler/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/handler/conversation"
	"github.com/zhouzirui/promptdeck/backend/internal/handler/prompt"
	"github.com/zhouzirui/promptdeck/backend/internal/handler/relay"
	middlewarePkg "github.com/zhouzirui/promptdeck/backend/internal/middleware"
	promptModel "github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
	"github.com/zhouzirui/promptdeck/backend/internal/observe"
	chatService "github.com/zhouzirui/promptdeck/backend/internal/service/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/store"
	"github.com/zhouzirui/promptdeck/backend/pkg/utils"
)

// Deps 是路由需要的服务。Completer 为空时不注册中转路由，MetricsHandler 为空时不暴露 /metrics。
type Deps struct {
	Prompts          promptModel.Store
	Transcripts      store.TranscriptStore
	Conversations    *chatService.Registry
	Completer        relay.Completer
	Verifier         *auth.TokenVerifier
	AllowedOrigins   []string
	RelayMaxInFlight int
	Metrics          *observe.Metrics
	MetricsHandler   http.Handler
	Logger           *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.AllowedOrigins))
	r.Use(middlewarePkg.Metrics(deps.Metrics))
	r.Use(middlewarePkg.Authenticate(deps.Verifier))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api", func(api chi.Router) {
		prompt.New(deps.Prompts, logger).RegisterRoutes(api)
		chat.New(deps.Transcripts, logger).RegisterRoutes(api)

		if deps.Completer != nil {
			relay.New(deps.Completer, deps.RelayMaxInFlight, logger).RegisterRoutes(api)
		} else {
			api.Post("/chat/send", func(w http.ResponseWriter, r *http.Request) {
				utils.RespondError(w, http.StatusServiceUnavailable, "ai relay unavailable")
			})
		}

		if deps.Conversations != nil {
			conversation.New(deps.Conversations, logger).RegisterRoutes(api)
		}
	})

	return r
}
