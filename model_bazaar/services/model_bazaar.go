package services

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/auth"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/licensing"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/orchestrator"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/storage"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/model_bazaar/store"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils"
	"github.com/ThirdAILabs/Thirdai-Platform-v2-sub007/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type ModelBazaar struct {
	user   UserService
	team   TeamService
	model  ModelService
	apiKey ApiKeyService
	train  TrainService
	deploy DeployService

	audit      *auth.AuditLogger
	dispatcher *orchestrator.Dispatcher
	syncCtx    context.Context
	stop       context.CancelFunc
}

func NewModelBazaar(
	db *gorm.DB,
	store *store.Store,
	dispatcher *orchestrator.Dispatcher,
	storage storage.Storage,
	gate *licensing.Gate,
	userAuth auth.IdentityProvider,
	jobAuth *auth.JobTokenManager,
	audit *auth.AuditLogger,
	variables Variables,
) *ModelBazaar {
	authz := auth.NewAuthorizer(db)

	syncCtx, stop := context.WithCancel(context.Background())

	return &ModelBazaar{
		user: UserService{db: db, userAuth: userAuth},
		team: TeamService{db: db, store: store, userAuth: userAuth},
		model: ModelService{
			db:         db,
			store:      store,
			authz:      authz,
			dispatcher: dispatcher,
			storage:    storage,
			userAuth:   userAuth,
		},
		apiKey: ApiKeyService{db: db, userAuth: userAuth},
		train: TrainService{
			db:         db,
			store:      store,
			authz:      authz,
			dispatcher: dispatcher,
			storage:    storage,
			gate:       gate,
			userAuth:   userAuth,
			jobAuth:    jobAuth,
		},
		deploy: DeployService{
			db:         db,
			store:      store,
			authz:      authz,
			dispatcher: dispatcher,
			storage:    storage,
			gate:       gate,
			userAuth:   userAuth,
			jobAuth:    jobAuth,
			variables:  variables,
		},
		audit:      audit,
		dispatcher: dispatcher,
		syncCtx:    syncCtx,
		stop:       stop,
	}
}

func (m *ModelBazaar) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))
	r.Use(m.audit.Middleware)

	r.Mount("/user", m.user.Routes())
	r.Mount("/team", m.team.Routes())
	r.Mount("/model", m.model.Routes())
	r.Mount("/api-key", m.apiKey.Routes())
	r.Mount("/train", m.train.Routes())
	r.Mount("/deploy", m.deploy.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// JobStatusSync reconciles model statuses with the cluster backend every
// interval until StopJobStatusSync is called. It blocks.
func (m *ModelBazaar) JobStatusSync(interval time.Duration) {
	slog.Info("status sync: starting", "interval", interval, "code", logging.JOB_SYNC)
	m.dispatcher.RunStatusSync(m.syncCtx, interval)
	slog.Info("status sync: process stopped", "code", logging.JOB_SYNC)
}

func (m *ModelBazaar) StopJobStatusSync() {
	m.stop()
}
