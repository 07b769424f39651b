package server

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fidarail/fesledger/internal/auth"
	"github.com/fidarail/fesledger/internal/checkpoint"
	"github.com/fidarail/fesledger/internal/config"
	"github.com/fidarail/fesledger/internal/database"
	"github.com/fidarail/fesledger/internal/keystore"
	"github.com/fidarail/fesledger/internal/ledger"
	"github.com/fidarail/fesledger/internal/obs"
	"github.com/fidarail/fesledger/internal/proof"
	"github.com/fidarail/fesledger/internal/ratelimit"
	"github.com/fidarail/fesledger/internal/verify"
)

// Server bundles every engine and repository the HTTP surface needs.
type Server struct {
	cfg   *config.Config
	repos *database.Repositories
	keys  *keystore.Store
	auth  *auth.Authenticator
	limit *ratelimit.Limiter

	ledgerEngine     *ledger.Engine
	checkpointEngine *checkpoint.Engine
	verifyEngine     *verify.Engine
	proofEngine      *proof.Engine

	logger  *log.Logger
	metrics *obs.Metrics
}

// New constructs a Server wiring every engine onto the given
// repositories, keystore, and config.
func New(cfg *config.Config, repos *database.Repositories, keys *keystore.Store, limitStore ratelimit.Store, metrics *obs.Metrics) *Server {
	authenticator := auth.New(repos.ApiKeys)
	limiter := ratelimit.New(limitStore, cfg.RateLimitBurst)

	return &Server{
		cfg:              cfg,
		repos:            repos,
		keys:             keys,
		auth:             authenticator,
		limit:            limiter,
		ledgerEngine:     ledger.NewEngine(repos.Events, keys),
		checkpointEngine: checkpoint.NewEngine(repos.Checkpoints, repos.Events, keys, cfg.CheckpointBatch),
		verifyEngine:     verify.NewEngine(repos.Tenants, repos.Events, true),
		proofEngine:      proof.NewEngine(repos.Events, repos.Checkpoints),
		logger:           obs.NewLogger("server"),
		metrics:          metrics,
	}
}

// Routes builds the http.Handler for the full API surface (spec §6),
// following main.go's http.NewServeMux wiring with no router framework.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/.well-known/platform.jwks.json", s.handlePlatformJWKS)
	mux.HandleFunc("/tenants/", s.handleTenantPublicOrScoped)
	mux.HandleFunc("/admin/bootstrap", s.handleBootstrap)

	public := chain(mux, requestIDMiddleware, bodyLimitMiddleware(int64(s.cfg.MaxBodyBytes)), accessLogMiddleware(s.logger, s.metrics))

	authed := http.NewServeMux()
	authed.HandleFunc("/admin/bootstrap/lock", s.handleBootstrapLock)
	authed.HandleFunc("/admin/tenants", s.handleCreateTenant)
	authed.HandleFunc("/admin/apikeys/issue", s.handleIssueAPIKey)
	authed.HandleFunc("/issue", s.handleIssueEvent)
	authed.HandleFunc("/verify", s.handleVerify)
	authed.HandleFunc("/export/", s.handleExport)
	authed.HandleFunc("/proof/", s.handleProof)

	authedChained := chain(authed,
		requestIDMiddleware,
		bodyLimitMiddleware(int64(s.cfg.MaxBodyBytes)),
		accessLogMiddleware(s.logger, s.metrics),
		authMiddleware(s.auth),
		rateLimitMiddleware(s.limit, s.metrics),
	)

	top := http.NewServeMux()
	top.Handle("/admin/bootstrap/lock", authedChained)
	top.Handle("/admin/tenants", authedChained)
	top.Handle("/admin/apikeys/issue", authedChained)
	top.Handle("/issue", authedChained)
	top.Handle("/verify", authedChained)
	top.Handle("/export/", authedChained)
	top.Handle("/proof/", authedChained)
	top.Handle("/", public)
	return top
}
