// Package bootstrap sequences the agent's components into a running
// process: config, storage, the typed event bus, every core manager, the
// collector's sampling loop, and the dashboard's HTTP+realtime server. It
// owns startup order and its mirror image, graceful shutdown.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/opsagent/agent/internal/alerts"
	"github.com/opsagent/agent/internal/approval"
	"github.com/opsagent/agent/internal/audit"
	"github.com/opsagent/agent/internal/chatllm"
	"github.com/opsagent/agent/internal/config"
	"github.com/opsagent/agent/internal/events"
	"github.com/opsagent/agent/internal/issues"
	"github.com/opsagent/agent/internal/logging"
	"github.com/opsagent/agent/internal/metrics"
	"github.com/opsagent/agent/internal/nats"
	"github.com/opsagent/agent/internal/notifications"
	"github.com/opsagent/agent/internal/notifications/external"
	"github.com/opsagent/agent/internal/plugins"
	"github.com/opsagent/agent/internal/remediation"
	"github.com/opsagent/agent/internal/server"
	"github.com/opsagent/agent/internal/storage"
	"github.com/opsagent/agent/internal/types"
	"github.com/opsagent/agent/internal/vault"
)

// Options configures the parts of the process Config can't: filesystem
// paths, secrets, and the optional cross-process NATS fan-out, none of
// which belong in a YAML file that might be committed to a repo.
type Options struct {
	ConfigPath      string
	DBPath          string
	Addr            string
	Debug           bool
	VaultKeyHex     string // hex-encoded 32-byte key; empty uses VaultPassphrase
	VaultPassphrase string // empty falls back to the hostname-derived development key
	LLMBaseURL      string
	LLMAPIKey       string
	EnableNATS      bool
	NATSPort        int
	NATSDataDir     string
}

// App is the fully wired process: every long-lived component plus the
// means to start and stop them in order.
type App struct {
	opts Options
	cfg  *types.Config
	log  *zap.Logger

	store storage.Store
	bus   *events.Bus
	vault *vault.Vault

	alerts      *alerts.Manager
	issues      *issues.Manager
	approvals   *approval.Manager
	audit       *audit.Log
	plugins     *plugins.Registry
	chat        *chatllm.Orchestrator
	remediation *remediation.Engine

	notifyRouter *notifications.Router
	notifyMgr    *notifications.Manager
	notifyBridge *notifications.Bridge

	natsServer *nats.EmbeddedServer
	natsBridge *nats.EventBridge

	srv *server.Server

	collector     metrics.Collector
	ruleEngine    *metrics.RuleEngine
	netdata       *metrics.NetdataCollector
	collectorCron *cron.Cron
	pipelineStop  chan struct{}

	serverID string
}

// New loads configuration and wires every component, but starts none of
// them; call Run to begin serving.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load config: %w", err)
	}

	log, err := logging.New(opts.Debug)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build logger: %w", err)
	}

	v, err := buildVault(opts, log)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build vault: %w", err)
	}

	store, err := storage.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open storage: %w", err)
	}

	bus := events.NewBus(nil, log)

	serverID, err := registerSelf(context.Background(), store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("bootstrap: register host: %w", err)
	}

	alertsMgr := alerts.New(cfg.Alerts, store, bus, log)
	issuesMgr := issues.New(store, bus, log)
	approvals := approval.New(store, bus, log)
	auditLog := audit.New(store, 10_000, log)
	pluginRegistry := plugins.New(time.Minute, store, bus, v, log)

	llmClient := chatllm.NewHTTPClient(opts.LLMBaseURL, opts.LLMAPIKey, cfg.Agent.Model)
	chatOrch := chatllm.New(store, pluginRegistry, approvals, llmClient, bus, log)
	remediationEngine := remediation.New(llmClient, pluginRegistry, approvals, issuesMgr, auditLog, store, bus, cfg.Agent, log)

	notifyMgr := notifications.NewDefaultManager()
	notifyRouter := notifications.NewRouter(nil)
	if cfg.Discord.Enabled && cfg.Discord.WebhookURL != "" {
		notifyRouter.AddChannel(external.NewDiscordNotifier(external.DiscordConfig{
			WebhookURL:  cfg.Discord.WebhookURL,
			Username:    "opsagent",
			EventTypes:  discordEventTypes(cfg.Discord),
			MinPriority: events.PriorityHigh,
		}))
	}
	notifyBridge := notifications.NewBridge(bus, notifyRouter, notifyMgr, log)

	srv := server.New(server.Deps{
		Store:       store,
		Bus:         bus,
		Alerts:      alertsMgr,
		Issues:      issuesMgr,
		Plugins:     pluginRegistry,
		Approvals:   approvals,
		Audit:       auditLog,
		Chat:        chatOrch,
		Remediation: remediationEngine,
		Log:         log,
	})

	a := &App{
		opts: opts, cfg: cfg, log: log,
		store: store, bus: bus, vault: v,
		alerts: alertsMgr, issues: issuesMgr, approvals: approvals, audit: auditLog,
		plugins: pluginRegistry, chat: chatOrch, remediation: remediationEngine,
		notifyRouter: notifyRouter, notifyMgr: notifyMgr, notifyBridge: notifyBridge,
		srv:      srv,
		serverID: serverID,
	}

	if cfg.Netdata.URL != "" {
		a.netdata = metrics.NewNetdataCollector(serverID, cfg.Netdata)
	} else {
		a.collector = metrics.NewIntrinsicCollector(serverID)
		a.ruleEngine = metrics.NewRuleEngine(cfg.Rules)
	}

	if opts.EnableNATS {
		ns, err := nats.NewEmbeddedServer(nats.EmbeddedServerConfig{
			Port: opts.NATSPort, JetStream: true, DataDir: opts.NATSDataDir,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("bootstrap: build nats server: %w", err)
		}
		a.natsServer = ns
	}

	return a, nil
}

// discordEventTypes narrows the Discord channel's subscription to Alert
// events, and Agent-result events when the operator opted into
// action notifications too.
func discordEventTypes(cfg types.DiscordConfig) []events.EventType {
	evTypes := []events.EventType{events.EventAlert}
	if cfg.NotifyOnAgentAction {
		evTypes = append(evTypes, events.EventAgentResult)
	}
	return evTypes
}

func buildVault(opts Options, log *zap.Logger) (*vault.Vault, error) {
	switch {
	case opts.VaultKeyHex != "":
		return vault.New(opts.VaultKeyHex)
	case opts.VaultPassphrase != "":
		host, _ := os.Hostname()
		return vault.NewFromPassphrase(opts.VaultPassphrase, host)
	default:
		return vault.NewDevelopment(log)
	}
}

// registerSelf upserts this host's Server row, returning its id. The
// agent identifies its own host by hostname since it only ever monitors
// the machine it runs on (§1's "per-host" scope).
func registerSelf(ctx context.Context, store storage.Store) (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "opsagent-host"
	}
	now := time.Now()
	srv := &types.Server{
		ID: host, Hostname: host, OS: runtime.GOOS,
		FirstSeenAt: now, LastSeenAt: now, Status: types.ServerActive,
	}
	if existing, err := store.GetServer(ctx, host); err == nil {
		srv.FirstSeenAt = existing.FirstSeenAt
	}
	if err := store.UpsertServer(ctx, srv); err != nil {
		return "", err
	}
	return srv.ID, nil
}

// Run starts every background loop and blocks serving the dashboard
// until its HTTP server stops (normally via Shutdown).
func (a *App) Run() error {
	a.pipelineStop = make(chan struct{})
	go a.runPipelineGlue()

	if err := a.startCollector(); err != nil {
		return fmt.Errorf("bootstrap: start collector: %w", err)
	}

	a.notifyBridge.Start()

	if a.natsServer != nil {
		if err := a.natsServer.Start(); err != nil {
			return fmt.Errorf("bootstrap: start nats: %w", err)
		}
		client, err := nats.NewClient(a.natsServer.URL())
		if err != nil {
			return fmt.Errorf("bootstrap: connect nats client: %w", err)
		}
		a.natsBridge = nats.NewEventBridge(a.bus, client, a.log)
		a.natsBridge.Start()
	}

	addr := a.opts.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", a.cfg.Dashboard.Port)
	}
	return a.srv.Listen(addr)
}

// Shutdown tears every component down in the reverse of its start order.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(a.srv.Shutdown(ctx))

	if a.natsBridge != nil {
		a.natsBridge.Stop()
	}
	if a.natsServer != nil {
		a.natsServer.Shutdown()
	}

	a.notifyBridge.Stop()

	if a.collectorCron != nil {
		collectorCtx := a.collectorCron.Stop()
		<-collectorCtx.Done()
	}

	if a.pipelineStop != nil {
		close(a.pipelineStop)
	}

	a.plugins.Shutdown(ctx)
	a.approvals.Shutdown()

	record(a.store.Close())
	return firstErr
}
