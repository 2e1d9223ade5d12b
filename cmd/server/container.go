package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/Abraxas-365/craftable/ai/llm"
	"github.com/Abraxas-365/craftable/ai/providers/aiopenai"

	"github.com/Abraxas-365/relayflow/callx"
	"github.com/Abraxas-365/relayflow/channels/whatsapp"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/engine/callback"
	"github.com/Abraxas-365/relayflow/engine/dispatch"
	"github.com/Abraxas-365/relayflow/engine/engineapi"
	"github.com/Abraxas-365/relayflow/engine/engineinfra"
	"github.com/Abraxas-365/relayflow/engine/flowexec"
	"github.com/Abraxas-365/relayflow/engine/nodeexec"
	"github.com/Abraxas-365/relayflow/engine/timers"

	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/flow/flowinfra"

	"github.com/Abraxas-365/relayflow/pkg/config"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/Abraxas-365/relayflow/sandbox"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
)

// Container contains all application dependencies
type Container struct {
	// =================================================================
	// CONFIGURATION & INFRASTRUCTURE
	// =================================================================
	Config      *config.Config
	DB          *sqlx.DB
	RedisClient *redis.Client
	Clock       engine.Clock

	// =================================================================
	// REPOSITORIES
	// =================================================================
	FlowRepo         flow.Repository
	FlowLoader       *flowinfra.CachedLoader
	ConversationRepo engine.ConversationRepository
	StepRepo         engine.StepRepository
	StepArchiver     engine.StepArchiver
	TimerStore       timers.Store

	// =================================================================
	// EXTERNAL CALLS
	// =================================================================
	CallAdapter *callx.Adapter
	HTTPClient  *callx.HTTPClient
	SQLClient   *callx.SQLClient
	LLMClient   *callx.LLMClient
	Sandbox     *sandbox.Sandbox

	// =================================================================
	// CHANNELS
	// =================================================================
	Sender          engine.MessageSender
	WhatsAppWebhook *whatsapp.WebhookRoutes

	// =================================================================
	// ENGINE
	// =================================================================
	Callbacks  *callback.JWTIssuer
	Handlers   *nodeexec.Handlers
	Scheduler  *flowexec.Scheduler
	Dispatcher *dispatch.Dispatcher
	Sweeper    *timers.Sweeper
	EngineAPI  *engineapi.Routes
}

// NewContainer creates and initializes all dependencies
func NewContainer(cfg *config.Config, db *sqlx.DB, redisClient *redis.Client) *Container {
	c := &Container{
		Config:      cfg,
		DB:          db,
		RedisClient: redisClient,
		Clock:       engine.SystemClock{},
	}

	c.initRepositories()
	c.initCallComponents()
	c.initChannelComponents()
	c.initEngineComponents()

	return c
}

// =================================================================
// REPOSITORIES
// =================================================================

func (c *Container) initRepositories() {
	log.Println("  📚 Initializing repositories...")

	c.FlowRepo = flowinfra.NewPostgresFlowRepository(c.DB)
	c.FlowLoader = flowinfra.NewCachedLoader(c.FlowRepo, c.Config.Engine.GraphCacheTTL)
	c.ConversationRepo = engineinfra.NewPostgresConversationRepository(c.DB)
	c.StepRepo = engineinfra.NewPostgresStepRepository(c.DB)
	c.TimerStore = timers.NewRedisStore(c.RedisClient)
	log.Println("    ✅ Flow, conversation, step and timer stores initialized")

	if c.Config.Archive.Enabled {
		archiver, err := engineinfra.NewS3StepArchiver(c.Config.Archive)
		if err != nil {
			log.Fatalf("❌ Failed to initialize step archiver: %v", err)
		}
		c.StepArchiver = archiver
		log.Printf("    ✅ Step archiver writing to s3://%s/%s", c.Config.Archive.Bucket, c.Config.Archive.Prefix)
	}

	log.Println("  ✅ Repositories initialized")
}

// =================================================================
// EXTERNAL CALLS 🌐
// =================================================================

func (c *Container) initCallComponents() {
	log.Println("  🌐 Initializing call components...")

	ec := c.Config.Engine
	policy := callx.DefaultRetryPolicy()
	if ec.CallAttempts > 0 {
		policy.MaxAttempts = ec.CallAttempts
	}
	if ec.CallBudget > 0 {
		policy.Budget = ec.CallBudget
	}

	c.CallAdapter = callx.NewAdapter(policy, callx.WithRateLimit(ec.CallRatePerSec, int(ec.CallRatePerSec)+1))
	c.HTTPClient = callx.NewHTTPClient(&http.Client{Timeout: 60 * time.Second}, c.CallAdapter)
	c.SQLClient = callx.NewSQLClient(c.DB, c.CallAdapter)
	c.Sandbox = sandbox.New(sandbox.Options{StarlarkThreads: ec.StarlarkThreads})

	if c.Config.AI.OpenAIKey == "" {
		log.Println("    ⚠️  OPENAI_API_KEY not set, ai_prompt nodes will fail")
	} else {
		client := llm.NewClient(aiopenai.NewOpenAIProvider(c.Config.AI.OpenAIKey))
		c.LLMClient = callx.NewLLMClient(callx.FromLLMClient(client), c.Config.AI.DefaultModel, c.CallAdapter)
		log.Println("    ✅ LLM client initialized")
	}

	log.Println("  ✅ Call components initialized")
}

// =================================================================
// CHANNELS 📱
// =================================================================

func (c *Container) initChannelComponents() {
	log.Println("  📱 Initializing channel components...")

	sender, err := whatsapp.NewSender(c.Config.WhatsApp)
	if err != nil {
		log.Printf("    ⚠️  WhatsApp sender disabled (%v), messages will only be logged", err)
		c.Sender = engineinfra.NewRecordingSender()
	} else {
		c.Sender = sender
		log.Println("    ✅ WhatsApp sender initialized")
	}

	log.Println("  ✅ Channel components initialized")
}

// =================================================================
// ENGINE ⚙️
// =================================================================

func (c *Container) initEngineComponents() {
	log.Println("  ⚙️  Initializing engine components...")

	ec := c.Config.Engine
	window := engine.NewSessionWindow(ec.SessionWindow, c.Clock)

	c.Callbacks = callback.NewJWTIssuer(c.Config.Callback, c.Clock)

	c.Handlers = nodeexec.New(nodeexec.Deps{
		Sandbox:       c.Sandbox,
		HTTP:          c.HTTPClient,
		SQL:           c.SQLClient,
		LLM:           c.LLMClient,
		Callbacks:     c.Callbacks,
		Window:        window,
		ScriptTimeout: ec.ScriptTimeout,
		CallPolicy:    c.CallAdapter.Policy(),
		AsyncTimeout:  c.Config.Callback.TTL,
	})

	c.Scheduler = flowexec.New(flowexec.Deps{
		Conversations: c.ConversationRepo,
		Flows:         c.FlowLoader,
		Entries:       c.FlowLoader,
		Handlers:      c.Handlers,
		Steps:         c.StepRepo,
		Archiver:      c.StepArchiver,
		Sender:        c.Sender,
		Timers:        c.TimerStore,
		Effects:       engineinfra.LogEffectSink{},
		Locker:        dispatch.NewKeyedLock(),
		Clock:         c.Clock,
		Window:        window,
	}, flowexec.Options{
		MaxSteps:       ec.MaxSteps,
		MismatchPolicy: flowexec.MismatchPolicy(ec.MismatchPolicy),
		RetryBackoff:   ec.RetryBackoff,
	})
	log.Println("    ✅ Scheduler initialized")

	c.Dispatcher = dispatch.NewDispatcher(c.Scheduler.Advance, dispatch.Options{
		Workers:     ec.Workers,
		MailboxSize: ec.MailboxSize,
	})
	c.Sweeper = timers.NewSweeper(c.TimerStore, c.fireTimer, c.Clock, ec.TimerSweepSpec)

	c.EngineAPI = engineapi.NewRoutes(engineapi.NewHandler(engineapi.Deps{
		Advancer:      c.Dispatcher,
		Resetter:      c.Scheduler,
		Conversations: c.ConversationRepo,
		Steps:         c.StepRepo,
		Flows:         c.FlowRepo,
		Cache:         c.FlowLoader,
		Callbacks:     c.Callbacks,
	}))
	c.WhatsAppWebhook = whatsapp.NewWebhookRoutes(whatsapp.NewWebhookHandler(c.Config.WhatsApp, c.submit))

	log.Println("  ✅ Engine components initialized")
}

// submit queues a trigger without waiting for its result
func (c *Container) submit(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) error {
	_, err := c.Dispatcher.Submit(ctx, id, tr)
	return err
}

// fireTimer waits until the timer trigger was advanced so the sweeper can put
// the timer back when it failed
func (c *Container) fireTimer(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) error {
	_, err := c.Dispatcher.Do(ctx, id, tr)
	return err
}

// Start launches the background workers
func (c *Container) Start(ctx context.Context) error {
	c.Dispatcher.Start()
	return c.Sweeper.Start(ctx)
}

// Cleanup stops the workers, letting queued triggers finish
func (c *Container) Cleanup(ctx context.Context) {
	log.Println("🧹 Cleaning up container...")

	c.Sweeper.Stop()
	if err := c.Dispatcher.Stop(ctx); err != nil {
		log.Printf("❌ Dispatcher did not drain: %v", err)
	}

	log.Println("✅ Container cleanup completed")
}

func (c *Container) HealthCheck(ctx context.Context) map[string]bool {
	health := map[string]bool{}

	health["database"] = c.DB.PingContext(ctx) == nil
	health["redis"] = c.RedisClient.Ping(ctx).Err() == nil
	health["scheduler"] = c.Scheduler != nil
	health["dispatcher"] = c.Dispatcher != nil

	return health
}

func (c *Container) PendingTimers(ctx context.Context) (int64, error) {
	return c.TimerStore.Pending(ctx)
}

func (c *Container) GetServiceNames() []string {
	names := []string{"Scheduler", "Dispatcher", "TimerSweeper", "CallbackIssuer", "Sandbox"}
	if c.LLMClient != nil {
		names = append(names, "LLMClient")
	}
	if c.StepArchiver != nil {
		names = append(names, "StepArchiver")
	}
	return names
}
