package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/harishkotra/metapilot/internal/api"
	"github.com/harishkotra/metapilot/internal/config"
	"github.com/harishkotra/metapilot/internal/decision"
	"github.com/harishkotra/metapilot/internal/executor"
	"github.com/harishkotra/metapilot/internal/intent"
	"github.com/harishkotra/metapilot/internal/knowledge"
	"github.com/harishkotra/metapilot/internal/llm"
	"github.com/harishkotra/metapilot/internal/llm/openai"
	"github.com/harishkotra/metapilot/internal/observability/alerting"
	"github.com/harishkotra/metapilot/internal/permission"
	"github.com/harishkotra/metapilot/internal/schedule"
	"github.com/harishkotra/metapilot/internal/store"
	"github.com/harishkotra/metapilot/internal/web3"
	"github.com/harishkotra/metapilot/internal/web3/ethereum"
	"github.com/harishkotra/metapilot/pkg/logger"
)

// main 是 MetaPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("metapilotd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("METAPILOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "metapilot.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "metapilotd",
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 快照存储。
	adapter, err := createAdapter(ctx, cfg)
	if err != nil {
		return err
	}
	defer adapter.Close()

	// 链客户端：授权的创建/撤销与已批准动作的执行都经由钱包层。
	chainClient, err := createChainClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	// 推理提供方与风险提示库。
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	var decisionOpts []decision.Option
	if cfg.Knowledge.Source != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
		if err != nil {
			return err
		}
		decisionOpts = append(decisionOpts, decision.WithKnowledgeProvider(provider))
	}
	decider := decision.NewEngine(llmClient, decisionOpts...)

	permissions, err := permission.NewStore(ctx, chainClient, adapter)
	if err != nil {
		return err
	}

	history, err := executor.NewHistory(ctx, adapter)
	if err != nil {
		return err
	}

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}

	orchestratorOpts := []executor.OrchestratorOption{
		executor.WithWorkerCount(cfg.Queue.Worker),
	}
	if alerter := createAlerter(cfg); alerter != nil {
		orchestratorOpts = append(orchestratorOpts, executor.WithAlertDispatcher(alerter))
	}

	orchestrator, err := executor.NewOrchestrator(ctx, permissions, decider, chainClient, chainClient, history, queue, adapter,
		orchestratorOpts...,
	)
	if err != nil {
		return err
	}
	defer orchestrator.Close()

	engine, err := schedule.NewEngine(ctx, orchestrator.RunSchedule, adapter)
	if err != nil {
		return err
	}
	orchestrator.BindScheduler(engine)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := engine.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("调度循环异常退出: %v", err)
		}
	}()
	go func() {
		if err := orchestrator.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("执行消费循环异常退出: %v", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, permissions, orchestrator, history, engine)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createAdapter 按配置选择快照存储后端。
func createAdapter(ctx context.Context, cfg *config.Config) (store.Adapter, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return store.NewMemoryAdapter(cfg.Runtime.DataDir)
	case "redis":
		return store.NewRedisAdapter(store.RedisConfig{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
	case "mysql":
		return store.NewMySQLAdapter(ctx, store.MySQLConfig{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// createQueue 按配置选择执行分发队列。
func createQueue(cfg *config.Config) (intent.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return intent.NewMemoryQueue(1024), nil
	case "redis":
		return intent.NewRedisQueue(intent.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return intent.NewRabbitMQQueue(intent.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// createAlerter 按配置组装告警通知渠道。未启用或没有任何可用渠道时返回 nil，
// 此时失败事件只落审计日志。
func createAlerter(cfg *config.Config) alerting.Dispatcher {
	if !cfg.Alerting.Enabled {
		return nil
	}
	var notifiers []alerting.Notifier
	if email := cfg.Alerting.Email; email.SMTPAddress != "" && len(email.To) > 0 {
		notifiers = append(notifiers, &alerting.EmailNotifier{
			Sender: &alerting.SMTPSender{
				Address:  email.SMTPAddress,
				Username: email.Username,
				Password: email.Password,
				From:     email.From,
			},
			To:            email.To,
			SubjectPrefix: email.SubjectPrefix,
		})
	}
	if url := cfg.Alerting.DingTalk.WebhookURL; url != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewDingTalkWebhook(url),
		})
	}
	if slack := cfg.Alerting.Slack; slack.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhook(slack.WebhookURL),
			ChannelID: slack.Channel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

// createChainClient 从链定义文件中取出默认链并建立连接。
func createChainClient(ctx context.Context, cfg *config.Config) (web3.Client, error) {
	defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
	if err != nil {
		return nil, err
	}
	def, ok := defs.Chains[cfg.Web3.DefaultChain]
	if !ok {
		return nil, fmt.Errorf("链定义中不存在默认链: %s", cfg.Web3.DefaultChain)
	}
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:         cfg.Web3.DefaultChain,
		RPCURL:       def.RPCURL,
		WalletRPCURL: def.WalletRPCURL,
		Notes:        def.Description,
	})
}

// createLLMClient 按配置构造推理客户端。provider 为 none 时返回 nil，
// 裁决引擎将始终走确定性回退。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" && cfg.LLM.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的推理 provider: %s", cfg.LLM.Provider)
	}
}
