package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/promptdeck/backend/internal/auth"
	"github.com/zhouzirui/promptdeck/backend/internal/config"
	"github.com/zhouzirui/promptdeck/backend/internal/gateway"
	"github.com/zhouzirui/promptdeck/backend/internal/logging"
	"github.com/zhouzirui/promptdeck/backend/internal/model/prompt"
	"github.com/zhouzirui/promptdeck/backend/internal/service/chat"
	"github.com/zhouzirui/promptdeck/backend/internal/store"
	"github.com/zhouzirui/promptdeck/backend/internal/store/sqlite"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	relayURL := flag.String("relay", cfg.Gateway.URL, "中转服务地址，例如 http://localhost:8080")
	token := flag.String("token", cfg.Gateway.Token, "访问中转服务的 Bearer token")
	promptID := flag.String("prompt", "", "从指定 prompt 开始会话")
	chatID := flag.String("chat", "", "从本地数据库中已保存的聊天继续")
	dbPath := flag.String("db", "", "SQLite 文件路径，留空则只保存在内存中")
	userID := flag.String("user", "cli-user", "本地会话使用的用户 ID")
	timeout := flag.Duration("timeout", 90*time.Second, "单次回复的超时时间")
	flag.Parse()

	if *relayURL == "" {
		*relayURL = "http://localhost" + cfg.Server.Addr
	}

	logger, err := logging.New("warn", "console")
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	transcripts, err := openStore(ctx, *dbPath, logger)
	if err != nil {
		log.Fatalf("打开存储失败: %v", err)
	}
	defer transcripts.Close()

	user := auth.User{ID: *userID}
	session, err := loadSession(ctx, transcripts, user, *promptID, *chatID)
	if err != nil {
		log.Fatalf("加载会话失败: %v", err)
	}

	reconciler, err := chat.NewReconciler(session, chat.Options{
		Gateway:  gateway.New(*relayURL, gateway.WithToken(*token)),
		Store:    transcripts,
		Identity: auth.NewWatcher(user),
		Notifier: chat.NotifierFunc(printEvent),
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("创建会话失败: %v", err)
	}
	defer reconciler.Close()

	for _, e := range reconciler.Snapshot().Turns {
		fmt.Printf("%-9s %s\n", e.Sender+":", e.Text)
	}

	roundCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, *timeout)
	}

	rctx, cancel := roundCtx()
	if _, fired, err := reconciler.Resume(rctx); fired {
		report(err)
	}
	cancel()

	fmt.Println("输入消息后回车发送，Ctrl+D 退出")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		rctx, cancel := roundCtx()
		_, err := reconciler.Submit(rctx, scanner.Text())
		cancel()
		if errors.Is(err, chat.ErrValidation) {
			continue
		}
		report(err)
		if ctx.Err() != nil {
			break
		}
	}

	if id := reconciler.Snapshot().TranscriptID; id != "" {
		fmt.Printf("聊天已保存: %s\n", id)
	}
}

func openStore(ctx context.Context, path string, logger *zap.Logger) (store.TranscriptStore, error) {
	if path == "" {
		return store.NewMemoryStore(), nil
	}
	return sqlite.Open(ctx, path, logger)
}

func loadSession(ctx context.Context, transcripts store.TranscriptStore, user auth.User, promptID, chatID string) (chat.Session, error) {
	switch {
	case chatID != "":
		t, err := transcripts.Get(ctx, user.ID, chatID)
		if err != nil {
			return chat.Session{}, err
		}
		return chat.InitFromTranscript(t), nil
	case promptID != "":
		var opts []prompt.Option
		if overrides, ok := transcripts.(prompt.OverrideStore); ok {
			opts = append(opts, prompt.WithOverrides(overrides))
		}
		p, err := prompt.NewMemoryStore(prompt.Seed(), opts...).Resolve(ctx, user.ID, promptID)
		if err != nil {
			return chat.Session{}, err
		}
		return chat.InitFromPrompt(p, user.ID, time.Now()), nil
	default:
		return chat.NewSession(user.ID, time.Now()), nil
	}
}

func printEvent(e chat.Event) {
	switch e.Type {
	case chat.EventPlaceholderShown:
		fmt.Println("assistant: " + e.Turn.Text)
	case chat.EventTurnAppended:
		if e.Turn.Sender != "user" {
			fmt.Printf("%-9s %s\n", e.Turn.Sender+":", e.Turn.Text)
		}
	case chat.EventAlert:
		fmt.Println("[!] " + e.Message)
	}
}

func report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrPersistence):
		fmt.Println("[!] 回复未能保存: " + strings.TrimPrefix(err.Error(), chat.ErrPersistence.Error()+": "))
	default:
		fmt.Printf("[!] %v\n", err)
	}
}
