// Package main is a terminal client for the chat relay. It keeps a local
// snapshot of the conversations and syncs changes to the server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatrelay/internal/chatclient"
	"github.com/capitalize-ai/chatrelay/internal/model"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
)

const usage = `usage: chat [flags] <command> [args]

commands:
  list                 show conversations, newest first
  new [title]          start a conversation and make it active
  use <uuid>           switch the active conversation
  show [uuid]          print the turns of a conversation
  send <prompt...>     send a prompt to the active conversation
  rename <uuid> <title>
  clear <uuid>
  rm <uuid>
`

func main() {
	_ = godotenv.Load()

	server := flag.String("server", envOr("CHATRELAY_SERVER", "http://localhost:8080"), "relay base URL")
	token := flag.String("token", os.Getenv("CHATRELAY_TOKEN"), "bearer token")
	state := flag.String("state", defaultStatePath(), "local snapshot file")
	modelName := flag.String("model", "", "model override for send")
	system := flag.String("system", "", "system message for send")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	log, err := logger.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := chatclient.NewCache(chatclient.New(*server, *token), *state, chatclient.WithCacheLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open state: %v\n", err)
		os.Exit(1)
	}

	opts := chatclient.SendOptions{Model: *modelName, SystemMessage: *system}
	err = run(ctx, cache, opts, flag.Args())
	if cerr := cache.Close(); cerr != nil {
		log.Warn("failed to close state", zap.Error(cerr))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cache *chatclient.Cache, opts chatclient.SendOptions, args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "list":
		if err := cache.Load(ctx); err != nil {
			return err
		}
		active := cache.Active()
		for _, c := range cache.History() {
			mark := " "
			if c.UUID == active {
				mark = "*"
			}
			fmt.Printf("%s %s  %s\n", mark, c.UUID, c.Title)
		}
		return nil

	case "new":
		id, err := cache.AddConversation(strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case "use":
		if len(args) != 1 {
			return errors.New("use: need a uuid")
		}
		return cache.SetActive(ctx, args[0])

	case "show":
		id := cache.Active()
		if len(args) > 0 {
			id = args[0]
			if err := cache.SetActive(ctx, id); err != nil {
				return err
			}
		}
		for _, t := range cache.Turns(id) {
			printTurn(t)
		}
		return nil

	case "send":
		if len(args) == 0 {
			return errors.New("send: need a prompt")
		}
		return send(ctx, cache, strings.Join(args, " "), opts)

	case "rename":
		if len(args) < 2 {
			return errors.New("rename: need a uuid and a title")
		}
		return cache.Rename(args[0], strings.Join(args[1:], " "))

	case "clear":
		if len(args) != 1 {
			return errors.New("clear: need a uuid")
		}
		return cache.Clear(args[0])

	case "rm":
		if len(args) != 1 {
			return errors.New("rm: need a uuid")
		}
		return cache.Delete(args[0])
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func send(ctx context.Context, cache *chatclient.Cache, prompt string, opts chatclient.SendOptions) error {
	printed := 0
	res, err := cache.Send(ctx, "", prompt, nil, nil, opts, func(t chatclient.Turn) {
		// snapshots are cumulative; print only the new tail
		if len(t.Text) > printed {
			fmt.Print(t.Text[printed:])
			printed = len(t.Text)
		}
	})
	fmt.Println()
	if err != nil {
		return err
	}

	switch res.Type {
	case model.ResultFail:
		return fmt.Errorf("turn failed: %s", res.Message)
	case model.ResultCancelled:
		fmt.Fprintln(os.Stderr, "cancelled")
	}
	return nil
}

func printTurn(t chatclient.Turn) {
	who := "assistant"
	if t.Inversion {
		who = "you"
	}
	suffix := ""
	switch {
	case t.Error:
		suffix = " (error)"
	case t.Loading:
		suffix = " (incomplete)"
	}
	if n := len(t.ImageRefs) + len(t.FileRefs); n > 0 {
		suffix += fmt.Sprintf(" [%d attachment(s)]", n)
	}
	fmt.Printf("[%s] %s%s\n%s\n\n", t.DateTime.Local().Format(time.DateTime), who, suffix, t.Text)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "chatrelay", "chat.bolt")
}
