// Package main is the entrypoint for islandgate.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/morezero/islandgate/internal/config"
	"github.com/morezero/islandgate/internal/server"
	"github.com/morezero/islandgate/pkg/client"
	"github.com/morezero/islandgate/pkg/commsutil"
	"github.com/morezero/islandgate/pkg/db"
	"github.com/morezero/islandgate/pkg/protocol"
)

const usage = `Usage: islandgate [command]
       islandgate serve                     Start a node (authoritative when AUTHORITATIVE=true).
       islandgate call <op> <actor> [json]  Submit one operation and print its result.
       islandgate migrate up                Create the idempotency tables in DATABASE_URL.

Commands:
  serve       (default) Start a node: COMMS subscriber, owner loop, HTTP health on HTTP_PORT.
  call        Send one signed request, e.g. islandgate call invite.create P1 '{"target":"P2"}'.
  migrate up  Run database migrations only.

Environment: COMMS_URL, CHANNEL_PREFIX, SIGNING_SECRET (required), AUTHORITATIVE,
IDEMPOTENCY_BACKEND (memory, postgres, redis), DATABASE_URL, REDIS_URL. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 || args[1] != "up" {
			log.Fatalf("islandgate migrate: require subcommand up")
		}
		if err := runMigrateUp(); err != nil {
			log.Fatalf("islandgate migrate up: %v", err)
		}
		return
	case "call":
		ok, err := runCall(args[1:])
		if err != nil {
			log.Fatalf("islandgate call: %v", err)
		}
		if !ok {
			os.Exit(2)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("islandgate: %v", err)
	}
}

func runMigrateUp() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	return db.Migrate(ctx, pool)
}

// callArgs is a parsed "call" command line.
type callArgs struct {
	op      protocol.Operation
	actor   string
	payload client.Payload
}

func parseCallArgs(args []string) (*callArgs, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, fmt.Errorf("usage: islandgate call <op> <actor> [json]")
	}
	op, ok := protocol.ParseOperation(args[0])
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", args[0])
	}
	c := &callArgs{op: op, actor: args[1], payload: client.Payload{}}
	if len(args) == 3 && args[2] != "" {
		if err := json.Unmarshal([]byte(args[2]), &c.payload); err != nil {
			return nil, fmt.Errorf("payload must be a JSON object: %w", err)
		}
	}
	return c, nil
}

// runCall submits one request and prints the Result. It reports whether the
// operation succeeded.
func runCall(args []string) (bool, error) {
	parsed, err := parseCallArgs(args)
	if err != nil {
		return false, err
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return false, fmt.Errorf("load config: %w", err)
	}
	if cfg.SigningSecret == "" {
		return false, fmt.Errorf("SIGNING_SECRET is required")
	}
	server.SetupLogging("warn")

	nodeID := server.NodeID(cfg)
	nc, err := commsutil.Connect(cfg.COMMSURL, nodeID)
	if err != nil {
		return false, err
	}
	defer nc.Close()

	c, err := client.New(nc, server.NewCodec(cfg), client.Options{
		Prefix:  cfg.ChannelPrefix,
		Origin:  nodeID,
		Timeout: cfg.RequestTimeout,
	})
	if err != nil {
		return false, err
	}
	defer c.Close()

	res, err := c.Execute(context.Background(), parsed.op, parsed.actor, func(p client.Payload) {
		for k, v := range parsed.payload {
			p[k] = v
		}
	})
	if err != nil {
		return false, err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return false, err
	}
	fmt.Println(string(out))
	return res.Ok, nil
}
