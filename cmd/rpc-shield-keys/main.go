// Command rpc-shield-keys is the credential admin CLI: it provisions,
// lists, and toggles API keys in the DynamoDB-backed credential store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cppnexus/rpc-shield/internal/config"
	"github.com/cppnexus/rpc-shield/internal/credentials"
)

const version = "1.0.0"

func main() {
	var (
		tableName  = flag.String("table", "rpc-shield-credentials", "DynamoDB table name")
		region     = flag.String("region", "us-east-1", "AWS region")
		tier       = flag.String("tier", "free", "Tier for a new key (free, pro, enterprise)")
		limitsStr  = flag.String("limits", "", "Comma-separated method=requests/period overrides, e.g. eth_call=10/1m")
		listKeys   = flag.Bool("list", false, "List all known API keys")
		createKey  = flag.Bool("create", false, "Create a new API key")
		deleteKey  = flag.String("delete", "", "Delete an API key")
		disableKey = flag.String("disable", "", "Disable an API key")
		enableKey  = flag.String("enable", "", "Enable an API key")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "rpc-shield-keys v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  Create a key:  -create -tier=pro -limits=eth_call=10/1m,eth_sendRawTransaction=1/1s\n")
		fmt.Fprintf(os.Stderr, "  List keys:     -list\n")
		fmt.Fprintf(os.Stderr, "  Delete a key:  -delete=rs:xxx\n")
		fmt.Fprintf(os.Stderr, "  Disable a key: -disable=rs:xxx\n")
		fmt.Fprintf(os.Stderr, "  Enable a key:  -enable=rs:xxx\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	store, err := credentials.NewDynamoDBStore(context.Background(), credentials.DynamoDBStoreConfig{
		TableName: *tableName,
		Region:    *region,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to connect to credential store", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	switch {
	case *createKey:
		handleCreate(ctx, store, *tier, *limitsStr, logger)
	case *listKeys:
		handleList(ctx, store, logger)
	case *deleteKey != "":
		handleDelete(ctx, store, *deleteKey, logger)
	case *disableKey != "":
		handleToggle(ctx, store, *disableKey, false, logger)
	case *enableKey != "":
		handleToggle(ctx, store, *enableKey, true, logger)
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func handleCreate(ctx context.Context, store *credentials.DynamoDBStore, tierStr, limitsStr string, logger *slog.Logger) {
	tier := config.SubscriptionTier(tierStr)
	switch tier {
	case config.TierFree, config.TierPro, config.TierEnterprise:
	default:
		logger.Error("invalid tier", "tier", tierStr, "valid", []string{"free", "pro", "enterprise"})
		os.Exit(1)
	}

	limits, err := parseLimits(limitsStr)
	if err != nil {
		logger.Error("failed to parse -limits", "error", err)
		os.Exit(1)
	}

	rawKey, err := store.CreateKey(ctx, tier, limits)
	if err != nil {
		logger.Error("failed to create API key", "error", err)
		os.Exit(1)
	}

	fmt.Printf("\n✅ API key created\n\n")
	fmt.Printf("Key:   %s\n", rawKey)
	fmt.Printf("Tier:  %s\n", tier)
	if len(limits) > 0 {
		fmt.Printf("Limits:\n")
		for method, rule := range limits {
			fmt.Printf("  %s: %d/%s\n", method, rule.Requests, rule.Period)
		}
	}
	fmt.Printf("\nUse it with: Authorization: Bearer %s\n", rawKey)
}

func handleList(ctx context.Context, store *credentials.DynamoDBStore, logger *slog.Logger) {
	keys, err := store.ListKeys(ctx)
	if err != nil {
		logger.Error("failed to list API keys", "error", err)
		os.Exit(1)
	}

	if len(keys) == 0 {
		fmt.Println("No API keys found")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY")
	fmt.Fprintln(w, "---")
	for _, k := range keys {
		fmt.Fprintln(w, k)
	}
	w.Flush()
}

func handleDelete(ctx context.Context, store *credentials.DynamoDBStore, rawKey string, logger *slog.Logger) {
	if err := store.DeleteKey(ctx, rawKey); err != nil {
		logger.Error("failed to delete API key", "error", err)
		os.Exit(1)
	}
	fmt.Printf("✅ deleted %s\n", rawKey)
}

func handleToggle(ctx context.Context, store *credentials.DynamoDBStore, rawKey string, enabled bool, logger *slog.Logger) {
	if err := store.SetEnabled(ctx, rawKey, enabled); err != nil {
		logger.Error("failed to update API key", "error", err)
		os.Exit(1)
	}
	if enabled {
		fmt.Printf("✅ enabled %s\n", rawKey)
	} else {
		fmt.Printf("✅ disabled %s\n", rawKey)
	}
}

// parseLimits parses "method=requests/period,method2=requests/period"
// into the per-method limit overrides CreateKey expects.
func parseLimits(s string) (map[string]config.LimitRule, error) {
	out := map[string]config.LimitRule{}
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed limit %q, want method=requests/period", pair)
		}
		method := parts[0]
		reqPeriod := strings.SplitN(parts[1], "/", 2)
		if len(reqPeriod) != 2 {
			return nil, fmt.Errorf("malformed limit %q, want requests/period", parts[1])
		}
		requests, err := strconv.ParseUint(reqPeriod[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed request count %q: %w", reqPeriod[0], err)
		}
		out[method] = config.LimitRule{Requests: uint32(requests), Period: reqPeriod[1]}
	}
	return out, nil
}
