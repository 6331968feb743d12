package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/oarkflow/squealx"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/raillogistic/guard"
	"github.com/raillogistic/guard/logger"
	"github.com/raillogistic/guard/stores"
)

// cliEnv holds the settings only this tool reads.
type cliEnv struct {
	DBPath    string `envconfig:"DB" default:":memory:"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"` // text or json
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	switch cmd {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "roles":
		handleRoles()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("guard-config - Configuration tool for guard")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  guard-config convert <input> <output>                     - Convert between YAML and JSON")
	fmt.Println("  guard-config validate <file>                              - Validate configuration")
	fmt.Println("  guard-config stats <file>                                 - Show configuration statistics")
	fmt.Println("  guard-config roles <file>                                 - Show roles with effective permissions")
	fmt.Println("  guard-config check <file> <user> <permission> [entity [object]] - Explain a permission decision")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json")
	fmt.Println("Environment: GUARD_* settings, GUARD_DB (sqlite path for memberships), GUARD_REDIS_ADDR, GUARD_LOG_FORMAT")
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(1)
}

func mustLoad(idx int, usage string) *guard.Config {
	if len(os.Args) <= idx {
		fail("Usage: %s", usage)
	}
	cfg, err := guard.LoadConfigFile(os.Args[idx])
	if err != nil {
		fail("Error loading config: %v", err)
	}
	return cfg
}

func handleConvert() {
	if len(os.Args) < 4 {
		fail("Usage: guard-config convert <input> <output>")
	}
	cfg := mustLoad(2, "guard-config convert <input> <output>")
	out := os.Args[3]

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(out)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	default:
		fail("unsupported file format: %s", filepath.Ext(out))
	}
	if err != nil {
		fail("Error encoding config: %v", err)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		fail("Error saving config: %v", err)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], out)
}

func handleValidate() {
	cfg := mustLoad(2, "guard-config validate <file>")
	if errs := cfg.Validate(); len(errs) > 0 {
		fmt.Printf("Configuration has %d invalid entries:\n", len(errs))
		for _, err := range errs {
			fmt.Printf("  - %v\n", err)
		}
		os.Exit(1)
	}
	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Policies: %d\n", len(cfg.Policies))
	fmt.Printf("  Field rules: %d\n", len(cfg.FieldRules))
	fmt.Printf("  Classifications: %d\n", len(cfg.Classifications))
	fmt.Printf("  Memberships: %d\n", len(cfg.Memberships))
}

func handleStats() {
	cfg := mustLoad(2, "guard-config stats <file>")
	stat, _ := os.Stat(os.Args[2])

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Roles:           %d\n", len(cfg.Roles))
	fmt.Printf("  Policies:        %d\n", len(cfg.Policies))
	fmt.Printf("  Field rules:     %d\n", len(cfg.FieldRules))
	fmt.Printf("  Classifications: %d\n", len(cfg.Classifications))
	fmt.Printf("  Memberships:     %d\n", len(cfg.Memberships))
	fmt.Println()

	if len(cfg.Policies) > 0 {
		allow, deny, conditional := 0, 0, 0
		for _, p := range cfg.Policies {
			if p.Effect == string(guard.EffectAllow) {
				allow++
			} else {
				deny++
			}
			if p.Condition != "" {
				conditional++
			}
		}
		fmt.Println("Policy Details:")
		fmt.Printf("  Allow policies:       %d\n", allow)
		fmt.Printf("  Deny policies:        %d\n", deny)
		fmt.Printf("  With conditions:      %d\n", conditional)
		fmt.Println()
	}

	if len(cfg.Roles) > 0 {
		total := 0
		for _, r := range cfg.Roles {
			total += len(r.Permissions)
		}
		fmt.Println("Role Details:")
		fmt.Printf("  Total permissions: %d\n", total)
		fmt.Printf("  Avg per role:      %.1f\n", float64(total)/float64(len(cfg.Roles)))
		fmt.Println()
	}

	if len(cfg.FieldRules) > 0 {
		byVis := map[string]int{}
		for _, r := range cfg.FieldRules {
			byVis[r.Visibility]++
		}
		keys := make([]string, 0, len(byVis))
		for k := range byVis {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println("Field Rules by Visibility:")
		for _, k := range keys {
			fmt.Printf("  %-9s %d\n", k+":", byVis[k])
		}
	}
}

func handleRoles() {
	cfg := mustLoad(2, "guard-config roles <file>")
	eng, closeFn := newEngine(context.Background(), cfg)
	defer closeFn()

	for _, def := range eng.Roles().Roles() {
		kind := string(def.Type)
		if def.IsSystem {
			kind += ", built-in"
		}
		fmt.Printf("%s (%s)\n", def.Name, kind)
		if parents := eng.Roles().Parents(def.Name); len(parents) > 0 {
			fmt.Printf("  parents:   %s\n", strings.Join(parents, ", "))
		}
		if def.MaxUsers > 0 {
			fmt.Printf("  max users: %d\n", def.MaxUsers)
		}
		fmt.Printf("  effective: %s\n", strings.Join(eng.Roles().Permissions(def.Name).Sorted(), ", "))
	}
}

func handleCheck() {
	usage := "guard-config check <file> <user> <permission> [entity [object]]"
	if len(os.Args) < 5 {
		fail("Usage: %s", usage)
	}
	cfg := mustLoad(2, usage)
	ctx := context.Background()
	eng, closeFn := newEngine(ctx, cfg)
	defer closeFn()

	u := &guard.User{ID: os.Args[3], Authenticated: true}
	var pc *guard.PermissionContext
	if len(os.Args) > 5 {
		pc = &guard.PermissionContext{User: u, Entity: guard.Entity(os.Args[5])}
		if len(os.Args) > 6 {
			pc.ObjectID = os.Args[6]
		}
	}
	exp, err := eng.ExplainPermission(ctx, u, guard.ParsePermission(os.Args[4]), pc)
	if err != nil {
		fail("Error evaluating permission: %v", err)
	}
	verdict := "DENIED"
	if exp.Decision.Allowed {
		verdict = "ALLOWED"
	}
	fmt.Printf("%s: %s\n", verdict, exp.Decision.Reason)
	fmt.Printf("  roles:    %s\n", strings.Join(exp.Roles, ", "))
	if len(exp.PolicyMatches) > 0 {
		fmt.Printf("  policies: %s\n", strings.Join(exp.PolicyMatches, ", "))
	}
	for _, line := range exp.Trace {
		fmt.Printf("  - %s\n", line)
	}
}

// newEngine builds an engine from the environment: memberships in sqlite,
// decisions cached in Redis when GUARD_REDIS_ADDR is set.
func newEngine(ctx context.Context, cfg *guard.Config) (*guard.Engine, func()) {
	settings, err := guard.LoadSettings()
	if err != nil {
		fail("Error loading settings: %v", err)
	}
	var env cliEnv
	if err := envconfig.Process("GUARD", &env); err != nil {
		fail("Error loading environment: %v", err)
	}

	sqlDB, err := sql.Open("sqlite", env.DBPath)
	if err != nil {
		fail("Error opening database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := squealx.NewDb(sqlDB, "sqlite", "guard")
	if err := stores.Migrate(ctx, db); err != nil {
		fail("Error migrating database: %v", err)
	}

	var log logger.Logger = logger.NewPhusluLogger()
	if env.LogFormat == "json" {
		log = logger.NewSLogLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	opts := []guard.EngineOption{guard.WithSettings(settings), guard.WithLogger(log)}
	var client *redis.Client
	if settings.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{Addr: settings.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			fail("Error connecting to redis at %s: %v", settings.RedisAddr, err)
		}
		opts = append(opts, guard.WithCacheBackend(stores.NewRedisCacheBackend(client)))
	}

	eng, err := guard.NewEngine(stores.NewSQLGroupStore(db), opts...)
	if err != nil {
		fail("Error creating engine: %v", err)
	}
	rep, err := eng.ApplyConfig(ctx, cfg)
	if err != nil {
		fail("Error applying config: %v", err)
	}
	for _, s := range rep.Skipped {
		fmt.Printf("skipped: %s\n", s)
	}
	return eng, func() {
		_ = eng.Close()
		if client != nil {
			_ = client.Close()
		}
		_ = sqlDB.Close()
	}
}
