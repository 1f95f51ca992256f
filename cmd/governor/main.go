package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/churnguard/tenant-governor/internal/app"
	"github.com/churnguard/tenant-governor/internal/config"
	"github.com/churnguard/tenant-governor/internal/http/api/admin/permissions"
	"github.com/churnguard/tenant-governor/internal/security"

	log "github.com/sirupsen/logrus"
)

// main runs the CLI entrypoint and exits on unrecoverable command errors.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if errRun := run(ctx, os.Args[1:], os.Stdout); errRun != nil {
		log.WithError(errRun).Error("command failed")
		os.Exit(1)
	}
}

// run dispatches to a subcommand; serve is the default.
func run(ctx context.Context, args []string, out io.Writer) error {
	cmd := "serve"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		return runServe(ctx, args)
	case "migrate":
		return runMigrate(ctx, args)
	case "init":
		return runInit(args, out)
	case "token":
		return runToken(args, out)
	default:
		return fmt.Errorf("unknown command %q (want serve, migrate, init or token)", cmd)
	}
}

// stringList collects a repeatable flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func appConfig(cfgPath string) (config.AppConfig, error) {
	appCfg, err := config.LoadFromEnv()
	if err != nil {
		return config.AppConfig{}, err
	}
	if strings.TrimSpace(cfgPath) != "" {
		appCfg.ConfigPath = config.ResolveConfigPath(cfgPath)
	}
	return appCfg, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}
	appCfg, err := appConfig(*cfgPath)
	if err != nil {
		return err
	}
	return app.RunServer(ctx, appCfg)
}

func runMigrate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}
	appCfg, err := appConfig(*cfgPath)
	if err != nil {
		return err
	}
	return app.Migrate(ctx, appCfg)
}

func runInit(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path to create (or env CONFIG_PATH)")
	var req app.InitRequest
	fs.StringVar(&req.DatabaseType, "db-type", "sqlite", "database type: sqlite or postgres")
	fs.StringVar(&req.DatabasePath, "db-path", "", "sqlite database file")
	fs.StringVar(&req.DatabaseHost, "db-host", "", "postgres host")
	fs.IntVar(&req.DatabasePort, "db-port", 5432, "postgres port")
	fs.StringVar(&req.DatabaseUser, "db-user", "", "postgres user")
	fs.StringVar(&req.DatabaseName, "db-name", "", "postgres database")
	fs.StringVar(&req.DatabaseSSLMode, "db-sslmode", "", "postgres sslmode")
	fs.StringVar(&req.RedisAddr, "redis", "", "redis address")
	fs.StringVar(&req.FailPolicy, "fail-policy", "", "open or closed")
	fs.IntVar(&req.ServerPort, "port", 0, "server port")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}
	req.DatabasePassword = os.Getenv("DB_PASSWORD")

	appCfg, err := appConfig(*cfgPath)
	if err != nil {
		return err
	}
	configPath := config.ResolveConfigPath(appCfg.ConfigPath)
	if errValidate := app.ValidateInitRequest(&req); errValidate != nil {
		return errValidate
	}
	dsn, errDSN := app.BuildDSN(req)
	if errDSN != nil {
		return errDSN
	}
	if errTest := app.TestDatabaseConnection(dsn); errTest != nil {
		return errTest
	}
	if errWrite := app.WriteConfigFile(configPath, req); errWrite != nil {
		return errWrite
	}
	_, _ = fmt.Fprintf(out, "wrote %s\n", configPath)
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "config file path (or env CONFIG_PATH)")
	subject := fs.String("subject", "", "token subject (operator name)")
	super := fs.Bool("super", false, "grant every admin permission")
	expiry := fs.Duration("expiry", 0, "token lifetime (defaults to jwt.expiry)")
	var modules, perms stringList
	fs.Var(&modules, "module", "permission module to grant (repeatable)")
	fs.Var(&perms, "permission", "single permission key, e.g. \"GET /v0/admin/circuits\" (repeatable)")
	if errParse := fs.Parse(args); errParse != nil {
		return errParse
	}
	if strings.TrimSpace(*subject) == "" {
		return errors.New("token: --subject is required")
	}

	appCfg, err := appConfig(*cfgPath)
	if err != nil {
		return err
	}
	jwtCfg, err := config.LoadJWTConfig(config.ResolveConfigPath(appCfg.ConfigPath))
	if err != nil {
		return err
	}

	granted, errModules := permissions.ParseModules(modules)
	if errModules != nil {
		return errModules
	}
	granted = permissions.NormalizePermissions(append(granted, perms...))
	if errValidate := permissions.ValidatePermissions(granted); errValidate != nil {
		return errValidate
	}
	if len(granted) == 0 && !*super {
		return errors.New("token: grant at least one --module or --permission, or pass --super")
	}

	ttl := jwtCfg.Expiry
	if *expiry > 0 {
		ttl = *expiry
	}
	token, errToken := security.GenerateAdminToken(jwtCfg.Secret, *subject, granted, *super, ttl, time.Now())
	if errToken != nil {
		return errToken
	}
	_, _ = fmt.Fprintln(out, token)
	return nil
}
