package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"interceptor/internal/config"
	"interceptor/internal/history"
	"interceptor/internal/logger"
	"interceptor/internal/storage"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "history" {
		if err := runHistory(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	log := logger.NewLogger(&logger.Config{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
		Silent:  cfg.Silent,
	})

	app, err := NewApp(cfg, log)
	if err != nil {
		log.Error("startup failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.Run(ctx); err != nil {
		log.Error("interceptor stopped", "error", err.Error())
		os.Exit(1)
	}
}

// parseFlags loads the optional config file and applies the flags that were
// set explicitly on top of it.
func parseFlags(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("interceptor", flag.ContinueOnError)
	var (
		configPath     = fs.String("config", "", "YAML config file")
		proxyType      = fs.String("type", config.TypeHTTP, "proxy type: http or https")
		port           = fs.Int("port", 8001, "listen port")
		hostname       = fs.String("hostname", "localhost", "hostname used for the https proxy certificate")
		certDir        = fs.String("cert-dir", "", "directory holding rootCA.crt and rootCA.key")
		generateRootCA = fs.Bool("generate-root-ca", true, "create the root CA when it does not exist")
		autoTrust      = fs.Bool("auto-trust", false, "install the root CA into the system trust store")
		interceptHTTPS = fs.Bool("intercept-https", false, "decrypt HTTPS tunnels")
		throttleKbps   = fs.Int("throttle", 0, "bandwidth cap in kb/s shared by all connections, 0 disables it")
		dbFile         = fs.String("db", "", "SQLite file that records every exchange")
		rulesFile      = fs.String("rules", "", "YAML rule file")
		silent         = fs.Bool("silent", false, "disable logging")
		logLevel       = fs.String("log-level", "info", "debug, info, warn or error")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.NewConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "type":
			cfg.Type = *proxyType
		case "port":
			cfg.Port = *port
		case "hostname":
			cfg.Hostname = *hostname
		case "cert-dir":
			cfg.CertDir = *certDir
		case "generate-root-ca":
			cfg.GenerateRootCA = *generateRootCA
		case "auto-trust":
			cfg.AutoTrust = *autoTrust
		case "intercept-https":
			cfg.InterceptHTTPS = *interceptHTTPS
		case "throttle":
			cfg.Throttle = *throttleKbps
		case "db":
			cfg.DBFile = *dbFile
		case "rules":
			cfg.Rules = *rulesFile
		case "silent":
			cfg.Silent = *silent
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runHistory prints recorded exchanges from a database file.
func runHistory(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	dbFile := fs.String("db", "", "SQLite file written by the proxy")
	limit := fs.Int("limit", 20, "exchanges per page")
	page := fs.Int("page", 1, "page number")
	search := fs.String("search", "", "filter by method, status, domain or URL text")
	domains := fs.Bool("domains", false, "list recorded domains")
	siteMap := fs.String("sitemap", "", "print the recorded paths of a domain")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbFile == "" {
		return fmt.Errorf("history: -db is required")
	}

	store, err := storage.Open(*dbFile, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := history.NewClient(store.DB())

	switch {
	case *domains:
		list, err := client.Domains(ctx)
		if err != nil {
			return err
		}
		for _, d := range list {
			fmt.Fprintln(out, d)
		}
		return nil
	case *siteMap != "":
		root, err := client.SiteMap(ctx, *siteMap)
		if err != nil {
			return err
		}
		root.Print(out)
		return nil
	}

	exchanges, pagination, err := client.List(ctx, history.Query{
		Page:   *page,
		Limit:  *limit,
		Search: *search,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tMETHOD\tSTATUS\tBYTES\tMS\tURL")
	for _, ex := range exchanges {
		url := ex.URL
		if ex.Local {
			url += " (local)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			ex.Timestamp.Local().Format(time.DateTime), ex.Method, ex.Status, ex.Length, ex.Duration.Milliseconds(), url)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "page %d of %d, %d exchanges\n", pagination.Page, pagination.TotalPages, pagination.Total)
	return nil
}
