package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mvolkert/dashbind/config"
	"github.com/mvolkert/dashbind/engine"
	"github.com/mvolkert/dashbind/resolve"
	"github.com/mvolkert/dashbind/service"
)

func main() {
	cfgPath := flag.String("config", "dashboard.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	status := flag.Bool("status", false, "Enable the status web interface")
	statusListen := flag.String("status-listen", ":18080", "Status server listen address")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *configCheck {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts := []engine.Option{engine.WithConfigPath(*cfgPath, registerSIGHUP(ctx))}
	if *status {
		host, port := splitListen(*statusListen)
		opts = append(opts, engine.WithStatusServer(host, port))
	}

	eng, err := engine.New(ctx, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}
	defer eng.Close()

	if err := eng.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("engine stopped with error")
	}
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return service.Validate(cfg, zerolog.Nop())
}

func executeConfigCheck(cfg *config.Config) int {
	if err := service.Validate(cfg, zerolog.Nop()); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	names := make(map[string]struct{}, len(cfg.Parameters))
	fmt.Printf("Parameters (%d):\n", len(cfg.Parameters))
	for _, param := range cfg.Parameters {
		names[param.Name] = struct{}{}
		kind := string(param.Type)
		if param.Expression != "" {
			kind += ", derived"
		}
		fmt.Printf("  - %s (%s)", param.Name, kind)
		if module := describeModule(param.Source); module != "" {
			fmt.Printf(" [%s]", module)
		}
		fmt.Println()
	}

	exitCode := 0
	fmt.Printf("Widgets (%d):\n", len(cfg.Widgets))
	for _, widget := range cfg.Widgets {
		fmt.Printf("  - %s -> %s", widget.ID, widget.Endpoint)
		if widget.Refresh.Duration > 0 {
			fmt.Printf(" every %s", widget.Refresh.Duration)
		}
		if module := describeModule(widget.Source); module != "" {
			fmt.Printf(" [%s]", module)
		}
		fmt.Println()

		refs := resolve.ExtractReferences(map[string]interface{}{
			"options": widget.Options,
			"query":   widget.Query,
		})
		if len(refs) == 0 {
			continue
		}
		fmt.Printf("    references: %s\n", strings.Join(refs, ", "))
		var unknown []string
		for _, ref := range refs {
			root := ref
			if idx := strings.IndexByte(ref, '.'); idx >= 0 {
				root = ref[:idx]
			}
			if _, ok := names[root]; !ok {
				unknown = append(unknown, ref)
			}
		}
		if len(unknown) > 0 {
			exitCode = 1
			fmt.Printf("    unknown parameters: %s\n", strings.Join(unknown, ", "))
		}
	}

	if exitCode == 0 {
		fmt.Println("Configuration check completed successfully.")
	} else {
		fmt.Println("Configuration check completed with errors.")
	}
	return exitCode
}

// registerSIGHUP wires SIGHUP to a configuration reload.
func registerSIGHUP(ctx context.Context) func(engine.ReloadFunc) {
	return func(reload engine.ReloadFunc) {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGHUP)
		go func() {
			for {
				select {
				case <-ctx.Done():
					signal.Stop(sig)
					return
				case <-sig:
					if err := reload(ctx); err != nil {
						log.Error().Err(err).Msg("configuration reload failed")
					}
				}
			}
		}()
	}
}

func splitListen(listen string) (string, int) {
	host := listen
	port := 0
	if idx := strings.LastIndexByte(listen, ':'); idx >= 0 {
		host = listen[:idx]
		fmt.Sscanf(listen[idx+1:], "%d", &port)
	}
	return host, port
}

func describeModule(ref config.ModuleReference) string {
	name := strings.TrimSpace(ref.Name)
	file := strings.TrimSpace(ref.File)

	switch {
	case name != "" && file != "":
		return fmt.Sprintf("%s (%s)", name, file)
	case name != "":
		return name
	default:
		return file
	}
}
