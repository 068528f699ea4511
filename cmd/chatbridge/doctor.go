package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"chatbridge/internal/channel"
	"chatbridge/internal/config"
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks against the configured services",
		Long: `Verifies that the configuration loads, the store accepts our
credentials, the dedup backend answers, the Telegram token is valid and
ffmpeg is available. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatbridge doctor v%s\n\n", version)
			var r doctorReport

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatbridge config init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := loadConfig()
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			runChecks(ctx, cfg, &r)

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func runChecks(ctx context.Context, cfg *config.Config, r *doctorReport) {
	if gw, err := openStore(ctx, cfg, nil); err != nil {
		r.fail("Store", err.Error())
	} else {
		gw.Close()
		r.pass("Store", cfg.Store.Backend)
	}

	if _, _, closeCache, err := openDedup(ctx, cfg.Dedup); err != nil {
		r.fail("Dedup", err.Error())
	} else {
		closeCache()
		r.pass("Dedup", cfg.Dedup.Backend)
	}

	if cfg.Telegram.Enabled {
		if _, err := channel.NewTelegram(channel.TelegramConfig{
			Token:       cfg.Telegram.Token,
			APIEndpoint: cfg.Telegram.APIEndpoint,
			Logger:      logger,
		}); err != nil {
			r.fail("Telegram", err.Error())
		} else {
			r.pass("Telegram", "token accepted")
		}
	}

	if !cfg.Aggregator.Enabled && !cfg.Telegram.Enabled {
		r.warn("Adapters", "no platform adapter enabled")
	}

	if cfg.Assistant.FFmpegPath == "" {
		r.warn("ffmpeg", "not configured; formats outside the speech API list get the fallback reply")
	} else if path, err := exec.LookPath(cfg.Assistant.FFmpegPath); err != nil {
		r.warn("ffmpeg", fmt.Sprintf("%s not found; formats outside the speech API list get the fallback reply", cfg.Assistant.FFmpegPath))
	} else {
		r.pass("ffmpeg", path)
	}

	if err := checkPort(cfg.Server.Addr()); err != nil {
		r.warn("HTTP port", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
	} else {
		r.pass("HTTP port", cfg.Server.Addr()+" available")
	}
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
