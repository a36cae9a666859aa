package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/sripadam-prasannakumar/swapchat/internal/config"
	"github.com/sripadam-prasannakumar/swapchat/internal/daemon"
	"github.com/sripadam-prasannakumar/swapchat/internal/session"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "", "user ID (overrides config)")
	flag.Parse()

	cfg, err := config.Load(session.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
		if saveErr := config.Save(session.ConfigPath(), cfg); saveErr != nil {
			fmt.Fprintf(os.Stderr, "error: write default config: %v\n", saveErr)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "wrote default config to %s\n", session.ConfigPath())
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *userFlag != "" {
		cfg.UserID = *userFlag
	}
	if cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "error: no user ID configured; set user_id in the config or pass -user")
		os.Exit(1)
	}

	profile := session.Resolve(*profileFlag, cfg.DefaultProfile)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Profile: profile, Config: cfg}),
	)

	app.Run()
}
