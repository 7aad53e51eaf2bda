/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Command rangeserverd is a range server process: it loads a config file,
// assembles a serverctx.ServerContext (DFS client, metalog, live range map,
// update pipeline, maintenance scheduler, scanner registry), serves the
// stats dashboard over a websocket, and blocks until it is asked to exit.
// Ranges a prior run left in the metalog are not reattached: only their
// ids seed the id counters. Modeled on the teacher's
// main.go (flag-free, a couple of fmt.Print lines, then hand off to the
// runtime) but with an actual network listener to hand off to instead of a
// REPL.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"

	"github.com/launix-de/tabletserver/internal/serverctx"
)

func main() {
	fmt.Print(`rangeserverd Copyright (C) 2024-2026   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;
`)

	configPath := flag.String("config", "", "path to a TOML config file (defaults applied for anything unset)")
	logLevel := flag.String("log-level", "info", "debug, info, warn, or error")
	flag.Parse()

	log := serverctx.NewLogger(nil, parseLevel(*logLevel))

	cfg := serverctx.DefaultConfig()
	if *configPath != "" {
		loaded, err := serverctx.LoadConfig(*configPath)
		if err != nil {
			log.Errorf("loading config: %v", err)
			return
		}
		cfg = loaded
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc, err := serverctx.New(ctx, cfg, log)
	if err != nil {
		log.Errorf("assembling server context: %v", err)
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/dashboard", sc.Dashboard.HandleFunc())
	dashServer := &http.Server{Addr: cfg.DashboardAddr, Handler: mux}
	sc.AddTeardown(func() error { return dashServer.Close() })

	go func() {
		log.Infof("dashboard listening on %s", cfg.DashboardAddr)
		if err := dashServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("dashboard server: %v", err)
		}
	}()

	sc.Start(ctx)
	log.Infof("range server %q up, location lock held, pipeline and maintenance running", cfg.Location)

	// onexit.Register inside serverctx.New installed sc.Shutdown as a
	// process-exit hook (the same register-and-forget idiom the teacher's
	// storage/settings.go uses for its own onexit.Register call); blocking
	// here hands control to that signal handling rather than rolling our
	// own signal.Notify loop.
	select {}
}

func parseLevel(s string) serverctx.Level {
	switch s {
	case "debug":
		return serverctx.LevelDebug
	case "warn":
		return serverctx.LevelWarn
	case "error":
		return serverctx.LevelError
	default:
		return serverctx.LevelInfo
	}
}
