// Package config provides centralized configuration management for the
// coordination hub through environment variables, an optional YAML file
// overlay, and CLI flags, in that order of increasing precedence.
//
// # Overview
//
// The config package loads the Enumerated options of SPEC_FULL.md §6:
// listen address, dispatch concurrency, default timeout and retry policy,
// heartbeat tuning, agent outbound queue sizing, reassignment grace period,
// and event log sinks, plus the observability settings (service name,
// Jaeger endpoint, log level).
//
// # Quick Start
//
//	cfg := config.Load()
//	if *configFile != "" {
//		if err := cfg.LoadFile(*configFile); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// # Precedence
//
//  1. Environment variables (if set)
//  2. YAML file overlay (if --config is passed)
//  3. CLI flags (cmd/hub binds these directly onto the loaded AppConfig)
//
// AppConfig is a read-only snapshot once handed to the hub's components;
// do not mutate it after Start.
package config
