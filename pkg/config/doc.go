// Package config loads the decision engine's service configuration.
//
// Settings come from three layers, later ones winning: built-in defaults, a
// YAML file, and DECIDER_* environment variables. The merged result is
// checked with struct validation tags before use:
//
//	cfg, err := config.Load("/etc/decider/decider.yaml")
//	if err != nil {
//	    return err
//	}
//	store, err := stores.NewSQLiteStore(cfg.Database.StoreConfig())
//
// A minimal file:
//
//	database:
//	  path: /var/lib/decider/decider.db
//	decision_engine:
//	  max_workers: 4
//	  admission_timeout: 1m
//	catalog:
//	  path: /etc/decider/catalog.yaml
//	  watch: true
//	control:
//	  socket: /run/decider/control.sock
//
// Environment overrides use the section prefix, e.g.
// DECIDER_ENGINE_MAX_WORKERS=4 or DECIDER_LOG_LEVEL=debug.
package config
