package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"

	"github.com/clusterlens/decider/pkg/audittemplate"
	"github.com/clusterlens/decider/pkg/catalog"
	"github.com/clusterlens/decider/pkg/collectors"
	"github.com/clusterlens/decider/pkg/config"
	"github.com/clusterlens/decider/pkg/lifecycle"
	"github.com/clusterlens/decider/pkg/messaging"
	"github.com/clusterlens/decider/pkg/scope"
	"github.com/clusterlens/decider/pkg/stores"
)

// workspace holds what the database commands share with the daemon: the
// store, the synced catalog and the collectors that define scope schemas.
type workspace struct {
	cfg        *config.Config
	store      *stores.SQLiteStore
	catalog    *catalog.Catalog
	collectors *collectors.Registry
	logger     zerolog.Logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if socketPath != "" {
		cfg.Control.Socket = socketPath
	}
	return cfg, nil
}

func openWorkspace(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*workspace, error) {
	store, err := stores.NewSQLiteStore(cfg.Database.StoreConfig())
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	snap, err := loadCatalog(cfg.Catalog.Path)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	snap, err = catalog.Sync(ctx, store, snap)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	cs, err := newCollectors(cfg.Inventory)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &workspace{
		cfg:        cfg,
		store:      store,
		catalog:    catalog.New(snap),
		collectors: cs,
		logger:     logger,
	}, nil
}

// withWorkspace loads the configuration, opens the workspace for fn and
// closes it afterwards.
func withWorkspace(ctx context.Context, fn func(ctx context.Context, ws *workspace) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ws, err := openWorkspace(ctx, cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func (w *workspace) Close() error {
	return w.store.Close()
}

func (w *workspace) templates() *audittemplate.Service {
	return audittemplate.NewService(w.store, w.catalog, scope.NewValidator(),
		audittemplate.ProviderList(w.collectors.All), w.logger)
}

func (w *workspace) lifecycle() *lifecycle.Manager {
	return lifecycle.NewManager(w.store, w.logger)
}

func loadCatalog(path string) (*catalog.Snapshot, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.Load(path)
}

func newCollectors(inv config.InventoryConfig) (*collectors.Registry, error) {
	var source collectors.InventorySource = collectors.StaticInventory{}
	if inv.Path != "" {
		source = collectors.FileInventory{Path: inv.Path}
	}
	return collectors.NewRegistry(collectors.NewCompute(source))
}

// controlClient dials the daemon as the current OS user.
func controlClient() (*messaging.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	subject := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		subject = u.Username
	}
	return messaging.NewClient(cfg.Control.Socket, subject), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatID(id *int64) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%d", *id)
}
