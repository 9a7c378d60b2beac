package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/fortiblox/x1-invoke/pkg/accounts"
	"github.com/fortiblox/x1-invoke/pkg/svm"
	"github.com/fortiblox/x1-invoke/pkg/svm/invoke"
	"github.com/fortiblox/x1-invoke/pkg/svm/syscall"
	"github.com/fortiblox/x1-invoke/pkg/tracestore"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://pkg.go.dev/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// budgetConfig derives the transaction compute budget.
type budgetConfig struct {
	Base        uint64
	PriorityFee uint64
	Contention  uint64

	// HeapSize requests a heap frame size. Zero keeps [Invoke] HeapSize.
	HeapSize uint32
}

// limits returns the validated budget limits. heapSize is used when the
// budget does not request one.
func (b budgetConfig) limits(heapSize uint32) (*svm.ComputeBudgetLimits, error) {
	if b.HeapSize != 0 {
		heapSize = b.HeapSize
	}
	return svm.NewComputeBudgetLimits(b.Base, b.PriorityFee, b.Contention, heapSize)
}

type syscallsConfig struct {
	// Disabled names builtin syscalls left out of the registry.
	Disabled []string

	// CacheSize bounds the per-program syscall table cache.
	CacheSize int
}

type accountsConfig struct {
	// Path of the badger directory. Empty keeps accounts in memory.
	Path       string
	SyncWrites bool
}

type archiveConfig struct {
	// Path of the trace archive. Empty disables archiving.
	Path   string
	Retain uint64
}

type x1Config struct {
	Invoke   invoke.Config
	Budget   budgetConfig
	Syscalls syscallsConfig
	Accounts accountsConfig
	Archive  archiveConfig
}

func defaultConfig() x1Config {
	return x1Config{
		Invoke:   invoke.DefaultConfig(),
		Budget:   budgetConfig{Base: svm.CUDefault},
		Syscalls: syscallsConfig{CacheSize: syscall.DefaultTableCacheSize},
		Archive:  archiveConfig{Retain: tracestore.DefaultRetainTraces},
	}
}

func loadConfig(file string, cfg *x1Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	var lerr *toml.LineError
	if errors.As(err, &lerr) {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig loads the config file, if any, and applies flag overrides.
func makeConfig(ctx *cli.Context) (x1Config, error) {
	cfg := defaultConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(budgetFlag.Name) {
		cfg.Budget.Base = ctx.Uint64(budgetFlag.Name)
	}
	if ctx.IsSet(priorityFeeFlag.Name) {
		cfg.Budget.PriorityFee = ctx.Uint64(priorityFeeFlag.Name)
	}
	if ctx.IsSet(maxDepthFlag.Name) {
		cfg.Invoke.MaxDepth = uint32(ctx.Uint(maxDepthFlag.Name))
	}
	if ctx.IsSet(accountsDBFlag.Name) {
		cfg.Accounts.Path = ctx.String(accountsDBFlag.Name)
	}
	if ctx.IsSet(archiveFlag.Name) {
		cfg.Archive.Path = ctx.String(archiveFlag.Name)
	}
	limits, err := cfg.Budget.limits(cfg.Invoke.HeapSize)
	if err != nil {
		return cfg, err
	}
	cfg.Invoke.HeapSize = limits.HeapSize
	if err := cfg.Invoke.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// makeRegistry builds the builtin registry minus the disabled syscalls.
func makeRegistry(cfg syscallsConfig) (*syscall.Registry, error) {
	disabled := mapset.NewThreadUnsafeSet(cfg.Disabled...)
	r := syscall.NewRegistry()
	for _, def := range syscall.Builtins() {
		if disabled.Contains(def.Name) {
			disabled.Remove(def.Name)
			continue
		}
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	if disabled.Cardinality() > 0 {
		return nil, fmt.Errorf("%w: cannot disable %v", syscall.ErrUnknownSyscall, disabled.ToSlice())
	}
	return r, nil
}

func openAccounts(cfg accountsConfig) (accounts.DB, error) {
	if cfg.Path == "" {
		return accounts.NewMemoryDB(), nil
	}
	bcfg := accounts.DefaultBadgerDBConfig(cfg.Path)
	bcfg.SyncWrites = cfg.SyncWrites
	bcfg.Logger = logger.New("db", "accounts")
	return accounts.NewBadgerDB(bcfg)
}

// closeAccounts compacts a badger value log before closing it.
func closeAccounts(db accounts.DB) {
	if bdb, ok := db.(*accounts.BadgerDB); ok {
		if err := bdb.RunGC(); err != nil {
			logger.Warn("Accounts value log GC failed", "err", err)
		}
	}
	if err := db.Close(); err != nil {
		logger.Warn("Failed to close accounts DB", "err", err)
	}
}

func openArchive(cfg archiveConfig, readOnly bool) (*tracestore.Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("no trace archive configured")
	}
	scfg := tracestore.DefaultConfig(cfg.Path)
	scfg.ReadOnly = readOnly
	scfg.PruneEnabled = false
	scfg.RetainTraces = cfg.Retain
	scfg.Logger = logger
	return tracestore.Open(scfg)
}

func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = ctx.App.Writer.Write(out)
	return err
}
