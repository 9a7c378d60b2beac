package invoke

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/fortiblox/x1-invoke/pkg/svm"
	"github.com/fortiblox/x1-invoke/pkg/svm/memory"
)

// ErrInvalidConfig is returned for configurations the context cannot run.
var ErrInvalidConfig = errors.New("invalid invoke config")

// DefaultStackSize is the stack mapped for every frame.
const DefaultStackSize = svm.StackSizeMax

// Config holds invoke context configuration.
type Config struct {
	// MaxDepth is the maximum frame stack height, the top-level
	// instruction included.
	MaxDepth uint32

	// HeapSize is the heap mapped for every frame.
	HeapSize uint32

	// StackSize is the stack mapped for every frame.
	StackSize uint64

	// LogLimit bounds the program log in bytes. Zero disables the bound.
	LogLimit int

	// Logger receives runtime diagnostics. Program logs are collected
	// separately and never written here.
	Logger log.Logger `toml:"-"`
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MaxDepth:  svm.InvokeDepthMax,
		HeapSize:  svm.HeapSizeDefault,
		StackSize: DefaultStackSize,
		LogLimit:  DefaultLogLimit,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxDepth == 0 || c.MaxDepth > memory.MaxWindows {
		return fmt.Errorf("%w: max depth %d not in [1, %d]", ErrInvalidConfig, c.MaxDepth, memory.MaxWindows)
	}
	if c.HeapSize < svm.HeapSizeMin || c.HeapSize > svm.HeapSizeMax || c.HeapSize%1024 != 0 {
		return fmt.Errorf("%w: heap size %d", ErrInvalidConfig, c.HeapSize)
	}
	if c.StackSize == 0 || c.StackSize > memory.WindowSize {
		return fmt.Errorf("%w: stack size %d", ErrInvalidConfig, c.StackSize)
	}
	if c.LogLimit < 0 {
		return fmt.Errorf("%w: negative log limit", ErrInvalidConfig)
	}
	return nil
}
