package pinatatest

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"pinatatests"
)

// ErrAlreadyRegistered is returned when a second environment is registered in
// the same process.
var ErrAlreadyRegistered = errors.New("a pinata test environment is already registered")

type registry struct {
	mu  sync.Mutex
	env *Environment
}

var global registry

func (r *registry) register(env *Environment) error {
	if env == nil {
		return errors.New("cannot register a nil test environment")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.env != nil {
		return ErrAlreadyRegistered
	}
	r.env = env
	return nil
}

func (r *registry) instance() *Environment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.env == nil {
		panic("pinatatest: no test environment registered; call pinatatest.Run or pinatatest.Main from TestMain")
	}
	return r.env
}

// Register makes env the process-wide environment returned by Instance. It
// succeeds at most once per process.
func Register(env *Environment) error {
	return global.register(env)
}

// Instance returns the registered environment. It panics if none has been
// registered.
func Instance() *Environment {
	return global.instance()
}

// TestRunner runs a package's tests. *testing.M implements it.
type TestRunner interface {
	Run() int
}

var _ TestRunner = (*testing.M)(nil)

// Run registers env, connects it, runs the tests and tears the connection
// down, returning the exit code for os.Exit. When the connection cannot be
// made no test is run and the code is 1. Teardown happens on every path.
func Run(m TestRunner, env *Environment) int {
	return run(&global, m, env)
}

func run(reg *registry, m TestRunner, env *Environment) (code int) {
	if err := reg.register(env); err != nil {
		if env != nil {
			env.logger.Errorf("registering pinata test environment: %v", err)
		}
		return 1
	}

	ctx := context.Background()
	defer func() {
		if err := env.TearDown(ctx); err != nil {
			env.logger.Errorf("pinata teardown failed: %v", err)
			if code == 0 {
				code = 1
			}
		}
	}()

	if err := env.SetUp(ctx); err != nil {
		env.logger.Errorf("pinata setup failed, not running any tests: %v", err)
		return 1
	}
	return m.Run()
}

// Main is the whole of a TestMain for packages that only need the board: it
// reads the PINATA_* config, runs the tests and exits.
func Main(m *testing.M, opts ...Option) {
	cfg, err := pinatatests.ConfigFromEnv()
	env := New(cfg, opts...)
	if err != nil {
		env.logger.Errorf("reading pinata config, not running any tests: %v", err)
		os.Exit(1)
	}
	os.Exit(Run(m, env))
}
