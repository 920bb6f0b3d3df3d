package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"connectrpc.com/connect"
	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/nai/cache"
	"github.com/chazu/nai/compiler"
	"github.com/chazu/nai/vm"
)

// Service and procedure names of the execution service.
const (
	ServiceName      = "nai.v1.ExecutionService"
	CompileProcedure = "/" + ServiceName + "/Compile"
	RunProcedure     = "/" + ServiceName + "/Run"
)

const defaultModuleName = "main.nai"

// ExecutionService compiles and runs Nai programs. Every run gets a fresh
// interpreter on a pool goroutine; compiled modules are shared read-only.
type ExecutionService struct {
	pool     *Pool
	modules  *ModuleStore
	cache    *cache.Cache
	natives  *vm.Natives
	vmConfig vm.Config
	timeout  time.Duration
}

// NewExecutionService creates an ExecutionService. images may be nil.
func NewExecutionService(pool *Pool, modules *ModuleStore, images *cache.Cache, natives *vm.Natives, cfg vm.Config, timeout time.Duration) *ExecutionService {
	return &ExecutionService{
		pool:     pool,
		modules:  modules,
		cache:    images,
		natives:  natives,
		vmConfig: cfg,
		timeout:  timeout,
	}
}

// Mount registers the service's procedures on mux.
func (s *ExecutionService) Mount(mux *http.ServeMux, opts ...connect.HandlerOption) {
	mux.Handle(CompileProcedure, connect.NewUnaryHandler(CompileProcedure, s.Compile, opts...))
	mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, s.Run, opts...))
}

// Compile checks and compiles a source. Compile errors are reported in the
// response rather than as RPC errors.
func (s *ExecutionService) Compile(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	source := stringField(req.Msg, "source")
	if source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}
	name := moduleName(req.Msg)
	disassemble := boolField(req.Msg, "disassemble")

	result, err := s.pool.Do(ctx, func() (any, error) {
		id, m, cached, err := s.compile(name, source)
		if err != nil {
			return map[string]any{
				"ok":          false,
				"diagnostics": diagnosticValues(diagnostics(err)),
			}, nil
		}
		var names []string
		for _, fn := range m.SortedFunctions() {
			if fn.Native {
				continue
			}
			names = append(names, fn.Name)
		}
		resp := map[string]any{
			"ok":        true,
			"module_id": id,
			"cached":    cached,
			"functions": stringValues(names),
		}
		if disassemble {
			resp["disassembly"] = m.Disassemble()
		}
		return resp, nil
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return respond(result)
}

// Run executes a program given as source or as the id of a module returned
// by Compile. Runtime failures are reported in the response.
func (s *ExecutionService) Run(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	msg := req.Msg
	source := stringField(msg, "source")
	id := stringField(msg, "module_id")
	if source == "" && id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source or module_id is required"))
	}

	var m *vm.Module
	if id != "" {
		var ok bool
		if m, ok = s.modules.Lookup(id); !ok {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("module %q not found", id))
		}
	}

	cfg := s.vmConfig
	if n := numberField(msg, "max_instructions"); n > 0 {
		cfg.MaxInstructions = uint64(n)
	}
	entry := stringField(msg, "entry")
	var args []uint64
	for _, v := range listField(msg, "args") {
		args = append(args, uint64(int64(v.GetNumberValue())))
	}

	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.pool.Do(runCtx, func() (any, error) {
		if m == nil {
			var err error
			id, m, _, err = s.compile(moduleName(msg), source)
			if err != nil {
				return map[string]any{
					"ok":          false,
					"error":       "compile failed",
					"diagnostics": diagnosticValues(diagnostics(err)),
				}, nil
			}
		}
		return s.execute(runCtx, m, id, cfg, entry, args), nil
	})
	if err != nil {
		return nil, rpcError(err)
	}
	return respond(result)
}

// compile returns the module for a source, memoised in the module store
// and, when configured, the on-disk image cache.
func (s *ExecutionService) compile(name, source string) (string, *vm.Module, bool, error) {
	key, err := cache.Key(name, source, compiler.Version)
	if err != nil {
		return "", nil, false, err
	}
	if id, m, ok := s.modules.LookupKey(key); ok {
		return id, m, true, nil
	}

	var m *vm.Module
	cached := false
	if s.cache != nil {
		m, cached, err = s.cache.Compile(name, source, s.natives, compiler.Version)
	} else {
		m, err = compiler.Compile(name, source, s.natives)
	}
	if err != nil {
		return "", nil, false, err
	}
	return s.modules.Add(key, m), m, cached, nil
}

func (s *ExecutionService) execute(ctx context.Context, m *vm.Module, id string, cfg vm.Config, entry string, args []uint64) map[string]any {
	var out bytes.Buffer
	cfg.Output = &out
	it := vm.NewInterpreter(cfg, s.natives)
	runID := ulid.Make().String()

	var value int64
	var err error
	if entry == "" || entry == "main" {
		value, err = it.Run(ctx, m)
	} else {
		var raw uint64
		raw, err = it.Call(ctx, m, entry, args...)
		value = int64(raw)
	}

	resp := map[string]any{
		"ok":        err == nil,
		"run_id":    runID,
		"module_id": id,
		"value":     strconv.FormatInt(value, 10),
		"output":    out.String(),
		"steps":     it.Steps(),
	}
	if err != nil {
		resp["error"] = err.Error()
		var rerr *vm.RuntimeError
		if errors.As(err, &rerr) {
			resp["error_kind"] = rerr.Kind.Error()
		}
		log.Infof("run %s of %s failed: %v", runID, m.Name, err)
		return resp
	}
	log.Infof("run %s of %s returned %d after %d instructions", runID, m.Name, value, it.Steps())
	return resp
}

func moduleName(msg *structpb.Struct) string {
	if name := stringField(msg, "name"); name != "" {
		return name
	}
	return defaultModuleName
}

func respond(result any) (*connect.Response[structpb.Struct], error) {
	st, err := structpb.NewStruct(result.(map[string]any))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(st), nil
}

func rpcError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
